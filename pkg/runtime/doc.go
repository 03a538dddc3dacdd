// Package runtime adapts a containerd client into the node daemon's
// ContainerRuntime collaborator: pulling images, creating containers with
// bind mounts and cpuset/gpuset pinning, and driving the bridge networks a
// run's container joins.
package runtime
