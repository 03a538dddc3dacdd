package runtime

import (
	"context"
	"fmt"
	"hash/fnv"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	v1 "github.com/containerd/cgroups/stats/v1"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/noded/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace the node daemon uses
	// for every run's container, separate from any other tenant of the
	// same containerd instance.
	DefaultNamespace = "noded"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	cfsPeriod = uint64(100000)
)

// ContainerdRuntime implements types.ContainerRuntime against a local
// containerd daemon. Containers are created with a private network
// namespace (the containerd default) and stay host-unreachable until
// Start wires a veth pair into it, so the bookkeeping below tracks which
// networks each container belongs to and the address it was handed on
// each one.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string

	mu                sync.Mutex
	containerNetworks map[string][]string          // container ID -> networks it should join, recorded at create time
	networkIPs        map[string]map[string]string // network name -> container ID -> assigned address
	nextHostOctet     map[string]int               // network name -> next unused last octet
}

// NewContainerdRuntime creates a new containerd runtime client.
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:            client,
		namespace:         DefaultNamespace,
		containerNetworks: make(map[string][]string),
		networkIPs:        make(map[string]map[string]string),
		nextHostOctet:     make(map[string]int),
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// PullImage pulls a container image from a registry, unpacking it onto the
// default snapshotter so CreateContainer can snapshot it immediately.
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)

	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// CreateContainer builds an OCI spec from the given ContainerSpec: image
// config, bind mounts, cpuset pinning, and a memory limit. Every container
// gets its own network namespace by default, with only loopback up; the
// networks named in spec.Networks are recorded here and joined once Start
// gives the task a PID to attach a veth pair to.
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec types.ContainerSpec) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
	}

	if spec.Command != "" {
		opts = append(opts, oci.WithProcessArgs("/bin/sh", "-c", spec.Command))
	}

	if len(spec.CPUSet) > 0 {
		opts = append(opts, oci.WithCPUs(strings.Join(spec.CPUSet.Sorted(), ",")))
	}

	if len(spec.GPUSet) > 0 {
		opts = append(opts, oci.WithEnv([]string{
			"NVIDIA_VISIBLE_DEVICES=" + strings.Join(spec.GPUSet.Sorted(), ","),
		}))
	}

	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		mountOpts := []string{"rbind"}
		if m.ReadOnly {
			mountOpts = append(mountOpts, "ro")
		} else {
			mountOpts = append(mountOpts, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
			Options:     mountOpts,
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	r.mu.Lock()
	r.containerNetworks[ctrdContainer.ID()] = append([]string(nil), spec.Networks...)
	r.mu.Unlock()

	return ctrdContainer.ID(), nil
}

// Start creates and starts the container's task, then joins it to every
// network recorded for it in CreateContainer. Each join is a veth pair: one
// end stays on the host, attached to the network's bridge, the other is
// moved into the task's netns by PID and configured with an address from
// that network's subnet. The last network in the list (if there is more
// than one) gets the container's default route — for noded this is always
// the egress-or-internal network a run was assigned, never the shared
// "general" rendezvous network every run also joins.
func (r *ContainerdRuntime) Start(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	r.mu.Lock()
	networks := r.containerNetworks[id]
	r.mu.Unlock()

	pid := task.Pid()
	for i, network := range networks {
		ifaceName := fmt.Sprintf("eth%d", i)
		defaultRoute := len(networks) > 1 && i == len(networks)-1
		if err := r.attachNetwork(ctx, id, pid, network, ifaceName, defaultRoute); err != nil {
			return fmt.Errorf("failed to attach container %s to network %s: %w", id, network, err)
		}
	}

	return nil
}

// attachNetwork creates a veth pair, leaves the host end on the named
// bridge, and moves the peer into the task's netns by PID, where it is
// renamed, addressed and brought up via nsenter. This is the same
// exec.Command-driven iproute2 approach NetworkCreate and NetworkRemove
// already use for the host side of bridge management.
func (r *ContainerdRuntime) attachNetwork(ctx context.Context, id string, pid uint32, network, ifaceName string, defaultRoute bool) error {
	if pid == 0 {
		return fmt.Errorf("container task has no PID")
	}

	hostVeth, peerVeth := vethNames(id, network)

	if err := exec.Command("ip", "link", "add", hostVeth, "type", "veth", "peer", "name", peerVeth).Run(); err != nil {
		return fmt.Errorf("failed to create veth pair: %w", err)
	}
	if err := exec.Command("ip", "link", "set", hostVeth, "master", network).Run(); err != nil {
		return fmt.Errorf("failed to attach %s to bridge %s: %w", hostVeth, network, err)
	}
	if err := exec.Command("ip", "link", "set", hostVeth, "up").Run(); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", hostVeth, err)
	}
	if err := exec.Command("ip", "link", "set", peerVeth, "netns", strconv.Itoa(int(pid))).Run(); err != nil {
		return fmt.Errorf("failed to move %s into the container's netns: %w", peerVeth, err)
	}

	nsenter := func(args ...string) error {
		full := append([]string{"-t", strconv.Itoa(int(pid)), "-n"}, args...)
		out, err := exec.CommandContext(ctx, "nsenter", full...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("nsenter %v: %w (output: %s)", args, err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	if err := nsenter("ip", "link", "set", peerVeth, "name", ifaceName); err != nil {
		return err
	}

	ip := r.allocateIP(network, id)
	if err := nsenter("ip", "addr", "add", ip+"/24", "dev", ifaceName); err != nil {
		return err
	}
	if err := nsenter("ip", "link", "set", ifaceName, "up"); err != nil {
		return err
	}
	if err := nsenter("ip", "link", "set", "lo", "up"); err != nil {
		return err
	}

	if defaultRoute {
		if err := nsenter("ip", "route", "add", "default", "via", networkGateway(network)); err != nil {
			return err
		}
	}

	return nil
}

// allocateIP hands out the next unused address on network for id, or
// returns the address already assigned if this container has attached to
// that network before in this process. Assignments are held in memory
// only and do not survive a daemon restart.
func (r *ContainerdRuntime) allocateIP(network, id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.networkIPs[network] == nil {
		r.networkIPs[network] = make(map[string]string)
	}
	if ip, ok := r.networkIPs[network][id]; ok {
		return ip
	}

	if r.nextHostOctet[network] == 0 {
		r.nextHostOctet[network] = 2 // .1 is the bridge's own gateway address
	}
	octet := r.nextHostOctet[network]
	r.nextHostOctet[network]++

	ip := fmt.Sprintf("%s.%d", networkBase(network), octet)
	r.networkIPs[network][id] = ip
	return ip
}

// networkBase derives a stable /24 base ("10.96.<n>") for a bridge name by
// hashing it, so every node picks the same subnet for "noded_general"
// without needing a coordinator to hand out CIDRs.
func networkBase(network string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(network))
	third := int(h.Sum32()%200) + 10
	return fmt.Sprintf("10.96.%d", third)
}

func networkGateway(network string) string {
	return networkBase(network) + ".1"
}

// vethNames derives deterministic, kernel-length-limited interface names
// for the host and container ends of a container's veth pair on a given
// network, so repeated calls (e.g. cleanupNetworks finding the host end
// attachNetwork created) name the same link.
func vethNames(id, network string) (host, peer string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id + "|" + network))
	sum := h.Sum32() & 0xffffff
	return fmt.Sprintf("nv%xh", sum), fmt.Sprintf("nv%xc", sum)
}

// Stop sends SIGTERM, waits up to grace for the task to exit, then
// SIGKILLs and deletes it. A missing task (container never started, or
// already reaped) is not an error.
func (r *ContainerdRuntime) Stop(ctx context.Context, id string, grace time.Duration) (int, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return 0, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !isNotFoundErr(err) {
		return 0, fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	var exitStatus containerd.ExitStatus
	select {
	case status := <-statusC:
		exitStatus = status
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !isNotFoundErr(err) {
			return 0, fmt.Errorf("failed to send SIGKILL: %w", err)
		}
		exitStatus = <-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !isNotFoundErr(err) {
		return int(exitStatus.ExitCode()), fmt.Errorf("failed to delete task: %w", err)
	}

	return int(exitStatus.ExitCode()), nil
}

// Inspect reports whether a container's task is running and, once it has
// exited, its exit code and resource usage. NotFound is set when the
// container no longer exists, which the caller treats as "already gone"
// rather than an error.
func (r *ContainerdRuntime) Inspect(ctx context.Context, id string) (types.ContainerInspection, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return types.ContainerInspection{NotFound: true}, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.ContainerInspection{Running: false}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.ContainerInspection{}, fmt.Errorf("failed to get task status: %w", err)
	}

	inspection := types.ContainerInspection{
		Running: status.Status == containerd.Running || status.Status == containerd.Paused,
	}

	if status.Status == containerd.Stopped {
		inspection.ExitCode = int(status.ExitStatus)
	}

	if metrics, err := task.Metrics(ctx); err == nil && metrics != nil {
		usage := extractUsage(metrics.Data)
		inspection.CPUUser = usage.user
		inspection.CPUSystem = usage.system
		inspection.MemoryMax = usage.memoryMax
	}

	return inspection, nil
}

// IPOnNetwork returns the address Start assigned the container when it
// joined network. Unlike introspecting the netns with nsenter, this never
// has to guess an interface name: the assignment was recorded at join time
// and is exactly what a peer container was handed to reach this one.
func (r *ContainerdRuntime) IPOnNetwork(ctx context.Context, network, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ip, ok := r.networkIPs[network][id]
	if !ok {
		return "", fmt.Errorf("container %s has no address on network %s", id, network)
	}
	return ip, nil
}

// Remove force-stops and deletes a container along with its snapshot and
// network attachments. A missing container is not an error.
func (r *ContainerdRuntime) Remove(ctx context.Context, id string, force bool) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil
	}

	if force {
		if _, err := r.Stop(ctx, id, time.Second); err != nil {
			return fmt.Errorf("failed to stop container before removal: %w", err)
		}
	}

	r.cleanupNetworks(id)

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// cleanupNetworks removes the host side of every veth pair created for id
// and frees its IP allocations. The container-side peer is destroyed
// automatically when its netns is torn down with the task, so only the
// host end needs an explicit delete.
func (r *ContainerdRuntime) cleanupNetworks(id string) {
	r.mu.Lock()
	networks := r.containerNetworks[id]
	delete(r.containerNetworks, id)
	r.mu.Unlock()

	for _, network := range networks {
		hostVeth, _ := vethNames(id, network)
		_ = exec.Command("ip", "link", "delete", hostVeth).Run()

		r.mu.Lock()
		delete(r.networkIPs[network], id)
		r.mu.Unlock()
	}
}

// NetworkCreate creates a Linux bridge for the given network name if it
// does not already exist, assigns it a gateway address on a subnet derived
// from its own name, and brings it up. containerd has no bridge-management
// API of its own; the daemon drives iproute2 directly, the same pattern
// used for attachNetwork above. Non-internal networks also get a
// MASQUERADE rule so traffic leaving through the host's external interface
// gets a routable source address; an internal network deliberately has no
// such rule, so a default route into it leads nowhere once it reaches the
// host's FORWARD/NAT layer.
func (r *ContainerdRuntime) NetworkCreate(name string, internal bool) error {
	check := exec.Command("ip", "link", "show", name)
	if err := check.Run(); err == nil {
		return nil
	}

	if err := exec.Command("ip", "link", "add", "name", name, "type", "bridge").Run(); err != nil {
		return fmt.Errorf("failed to create bridge %s: %w", name, err)
	}

	gatewayCIDR := networkGateway(name) + "/24"
	if err := exec.Command("ip", "addr", "add", gatewayCIDR, "dev", name).Run(); err != nil {
		return fmt.Errorf("failed to assign gateway address to bridge %s: %w", name, err)
	}

	if err := exec.Command("ip", "link", "set", name, "up").Run(); err != nil {
		return fmt.Errorf("failed to bring up bridge %s: %w", name, err)
	}

	if internal {
		return nil
	}

	subnet := networkBase(name) + ".0/24"
	if err := exec.Command("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", subnet, "!", "-o", name, "-j", "MASQUERADE").Run(); err != nil {
		return fmt.Errorf("failed to configure NAT for network %s: %w", name, err)
	}

	return nil
}

// NetworkRemove deletes a bridge and its MASQUERADE rule, if any. Deleting
// a bridge that still has containers attached is refused by the kernel, so
// this is only safe to call once every container on it has been removed.
func (r *ContainerdRuntime) NetworkRemove(name string) error {
	subnet := networkBase(name) + ".0/24"
	_ = exec.Command("iptables", "-t", "nat", "-D", "POSTROUTING", "-s", subnet, "!", "-o", name, "-j", "MASQUERADE").Run()

	if err := exec.Command("ip", "link", "delete", name).Run(); err != nil {
		return fmt.Errorf("failed to delete bridge %s: %w", name, err)
	}
	return nil
}

func isNotFoundErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}

type cpuUsage struct {
	user      time.Duration
	system    time.Duration
	memoryMax int64
}

// extractUsage decodes a task's metrics payload. The payload is a
// typeurl.Any whose concrete type depends on the runtime shim; only the
// cgroup v1 shape is understood, and any other shape (or decode failure)
// yields a zero usage rather than failing Inspect.
func extractUsage(data typeurl.Any) cpuUsage {
	decoded, err := typeurl.UnmarshalAny(data)
	if err != nil {
		return cpuUsage{}
	}

	metrics, ok := decoded.(*v1.Metrics)
	if !ok || metrics == nil {
		return cpuUsage{}
	}

	var usage cpuUsage
	if metrics.CPU != nil && metrics.CPU.Usage != nil {
		usage.user = time.Duration(metrics.CPU.Usage.User)
		usage.system = time.Duration(metrics.CPU.Usage.Kernel)
	}
	if metrics.Memory != nil && metrics.Memory.Usage != nil {
		usage.memoryMax = int64(metrics.Memory.Usage.Max)
	}
	return usage
}
