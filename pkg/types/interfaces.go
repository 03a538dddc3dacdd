package types

import (
	"context"
	"io"
	"time"
)

// Container is an opaque, runtime-specific live handle. The core never
// inspects it directly; it is stashed on a RunState purely so a
// ContainerRuntime implementation can avoid re-resolving its own handle
// on every call, and it is never persisted across a commit/load cycle.
type Container any

// ReadinessState is the three-way status collaborators (image/dependency
// acquisition) report back through Status.
type ReadinessState int

const (
	Pending ReadinessState = iota
	Ready
	Failed
)

// ImageStatus is returned by ImageManager.Status.
type ImageStatus struct {
	State   ReadinessState
	Digest  string // set when State == Ready
	Message string // set when State == Failed
}

// ImageManager acquires container images in the background. It is an
// external collaborator: the core only ever observes Status, it never
// blocks waiting on a pull.
type ImageManager interface {
	Start() error
	Stop() error
	Request(imageRef string)
	Status(imageRef string) ImageStatus
}

// DependencyHandle identifies one in-flight or completed dependency
// acquisition, returned by DependencyManager.Request.
type DependencyHandle string

// DependencyStatus is returned by DependencyManager.Status.
type DependencyStatus struct {
	State     ReadinessState
	LocalPath string // set when State == Ready
	Message   string // set when State == Failed
}

// DependencyInfo describes one dependency cache entry for reporting
// purposes (RunManager.AllDependencies).
type DependencyInfo struct {
	ParentUUID string
	ParentPath string
	LocalPath  string
	RefCount   int
}

// DependencyManager downloads and reference-counts bundle dependencies
// onto local disk. An external collaborator: the core requests, polls
// Status, and releases, but never performs the transfer itself.
type DependencyManager interface {
	Start() error
	Stop() error
	Request(parentUUID, parentPath string) (DependencyHandle, error)
	Status(handle DependencyHandle) DependencyStatus
	Release(handle DependencyHandle)
	AllDependencies() []DependencyInfo
}

// ContainerInspection is the point-in-time status/stats snapshot
// ContainerRuntime.Inspect returns.
type ContainerInspection struct {
	Running    bool
	ExitCode   int
	CPUUser    time.Duration
	CPUSystem  time.Duration
	MemoryMax  int64
	NotFound   bool // true when the container no longer exists in the runtime
}

// Mount describes one bind mount attached to a container at creation
// time.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is everything ContainerRuntime.CreateContainer needs to
// launch a run's container.
type ContainerSpec struct {
	ID          string
	Image       string
	Command     string
	Mounts      []Mount
	Networks    []string
	CPUSet      StringSet
	GPUSet      StringSet
	MemoryBytes int64
}

// ContainerRuntime is the driver for the local container engine: pulling
// images, creating/removing containers and networks, and reading
// resource stats. An external collaborator — none of this is
// transactional, so the core treats "not found" as a first-class
// observation rather than an error requiring rollback.
type ContainerRuntime interface {
	PullImage(ctx context.Context, imageRef string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (id string, err error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, grace time.Duration) (exitCode int, err error)
	Inspect(ctx context.Context, id string) (ContainerInspection, error)
	IPOnNetwork(ctx context.Context, network, id string) (string, error)
	Remove(ctx context.Context, id string, force bool) error

	NetworkCreate(name string, internal bool) error
	NetworkRemove(name string) error
}

// ReplyFunc streams a read/netcat result back to the caller exactly
// once: an error, a set of headers, and a body. body may be a full
// in-memory buffer (netcat) or a streamed reader (read); Reader
// implementations should not assume either.
type ReplyFunc func(err error, headers map[string]string, body io.Reader)

// Reader serves file contents out of a running (or just-finished)
// bundle's working directory.
type Reader interface {
	Read(run *RunState, path string, args map[string]string, reply ReplyFunc)
}
