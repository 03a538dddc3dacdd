package types

import "time"

// DependencyRef declares one bind-mount a bundle needs from another
// bundle's output before it can run.
type DependencyRef struct {
	ParentUUID string // bundle UUID the dependency is sourced from
	ParentPath string // path inside the parent bundle's output
	ChildPath  string // path, relative to this bundle's root, to mount it at
}

// Bundle is the self-describing compute job dispatched by the server.
// It is opaque to the run lifecycle engine beyond its UUID, declared
// dependencies, and requested command/image.
type Bundle struct {
	UUID         string
	Command      string
	Image        string
	Dependencies []DependencyRef
}

// DependencyChildPaths returns the set of child paths this bundle declares
// as read-only dependency mounts, used by the write-guard (spec P7).
func (b Bundle) DependencyChildPaths() StringSet {
	paths := make(StringSet, len(b.Dependencies))
	for _, d := range b.Dependencies {
		paths[d.ChildPath] = struct{}{}
	}
	return paths
}

// RunResources is the resource ask and launch descriptor a run is created
// with.
type RunResources struct {
	CPUs          int
	GPUs          int
	MemoryBytes   int64
	DiskBytes     int64
	NetworkEgress bool
	Command       string
	Image         string
}

// Stage is a discrete phase of a run's lifecycle. Stages only ever
// advance in the order they're declared below (spec invariant 6); the
// numeric value of a Stage is its position in that order, so callers can
// assert monotonicity with a plain integer comparison.
type Stage int

const (
	StagePreparing Stage = iota
	StageRunning
	StageCleaningUp
	StageUploadingResults
	StageFinalizing
	StageFinished
)

func (s Stage) String() string {
	switch s {
	case StagePreparing:
		return "PREPARING"
	case StageRunning:
		return "RUNNING"
	case StageCleaningUp:
		return "CLEANING_UP"
	case StageUploadingResults:
		return "UPLOADING_RESULTS"
	case StageFinalizing:
		return "FINALIZING"
	case StageFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// RunState is the authoritative record of everything the core knows
// about one active bundle. A RunState is created by RunManager.CreateRun
// in StagePreparing, mutated only inside RunManager.ProcessRuns ticks and
// by the explicit user-facing calls (Kill, MarkFinalized, Write), and
// removed from the registry once Stage reaches StageFinished.
type RunState struct {
	// identity
	Bundle     Bundle
	BundlePath string
	Resources  RunResources

	// stage
	Stage  Stage
	Status string

	// timing
	BundleStartTime     time.Time
	ContainerStartTime  *time.Time
	ContainerTimeTotal  time.Duration
	ContainerTimeUser   time.Duration
	ContainerTimeSystem time.Duration

	// runtime handles
	ContainerID *string
	Container   Container // live handle; never persisted
	DockerImage *string

	// assignments
	CPUSet StringSet
	GPUSet StringSet

	// stats
	MaxMemory       int64
	DiskUtilization int64

	// termination
	ExitCode        *int
	FailureMessage  *string
	KillMessage     *string
	IsKilled        bool
	Finished        bool
	Finalized       bool

	// recovery hint
	BundleDirWaitNumTries int
}

// Clone returns a deep-enough copy of the RunState for the
// copy-on-write-style update pattern the state machine and RunManager
// use: every transition produces a new *RunState rather than mutating
// the one a reader might be holding.
func (r *RunState) Clone() *RunState {
	cp := *r
	cp.CPUSet = r.CPUSet.Clone()
	cp.GPUSet = r.GPUSet.Clone()
	return &cp
}
