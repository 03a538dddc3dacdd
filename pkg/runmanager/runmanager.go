package runmanager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/noded/pkg/allocator"
	"github.com/cuemby/noded/pkg/committer"
	"github.com/cuemby/noded/pkg/log"
	"github.com/cuemby/noded/pkg/metrics"
	"github.com/cuemby/noded/pkg/netprov"
	"github.com/cuemby/noded/pkg/statemachine"
	"github.com/cuemby/noded/pkg/types"
)

// ErrStopping is returned by CreateRun once the manager has begun
// shutting down.
var ErrStopping = errors.New("run manager is stopping")

// ErrAlreadyExists is returned by CreateRun for a UUID already in the
// registry. The source this was distilled from silently overwrote the
// existing entry instead; this implementation rejects the duplicate, per
// the documented preference for a safer behaviour (see DESIGN.md).
var ErrAlreadyExists = errors.New("run already exists")

// DefaultBundleDirWaitNumTries bounds how many ticks a shared-filesystem
// run waits for the server to provision its bundle directory before
// giving up.
const DefaultBundleDirWaitNumTries = 30

// DefaultKillTimeout is the ceiling kill_all waits for runs to drain
// before abandoning them to the snapshot.
const DefaultKillTimeout = 100 * time.Second

// Config wires a Manager to its collaborators and machine inventory.
type Config struct {
	WorkDir          string
	SharedFilesystem bool

	Runtime      types.ContainerRuntime
	Images       types.ImageManager
	Dependencies types.DependencyManager
	Networks     *netprov.NetworkProvisioner
	Allocator    *allocator.Allocator
	Committer    *committer.Committer
	StateMachine *statemachine.StateMachine
	Reader       types.Reader

	MemoryBytes int64
	KillTimeout time.Duration
}

// Manager is the RunManager: a registry of active runs guarded by a
// single lock, plus the collaborators the state machine needs to advance
// them. The lock is not reentrant (Go's sync.Mutex never is); every
// exported method that reads or writes the registry takes it exactly once
// at its own boundary. Allocate is the exception: ProcessRuns reaches it
// through the state machine while already holding the lock, so Allocate
// never takes it itself.
type Manager struct {
	workDir          string
	sharedFilesystem bool

	runtime      types.ContainerRuntime
	images       types.ImageManager
	deps         types.DependencyManager
	networks     *netprov.NetworkProvisioner
	alloc        *allocator.Allocator
	commit       *committer.Committer
	machine      *statemachine.StateMachine
	reader       types.Reader
	memoryBytes  int64
	killTimeout  time.Duration

	mu       sync.Mutex
	runs     map[string]*types.RunState
	stopping bool
}

// New creates a Manager. Call Start before ProcessRuns.
func New(cfg Config) *Manager {
	killTimeout := cfg.KillTimeout
	if killTimeout <= 0 {
		killTimeout = DefaultKillTimeout
	}
	return &Manager{
		workDir:          cfg.WorkDir,
		sharedFilesystem: cfg.SharedFilesystem,
		runtime:          cfg.Runtime,
		images:           cfg.Images,
		deps:             cfg.Dependencies,
		networks:         cfg.Networks,
		alloc:            cfg.Allocator,
		commit:           cfg.Committer,
		machine:          cfg.StateMachine,
		reader:           cfg.Reader,
		memoryBytes:      cfg.MemoryBytes,
		killTimeout:      killTimeout,
		runs:             make(map[string]*types.RunState),
	}
}

// SetStateMachine wires the state machine after construction. This
// breaks the circular dependency between the two: the state machine's
// Allocate closure is normally a bound method on the very Manager it will
// be installed into.
func (m *Manager) SetStateMachine(sm *statemachine.StateMachine) {
	m.machine = sm
}

// CreateRun registers a fresh RunState in PREPARING for bundle. Safe to
// call concurrently with ProcessRuns.
func (m *Manager) CreateRun(bundle types.Bundle, resources types.RunResources) (*types.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping {
		return nil, ErrStopping
	}
	if _, exists := m.runs[bundle.UUID]; exists {
		return nil, ErrAlreadyExists
	}

	path, err := m.bundlePath(bundle.UUID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute bundle path: %w", err)
	}

	run := &types.RunState{
		Bundle:                bundle,
		BundlePath:            path,
		Resources:             resources,
		Stage:                 types.StagePreparing,
		Status:                "preparing",
		BundleStartTime:       time.Now(),
		BundleDirWaitNumTries: DefaultBundleDirWaitNumTries,
	}
	m.runs[bundle.UUID] = run
	metrics.RunsCreatedTotal.Inc()

	return run.Clone(), nil
}

// bundlePath computes the canonical working directory for uuid. In
// shared-filesystem mode the server provisions the same conventional
// path out of band; the manager only ever waits for it to appear.
func (m *Manager) bundlePath(uuid string) (string, error) {
	return filepath.Abs(filepath.Join(m.workDir, "runs", uuid))
}

// ProcessRuns drives one tick: every run advances by exactly one state
// machine transition, then FINISHED entries are swept from the registry.
// Keys are snapshotted before the loop so an insertion racing with this
// tick (there should be none, since CreateRun and ProcessRuns share the
// same lock) never perturbs iteration.
func (m *Manager) ProcessRuns(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	m.mu.Lock()
	defer m.mu.Unlock()

	uuids := make([]string, 0, len(m.runs))
	for uuid := range m.runs {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)

	usedCPUs, usedGPUs := m.usedSetsLocked()

	for _, uuid := range uuids {
		run, ok := m.runs[uuid]
		if !ok {
			continue
		}

		next := m.machine.Transition(ctx, run)
		m.runs[uuid] = next

		if next.Stage == types.StageRunning && run.Stage == types.StagePreparing {
			usedCPUs = usedCPUs.Union(next.CPUSet)
			usedGPUs = usedGPUs.Union(next.GPUSet)
		}
	}

	m.sweepLocked()
	m.reportStageMetricsLocked()
}

// usedSetsLocked computes the cpuset/gpuset claimed by every RUNNING run.
// Exposed indirectly through the Allocate closure the state machine
// calls into from stepPreparing.
func (m *Manager) usedSetsLocked() (types.StringSet, types.StringSet) {
	usedCPUs := types.NewStringSet()
	usedGPUs := types.NewStringSet()
	for _, run := range m.runs {
		if run.Stage == types.StageRunning {
			usedCPUs = usedCPUs.Union(run.CPUSet)
			usedGPUs = usedGPUs.Union(run.GPUSet)
		}
	}
	return usedCPUs, usedGPUs
}

// Allocate implements statemachine.AllocateFunc against this manager's
// current view of claimed resources. It must only be called while
// ProcessRuns holds the lock, since it reads m.runs directly.
func (m *Manager) Allocate(requestCPUs, requestGPUs int) (types.StringSet, types.StringSet, error) {
	usedCPUs, usedGPUs := m.usedSetsLocked()
	cpuset, gpuset, err := m.alloc.Propose(requestCPUs, requestGPUs, usedCPUs, usedGPUs)
	if err != nil {
		var insufficient *allocator.InsufficientResources
		if errors.As(err, &insufficient) {
			metrics.AllocationFailuresTotal.WithLabelValues(insufficient.Resource).Inc()
		}
	}
	return cpuset, gpuset, err
}

// sweepLocked removes FINISHED runs from the registry and force-removes
// the container of any run that reached FINISHED or FINALIZING while
// still holding a container handle.
func (m *Manager) sweepLocked() {
	for uuid, run := range m.runs {
		if run.Stage == types.StageFinished || run.Stage == types.StageFinalizing {
			if run.ContainerID != nil {
				if err := m.runtime.Remove(context.Background(), *run.ContainerID, true); err != nil {
					log.WithBundle(uuid).Debug().Err(err).Msg("force-remove on sweep failed")
				}
			}
		}
		if run.Stage == types.StageFinished {
			delete(m.runs, uuid)
			m.machine.Forget(uuid)
		}
	}
}

func (m *Manager) reportStageMetricsLocked() {
	counts := map[types.Stage]int{}
	for _, run := range m.runs {
		counts[run.Stage]++
	}
	for stage := types.StagePreparing; stage <= types.StageFinished; stage++ {
		metrics.RunsByStage.WithLabelValues(stage.String()).Set(float64(counts[stage]))
	}
}

// Kill marks uuid for termination. The state machine observes the flag
// on its next visit; Kill itself never blocks.
func (m *Manager) Kill(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[uuid]
	if !ok {
		return
	}
	next := run.Clone()
	next.IsKilled = true
	next.KillMessage = strPtr("Kill requested")
	m.runs[uuid] = next
}

// MarkFinalized records that the server has acknowledged uuid's terminal
// state, letting the state machine advance it to FINISHED. Unknown UUIDs
// are silently ignored. Always takes the lock: the source this was
// distilled from read the map once unlocked first, which is racy.
func (m *Manager) MarkFinalized(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[uuid]
	if !ok {
		return
	}
	next := run.Clone()
	next.Finalized = true
	m.runs[uuid] = next
}

// HasRun reports whether uuid is currently registered.
func (m *Manager) HasRun(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[uuid]
	return ok
}

// AllRuns returns a snapshot copy of every registered run.
func (m *Manager) AllRuns() []*types.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.RunState, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bundle.UUID < out[j].Bundle.UUID })
	return out
}

// AllDependencies reports every dependency cache entry tracked by the
// dependency manager. On a shared filesystem the scheduler provisions
// bundle directories out of band, so this node never populates a
// dependency cache of its own and has nothing to report.
func (m *Manager) AllDependencies() []types.DependencyInfo {
	if m.sharedFilesystem {
		return []types.DependencyInfo{}
	}
	return m.deps.AllDependencies()
}

// CPUs returns the node's total CPU count.
func (m *Manager) CPUs() int {
	return m.alloc.CPUs()
}

// GPUs returns the node's total GPU count.
func (m *Manager) GPUs() int {
	return m.alloc.GPUs()
}

// MemoryBytes returns the node's total reportable memory.
func (m *Manager) MemoryBytes() int64 {
	return m.memoryBytes
}

// FreeDiskBytes reports free space on the filesystem backing WorkDir. It
// uses a platform statfs call rather than shelling out to a disk-usage
// tool, and reports (0, false) rather than panicking when the call
// fails, per the documented "unknown" fallback for this query.
func (m *Manager) FreeDiskBytes() (int64, bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(m.workDir, &stat); err != nil {
		return 0, false
	}
	return int64(stat.Bavail) * int64(stat.Bsize), true
}

func strPtr(s string) *string {
	return &s
}
