package statemachine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/noded/pkg/allocator"
	"github.com/cuemby/noded/pkg/log"
	"github.com/cuemby/noded/pkg/netprov"
	"github.com/cuemby/noded/pkg/types"
)

// containerRoot is the fixed in-container mount point for a run's bundle
// directory; dependency child paths are mounted underneath it.
const containerRoot = "/0"

// AllocateFunc proposes a cpuset/gpuset for a run about to start. It
// mirrors allocator.Allocator.Propose but is scoped to the RunManager's
// locked view of currently-RUNNING assignments, which the state machine
// itself has no access to.
type AllocateFunc func(requestCPUs, requestGPUs int) (types.StringSet, types.StringSet, error)

// UploadFunc delivers a finished run's bundle contents to the server.
type UploadFunc func(ctx context.Context, uuid string) error

// Config configures a StateMachine.
type Config struct {
	Runtime          types.ContainerRuntime
	Images           types.ImageManager
	Dependencies     types.DependencyManager
	Networks         *netprov.NetworkProvisioner
	Allocate         AllocateFunc
	Upload           UploadFunc
	SharedFilesystem bool
	KillGrace        time.Duration
}

// StateMachine advances runs across their lifecycle stages. A single
// instance is shared by every run the RunManager holds; it keeps only the
// ephemeral, non-persisted bookkeeping a run needs between ticks (pending
// dependency handles, whether the image pull has been requested).
type StateMachine struct {
	runtime          types.ContainerRuntime
	images           types.ImageManager
	deps             types.DependencyManager
	networks         *netprov.NetworkProvisioner
	allocate         AllocateFunc
	upload           UploadFunc
	sharedFilesystem bool
	killGrace        time.Duration

	work map[string]*runWork
}

type runWork struct {
	imageRequested bool
	depsRequested  bool
	depHandles     map[string]types.DependencyHandle // keyed by ChildPath
}

// New creates a StateMachine.
func New(cfg Config) *StateMachine {
	return &StateMachine{
		runtime:          cfg.Runtime,
		images:           cfg.Images,
		deps:             cfg.Dependencies,
		networks:         cfg.Networks,
		allocate:         cfg.Allocate,
		upload:           cfg.Upload,
		sharedFilesystem: cfg.SharedFilesystem,
		killGrace:        cfg.KillGrace,
		work:             make(map[string]*runWork),
	}
}

// Transition advances run by exactly one step and returns the next state.
func (m *StateMachine) Transition(ctx context.Context, run *types.RunState) *types.RunState {
	switch run.Stage {
	case types.StagePreparing:
		return m.stepPreparing(ctx, run)
	case types.StageRunning:
		return m.stepRunning(ctx, run)
	case types.StageCleaningUp:
		return m.stepCleaningUp(run)
	case types.StageUploadingResults:
		return m.stepUploadingResults(ctx, run)
	case types.StageFinalizing:
		return m.stepFinalizing(run)
	default:
		return run
	}
}

// Forget drops a run's ephemeral work entry. The RunManager calls this
// once a run is swept out of the registry at StageFinished.
func (m *StateMachine) Forget(uuid string) {
	delete(m.work, uuid)
}

func (m *StateMachine) workFor(uuid string) *runWork {
	w, ok := m.work[uuid]
	if !ok {
		w = &runWork{depHandles: make(map[string]types.DependencyHandle)}
		m.work[uuid] = w
	}
	return w
}

func (m *StateMachine) stepPreparing(ctx context.Context, run *types.RunState) *types.RunState {
	next := run.Clone()
	w := m.workFor(run.Bundle.UUID)

	if run.IsKilled {
		next.FailureMessage = run.KillMessage
		next.Stage = types.StageCleaningUp
		next.Status = "killed during preparation"
		return next
	}

	if !w.imageRequested {
		m.images.Request(run.Bundle.Image)
		w.imageRequested = true
	}
	if !w.depsRequested {
		for _, dep := range run.Bundle.Dependencies {
			handle, err := m.deps.Request(dep.ParentUUID, dep.ParentPath)
			if err != nil {
				next.FailureMessage = ptr(fmt.Sprintf("dependency %s unavailable: %v", dep.ChildPath, err))
				next.Stage = types.StageCleaningUp
				return next
			}
			w.depHandles[dep.ChildPath] = handle
		}
		w.depsRequested = true
	}

	if m.sharedFilesystem {
		if _, err := os.Stat(run.BundlePath); err != nil {
			if run.BundleDirWaitNumTries <= 0 {
				next.FailureMessage = ptr("bundle directory never appeared on shared filesystem")
				next.Stage = types.StageCleaningUp
				return next
			}
			next.BundleDirWaitNumTries = run.BundleDirWaitNumTries - 1
			next.Status = "waiting for bundle directory"
			return next
		}
	} else if err := os.MkdirAll(run.BundlePath, 0o770); err != nil {
		next.FailureMessage = ptr(fmt.Sprintf("failed to create bundle directory: %v", err))
		next.Stage = types.StageCleaningUp
		return next
	}

	imgStatus := m.images.Status(run.Bundle.Image)
	switch imgStatus.State {
	case types.Failed:
		next.FailureMessage = ptr(fmt.Sprintf("image %s failed: %s", run.Bundle.Image, imgStatus.Message))
		next.Stage = types.StageCleaningUp
		return next
	case types.Pending:
		next.Status = "waiting for image"
		return next
	}

	mounts := []types.Mount{{Source: run.BundlePath, Target: containerRoot, ReadOnly: false}}
	for _, dep := range run.Bundle.Dependencies {
		status := m.deps.Status(w.depHandles[dep.ChildPath])
		switch status.State {
		case types.Failed:
			next.FailureMessage = ptr(fmt.Sprintf("dependency %s failed: %s", dep.ChildPath, status.Message))
			next.Stage = types.StageCleaningUp
			return next
		case types.Pending:
			next.Status = "waiting for dependencies"
			return next
		}
		mounts = append(mounts, types.Mount{
			Source:   status.LocalPath,
			Target:   filepath.Join(containerRoot, dep.ChildPath),
			ReadOnly: true,
		})
	}

	cpuset, gpuset, err := m.allocate(run.Resources.CPUs, run.Resources.GPUs)
	if err != nil {
		var insufficient *allocator.InsufficientResources
		if errors.As(err, &insufficient) && !insufficient.Impossible() {
			// Resources are merely claimed by other runs right now;
			// retry on a later tick once something frees up.
			next.Status = fmt.Sprintf("waiting for resources: %v", err)
			return next
		}
		next.FailureMessage = ptr(err.Error())
		next.Stage = types.StageCleaningUp
		return next
	}

	spec := types.ContainerSpec{
		ID:          run.Bundle.UUID,
		Image:       run.Bundle.Image,
		Command:     run.Resources.Command,
		Mounts:      mounts,
		Networks:    []string{m.networks.General, m.networks.NetworkFor(run.Resources.NetworkEgress)},
		CPUSet:      cpuset,
		GPUSet:      gpuset,
		MemoryBytes: run.Resources.MemoryBytes,
	}

	id, err := m.runtime.CreateContainer(ctx, spec)
	if err != nil {
		next.FailureMessage = ptr(fmt.Sprintf("failed to create container: %v", err))
		next.Stage = types.StageCleaningUp
		return next
	}
	if err := m.runtime.Start(ctx, id); err != nil {
		next.FailureMessage = ptr(fmt.Sprintf("failed to start container: %v", err))
		next.Stage = types.StageCleaningUp
		return next
	}

	startTime := time.Now()
	next.CPUSet = cpuset
	next.GPUSet = gpuset
	next.ContainerID = &id
	next.ContainerStartTime = &startTime
	next.DockerImage = ptr(run.Bundle.Image)
	next.Stage = types.StageRunning
	next.Status = "running"
	return next
}

func (m *StateMachine) stepRunning(ctx context.Context, run *types.RunState) *types.RunState {
	next := run.Clone()

	if run.ContainerID == nil {
		next.FailureMessage = ptr("container disappeared")
		next.Stage = types.StageCleaningUp
		return next
	}

	inspection, err := m.runtime.Inspect(ctx, *run.ContainerID)
	if err != nil {
		log.WithBundle(run.Bundle.UUID).Debug().Err(err).Msg("stats poll failed, keeping previous values")
		return next
	}
	if inspection.NotFound {
		next.FailureMessage = ptr("container disappeared")
		next.ExitCode = nil
		next.Stage = types.StageCleaningUp
		return next
	}

	next.ContainerTimeUser = inspection.CPUUser
	next.ContainerTimeSystem = inspection.CPUSystem
	next.ContainerTimeTotal = inspection.CPUUser + inspection.CPUSystem
	if inspection.MemoryMax > next.MaxMemory {
		next.MaxMemory = inspection.MemoryMax
	}
	next.DiskUtilization = dirSize(run.BundlePath)

	if run.IsKilled {
		exitCode, err := m.runtime.Stop(ctx, *run.ContainerID, m.killGrace)
		if err != nil {
			log.WithBundle(run.Bundle.UUID).Debug().Err(err).Msg("stop failed, will retry next tick")
			return next
		}
		next.ExitCode = ptr(exitCode)
		next.FailureMessage = run.KillMessage
		next.Stage = types.StageCleaningUp
		return next
	}

	if !inspection.Running {
		next.ExitCode = ptr(inspection.ExitCode)
		next.Stage = types.StageCleaningUp
		return next
	}

	return next
}

func (m *StateMachine) stepCleaningUp(run *types.RunState) *types.RunState {
	next := run.Clone()

	if w, ok := m.work[run.Bundle.UUID]; ok {
		for _, handle := range w.depHandles {
			m.deps.Release(handle)
		}
		w.depHandles = make(map[string]types.DependencyHandle)
	}

	next.DiskUtilization = dirSize(run.BundlePath)

	if m.sharedFilesystem {
		next.Stage = types.StageFinalizing
	} else {
		next.Stage = types.StageUploadingResults
	}
	return next
}

func (m *StateMachine) stepUploadingResults(ctx context.Context, run *types.RunState) *types.RunState {
	next := run.Clone()

	if err := m.upload(ctx, run.Bundle.UUID); err != nil {
		log.WithBundle(run.Bundle.UUID).Warn().Err(err).Msg("upload failed, treating as terminal")
		if next.FailureMessage == nil {
			next.FailureMessage = ptr(fmt.Sprintf("upload failed: %v", err))
		}
	}

	next.Finished = true
	next.Stage = types.StageFinalizing
	return next
}

func (m *StateMachine) stepFinalizing(run *types.RunState) *types.RunState {
	next := run.Clone()
	if run.Finalized {
		next.Stage = types.StageFinished
	}
	return next
}

func ptr[T any](v T) *T {
	return &v
}

// dirSize sums the apparent size of every regular file under path. Errors
// (missing directory, permission denied on a single entry) are treated as
// zero contribution rather than failing the caller — this is advisory
// disk-usage reporting, not an invariant the rest of the engine depends on.
func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
