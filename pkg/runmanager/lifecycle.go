package runmanager

import (
	"context"
	"time"

	"github.com/cuemby/noded/pkg/committer"
	"github.com/cuemby/noded/pkg/log"
	"github.com/cuemby/noded/pkg/metrics"
	"github.com/cuemby/noded/pkg/types"
)

// Start loads the last committed snapshot, re-resolving each run's live
// container handle, and starts the image manager and (when not on a
// shared filesystem) the dependency manager.
func (m *Manager) Start(ctx context.Context) error {
	snapshot, err := m.commit.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for uuid, rec := range snapshot {
		m.runs[uuid] = m.restoreLocked(ctx, uuid, rec)
	}
	m.mu.Unlock()

	if err := m.images.Start(); err != nil {
		return err
	}
	if !m.sharedFilesystem {
		if err := m.deps.Start(); err != nil {
			return err
		}
	}
	return nil
}

// restoreLocked projects a committed Record back into a RunState,
// re-querying the runtime for ContainerID to repopulate the live handle.
// If the runtime reports the container gone, ContainerID is cleared so
// the next tick treats it as already gone rather than trusting stale
// state (spec P3/scenario 5).
func (m *Manager) restoreLocked(ctx context.Context, uuid string, rec committer.Record) *types.RunState {
	run := &types.RunState{
		Bundle:                rec.Bundle,
		BundlePath:            rec.BundlePath,
		Resources:             rec.Resources,
		Stage:                 rec.Stage,
		Status:                rec.Status,
		BundleStartTime:       rec.BundleStartTime,
		ContainerStartTime:    rec.ContainerStartTime,
		ContainerTimeTotal:    rec.ContainerTimeTotal,
		ContainerTimeUser:     rec.ContainerTimeUser,
		ContainerTimeSystem:   rec.ContainerTimeSystem,
		ContainerID:           rec.ContainerID,
		DockerImage:           rec.DockerImage,
		CPUSet:                rec.CPUSet,
		GPUSet:                rec.GPUSet,
		MaxMemory:             rec.MaxMemory,
		DiskUtilization:       rec.DiskUtilization,
		ExitCode:              rec.ExitCode,
		FailureMessage:        rec.FailureMessage,
		KillMessage:           rec.KillMessage,
		IsKilled:              rec.IsKilled,
		Finished:              rec.Finished,
		Finalized:             rec.Finalized,
		BundleDirWaitNumTries: rec.BundleDirWaitNumTries,
	}

	if run.ContainerID == nil {
		return run
	}
	insp, err := m.runtime.Inspect(ctx, *run.ContainerID)
	if err != nil || insp.NotFound {
		log.WithBundle(uuid).Info().Str("container_id", *run.ContainerID).Msg("container gone on restore, clearing handle")
		run.ContainerID = nil
	}
	return run
}

// Stop sequences shutdown: mark stopping, drain every live run via
// kill_all, stop the image/dependency managers, commit a final snapshot,
// and tear down the three container networks. Logged, non-fatal on
// partial failure — the process exits either way.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	m.KillAll(ctx)

	if err := m.images.Stop(); err != nil {
		log.WithComponent("runmanager").Warn().Err(err).Msg("image manager stop failed")
	}
	if !m.sharedFilesystem {
		if err := m.deps.Stop(); err != nil {
			log.WithComponent("runmanager").Warn().Err(err).Msg("dependency manager stop failed")
		}
	}

	if err := m.commit.Commit(m.snapshot()); err != nil {
		log.WithComponent("runmanager").Error().Err(err).Msg("final snapshot commit failed")
	}

	if err := m.networks.TeardownNetworks(); err != nil {
		log.WithComponent("runmanager").Warn().Err(err).Msg("network teardown failed")
	}
	return nil
}

// KillAll raises is_killed on every registered run, then polls the
// registry once a second, sweeping FINISHED entries, until it drains or
// killTimeout elapses. Runs still alive at the deadline are abandoned to
// whatever gets committed to the snapshot afterward.
func (m *Manager) KillAll(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.KillAllDuration)

	m.mu.Lock()
	for uuid, run := range m.runs {
		next := run.Clone()
		next.IsKilled = true
		next.KillMessage = strPtr("Kill requested")
		m.runs[uuid] = next
	}
	m.mu.Unlock()

	deadline := time.Now().Add(m.killTimeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		empty := len(m.runs) == 0
		m.mu.Unlock()
		if empty {
			return
		}

		m.ProcessRuns(ctx)

		m.mu.Lock()
		empty = len(m.runs) == 0
		m.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(time.Second)
	}
}

// snapshot projects every registered run into a committer.Record.
// Must be called without m.mu held; it takes the lock itself.
func (m *Manager) snapshot() committer.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(committer.Snapshot, len(m.runs))
	for uuid, run := range m.runs {
		snapshot[uuid] = committer.Record{
			Bundle:                run.Bundle,
			BundlePath:            run.BundlePath,
			Resources:             run.Resources,
			Stage:                 run.Stage,
			Status:                run.Status,
			BundleStartTime:       run.BundleStartTime,
			ContainerStartTime:    run.ContainerStartTime,
			ContainerTimeTotal:    run.ContainerTimeTotal,
			ContainerTimeUser:     run.ContainerTimeUser,
			ContainerTimeSystem:   run.ContainerTimeSystem,
			ContainerID:           run.ContainerID,
			DockerImage:           run.DockerImage,
			CPUSet:                run.CPUSet,
			GPUSet:                run.GPUSet,
			MaxMemory:             run.MaxMemory,
			DiskUtilization:       run.DiskUtilization,
			ExitCode:              run.ExitCode,
			FailureMessage:        run.FailureMessage,
			KillMessage:           run.KillMessage,
			IsKilled:              run.IsKilled,
			Finished:              run.Finished,
			Finalized:             run.Finalized,
			BundleDirWaitNumTries: run.BundleDirWaitNumTries,
		}
	}
	return snapshot
}

// Commit persists the current registry snapshot without stopping
// anything. The outer worker loop may call this periodically in addition
// to the final commit Stop performs.
func (m *Manager) Commit() error {
	return m.commit.Commit(m.snapshot())
}
