package committer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/noded/pkg/types"
)

// Record is the serialisable projection of a RunState: everything except
// the live Container handle, which cannot survive a process restart and
// must be re-resolved by the caller after Load.
type Record struct {
	Bundle     types.Bundle
	BundlePath string
	Resources  types.RunResources

	Stage  types.Stage
	Status string

	BundleStartTime     time.Time
	ContainerStartTime  *time.Time
	ContainerTimeTotal  time.Duration
	ContainerTimeUser   time.Duration
	ContainerTimeSystem time.Duration

	ContainerID *string
	DockerImage *string

	CPUSet types.StringSet
	GPUSet types.StringSet

	MaxMemory       int64
	DiskUtilization int64

	ExitCode       *int
	FailureMessage *string
	KillMessage    *string
	IsKilled       bool
	Finished       bool
	Finalized      bool

	BundleDirWaitNumTries int
}

// Snapshot is the entire on-disk commit file: bundle UUID to projected
// run record. Only the RunManager interprets its contents; this package
// treats it as an opaque blob to persist.
type Snapshot map[string]Record

// Committer durably persists and restores a Snapshot via a single file,
// atomically replaced on every commit.
type Committer struct {
	path string
}

// New creates a Committer backed by the given file path.
func New(path string) *Committer {
	return &Committer{path: path}
}

// Commit writes snapshot to a sibling temporary file and renames it over
// the target path, so a crash mid-write never leaves a half-written
// snapshot for Load to observe.
func (c *Committer) Commit(snapshot Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, c.path)
}

// Load returns the last successfully committed snapshot, or an empty
// snapshot if nothing has ever been committed.
func (c *Committer) Load() (Snapshot, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	return snapshot, nil
}
