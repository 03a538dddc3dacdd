package committer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/noded/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestLoadMissingFileReturnsEmptySnapshot(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "state.json"))

	snapshot, err := c.Load()
	assert.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestCommitThenLoadRoundTrips(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "state.json"))

	cid := "container-123"
	snapshot := Snapshot{
		"bundle-1": {
			Bundle:      types.Bundle{UUID: "bundle-1", Command: "echo hi", Image: "alpine"},
			BundlePath:  "/work/runs/bundle-1",
			Resources:   types.RunResources{CPUs: 2, Image: "alpine", Command: "echo hi"},
			Stage:       types.StageRunning,
			Status:      "running",
			ContainerID: &cid,
			CPUSet:      types.NewStringSet("0", "1"),
			MaxMemory:   1024,
		},
	}

	err := c.Commit(snapshot)
	assert.NoError(t, err)

	loaded, err := c.Load()
	assert.NoError(t, err)
	assert.Len(t, loaded, 1)

	rec := loaded["bundle-1"]
	assert.Equal(t, "bundle-1", rec.Bundle.UUID)
	assert.Equal(t, types.StageRunning, rec.Stage)
	assert.NotNil(t, rec.ContainerID)
	assert.Equal(t, "container-123", *rec.ContainerID)
	assert.ElementsMatch(t, []string{"0", "1"}, rec.CPUSet.Sorted())
}

func TestCommitOverwritesPreviousSnapshot(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "state.json"))

	assert.NoError(t, c.Commit(Snapshot{"a": {Bundle: types.Bundle{UUID: "a"}}}))
	assert.NoError(t, c.Commit(Snapshot{"b": {Bundle: types.Bundle{UUID: "b"}}}))

	loaded, err := c.Load()
	assert.NoError(t, err)
	assert.Len(t, loaded, 1)
	_, hasB := loaded["b"]
	assert.True(t, hasB)
}

func TestCommitPreservesTimingFields(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "state.json"))

	now := time.Now().UTC().Truncate(time.Second)
	snapshot := Snapshot{
		"bundle-1": {
			Bundle:             types.Bundle{UUID: "bundle-1"},
			BundleStartTime:    now,
			ContainerStartTime: &now,
			ContainerTimeTotal: 5 * time.Second,
		},
	}

	assert.NoError(t, c.Commit(snapshot))

	loaded, err := c.Load()
	assert.NoError(t, err)

	rec := loaded["bundle-1"]
	assert.True(t, rec.BundleStartTime.Equal(now))
	assert.NotNil(t, rec.ContainerStartTime)
	assert.True(t, rec.ContainerStartTime.Equal(now))
	assert.Equal(t, 5*time.Second, rec.ContainerTimeTotal)
}
