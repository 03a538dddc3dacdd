package imagecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/noded/pkg/types"
	"github.com/stretchr/testify/assert"
)

type fakePuller struct {
	mu      sync.Mutex
	calls   int
	failFor map[string]bool
}

func (f *fakePuller) PullImage(ctx context.Context, imageRef string) error {
	f.mu.Lock()
	f.calls++
	fail := f.failFor[imageRef]
	f.mu.Unlock()
	if fail {
		return errors.New("no such image")
	}
	return nil
}

func waitForState(t *testing.T, c *Cache, ref string, state types.ReadinessState) types.ImageStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := c.Status(ref)
		if st.State == state {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach state %v", ref, state)
	return types.ImageStatus{}
}

func TestRequestEventuallyReady(t *testing.T) {
	puller := &fakePuller{}
	c := New(puller, 2)
	defer c.Stop()

	assert.Equal(t, types.Pending, c.Status("alpine").State)

	c.Request("alpine")
	waitForState(t, c, "alpine", types.Ready)
}

func TestRequestFailurePropagates(t *testing.T) {
	puller := &fakePuller{failFor: map[string]bool{"broken": true}}
	c := New(puller, 2)
	defer c.Stop()

	c.Request("broken")
	st := waitForState(t, c, "broken", types.Failed)
	assert.NotEmpty(t, st.Message)
}

func TestRequestDoesNotDuplicatePulls(t *testing.T) {
	puller := &fakePuller{}
	c := New(puller, 1)
	defer c.Stop()

	c.Request("alpine")
	c.Request("alpine")
	c.Request("alpine")

	waitForState(t, c, "alpine", types.Ready)

	puller.mu.Lock()
	calls := puller.calls
	puller.mu.Unlock()
	assert.Equal(t, 1, calls)
}
