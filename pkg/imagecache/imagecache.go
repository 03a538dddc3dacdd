package imagecache

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"

	"github.com/cuemby/noded/pkg/log"
	"github.com/cuemby/noded/pkg/metrics"
	"github.com/cuemby/noded/pkg/types"
)

// Puller is the subset of ContainerRuntime the image cache needs.
type Puller interface {
	PullImage(ctx context.Context, imageRef string) error
}

// Cache is a concrete types.ImageManager backed by a bounded worker pool:
// Request enqueues a pull and returns immediately; Status reports whatever
// the most recent pull attempt for that reference produced.
type Cache struct {
	puller Puller
	pool   *workerpool.WorkerPool

	mu       sync.Mutex
	status   map[string]types.ImageStatus
	inFlight map[string]bool
}

// New creates a Cache that runs up to concurrency pulls at once.
func New(puller Puller, concurrency int) *Cache {
	return &Cache{
		puller:   puller,
		pool:     workerpool.New(concurrency),
		status:   make(map[string]types.ImageStatus),
		inFlight: make(map[string]bool),
	}
}

// Start is a no-op; the worker pool is created ready to accept work.
func (c *Cache) Start() error {
	return nil
}

// Stop waits for outstanding pulls to finish and stops accepting new ones.
func (c *Cache) Stop() error {
	c.pool.StopWait()
	return nil
}

// Request enqueues a pull for imageRef if one is not already pending or
// complete. Safe to call repeatedly; later calls after a failure retry
// the pull.
func (c *Cache) Request(imageRef string) {
	c.mu.Lock()
	if c.inFlight[imageRef] {
		c.mu.Unlock()
		return
	}
	if st, ok := c.status[imageRef]; ok && st.State == types.Ready {
		c.mu.Unlock()
		return
	}
	c.inFlight[imageRef] = true
	c.mu.Unlock()

	c.pool.Submit(func() {
		timer := metrics.NewTimer()
		err := c.puller.PullImage(context.Background(), imageRef)
		timer.ObserveDuration(metrics.ContainerPullDuration)

		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.inFlight, imageRef)
		if err != nil {
			log.WithComponent("imagecache").Warn().Err(err).Str("image", imageRef).Msg("pull failed")
			c.status[imageRef] = types.ImageStatus{State: types.Failed, Message: err.Error()}
			return
		}
		c.status[imageRef] = types.ImageStatus{State: types.Ready, Digest: imageRef}
	})
}

// Status reports the current readiness of imageRef. An image that has
// never been requested is Pending.
func (c *Cache) Status(imageRef string) types.ImageStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.status[imageRef]; ok {
		return st
	}
	return types.ImageStatus{State: types.Pending}
}
