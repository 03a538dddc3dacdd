package depcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gammazero/workerpool"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/noded/pkg/log"
	"github.com/cuemby/noded/pkg/types"
)

// bucketDependencies stores one JSON-encoded record per cache entry,
// keyed by handle; the reference count lives inline on the record rather
// than in a separate bucket, since the two are always read and written
// together.
var bucketDependencies = []byte("dependencies")

// Fetcher copies one dependency's contents from its parent bundle's
// output into destPath on local disk.
type Fetcher interface {
	Fetch(ctx context.Context, parentUUID, parentPath, destPath string) error
}

// record is the durable, bolt-persisted shape of one cache entry.
type record struct {
	ParentUUID string
	ParentPath string
	LocalPath  string
	RefCount   int
}

// Cache is a concrete types.DependencyManager: a bbolt-backed, reference
// counted local copy cache. Each distinct (parentUUID, parentPath) pair
// maps to exactly one on-disk copy no matter how many runs depend on it
// concurrently; the copy is removed once its reference count drops to
// zero.
type Cache struct {
	db       *bolt.DB
	cacheDir string
	fetcher  Fetcher
	pool     *workerpool.WorkerPool

	mu     sync.Mutex
	status map[types.DependencyHandle]types.DependencyStatus
}

// New opens (or creates) the bolt database at dbPath and returns a Cache
// that stores fetched dependency contents under cacheDir.
func New(fetcher Fetcher, dbPath, cacheDir string, concurrency int) (*Cache, error) {
	if err := os.MkdirAll(cacheDir, 0o770); err != nil {
		return nil, fmt.Errorf("failed to create dependency cache dir: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open dependency cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDependencies)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{
		db:       db,
		cacheDir: cacheDir,
		fetcher:  fetcher,
		pool:     workerpool.New(concurrency),
		status:   make(map[types.DependencyHandle]types.DependencyStatus),
	}, nil
}

func handleFor(parentUUID, parentPath string) types.DependencyHandle {
	return types.DependencyHandle(parentUUID + ":" + parentPath)
}

// Start loads previously-persisted cache entries back into memory as
// Ready, so runs resumed after a restart don't re-fetch dependencies
// whose local copy already exists on disk.
func (c *Cache) Start() error {
	return c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDependencies)
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if _, err := os.Stat(rec.LocalPath); err != nil {
				return nil
			}
			c.status[types.DependencyHandle(k)] = types.DependencyStatus{
				State:     types.Ready,
				LocalPath: rec.LocalPath,
			}
			return nil
		})
	})
}

// Stop waits for in-flight fetches to finish and closes the database.
func (c *Cache) Stop() error {
	c.pool.StopWait()
	return c.db.Close()
}

// Request increments the reference count for (parentUUID, parentPath),
// fetching its contents in the background the first time it is seen.
func (c *Cache) Request(parentUUID, parentPath string) (types.DependencyHandle, error) {
	handle := handleFor(parentUUID, parentPath)
	localPath := filepath.Join(c.cacheDir, string(handle))

	c.mu.Lock()
	_, known := c.status[handle]
	if !known {
		c.status[handle] = types.DependencyStatus{State: types.Pending}
	}
	c.mu.Unlock()

	if err := c.bumpRefCount(handle, parentUUID, parentPath, localPath, 1); err != nil {
		return "", err
	}

	if !known {
		c.pool.Submit(func() { c.fetch(handle, parentUUID, parentPath, localPath) })
	}

	return handle, nil
}

func (c *Cache) fetch(handle types.DependencyHandle, parentUUID, parentPath, localPath string) {
	err := c.fetcher.Fetch(context.Background(), parentUUID, parentPath, localPath)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		log.WithComponent("depcache").Warn().Err(err).Str("parent", parentUUID).Str("path", parentPath).Msg("fetch failed")
		c.status[handle] = types.DependencyStatus{State: types.Failed, Message: err.Error()}
		return
	}
	c.status[handle] = types.DependencyStatus{State: types.Ready, LocalPath: localPath}
}

// Status reports the current readiness of a previously-requested handle.
func (c *Cache) Status(handle types.DependencyHandle) types.DependencyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[handle]
}

// Release decrements the reference count for handle, removing the local
// copy and its persisted record once the count reaches zero.
func (c *Cache) Release(handle types.DependencyHandle) {
	count, localPath, err := c.adjustRefCount(handle, -1)
	if err != nil {
		log.WithComponent("depcache").Warn().Err(err).Msg("failed to adjust reference count")
		return
	}
	if count > 0 {
		return
	}

	c.mu.Lock()
	delete(c.status, handle)
	c.mu.Unlock()

	if localPath != "" {
		_ = os.RemoveAll(localPath)
	}
}

// AllDependencies reports every cache entry currently tracked, for the
// RunManager's all_dependencies query.
func (c *Cache) AllDependencies() []types.DependencyInfo {
	var infos []types.DependencyInfo
	_ = c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDependencies).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			infos = append(infos, types.DependencyInfo{
				ParentUUID: rec.ParentUUID,
				ParentPath: rec.ParentPath,
				LocalPath:  rec.LocalPath,
				RefCount:   rec.RefCount,
			})
			return nil
		})
	})
	return infos
}

func (c *Cache) bumpRefCount(handle types.DependencyHandle, parentUUID, parentPath, localPath string, delta int) error {
	_, _, err := c.adjustRefCountWithDefaults(handle, parentUUID, parentPath, localPath, delta)
	return err
}

func (c *Cache) adjustRefCount(handle types.DependencyHandle, delta int) (int, string, error) {
	return c.adjustRefCountWithDefaults(handle, "", "", "", delta)
}

func (c *Cache) adjustRefCountWithDefaults(handle types.DependencyHandle, parentUUID, parentPath, localPath string, delta int) (int, string, error) {
	var count int
	var gotLocalPath string

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDependencies)
		var rec record
		if data := b.Get([]byte(handle)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		} else {
			rec = record{ParentUUID: parentUUID, ParentPath: parentPath, LocalPath: localPath}
		}

		rec.RefCount += delta
		count = rec.RefCount
		gotLocalPath = rec.LocalPath

		if rec.RefCount <= 0 {
			return b.Delete([]byte(handle))
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(handle), data)
	})

	return count, gotLocalPath, err
}
