package storage

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"tessera-api/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, ownerID string) ([]domain.Task, error)
	FetchEdges(ctx context.Context, ownerID string) ([]domain.DependencyEdge, error)
	InsertTask(ctx context.Context, ownerID string, t domain.Task) error
	UpdateTask(ctx context.Context, ownerID, id string, expected int64, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	InsertEdge(ctx context.Context, ownerID string, e domain.DependencyEdge) error
	RemoveEdge(ctx context.Context, ownerID, edgeID string) (domain.DependencyEdge, error)
}

// Cache wraps a Storage instance with Redis-backed caching for the list
// reads served on the refetch path. Accepted mutations evict the owner's
// cached lists so a conflict-driven refetch always observes the new version.
//
// A per-owner generation stamp keeps a slow read-through from resurrecting a
// snapshot taken before a mutation: every eviction bumps the stamp, and a
// fill whose stamp no longer matches is discarded instead of stored. Without
// it a list read in flight across an edge insert would repopulate the cache
// with the pre-insert graph and later cycle checks could accept an edge that
// closes a cycle.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
	gens  sync.Map // ownerID -> *uint64
}

// NewCache creates a caching Storage wrapper using the provided Redis client
// and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) generation(ownerID string) *uint64 {
	g, _ := c.gens.LoadOrStore(ownerID, new(uint64))
	return g.(*uint64)
}

func (c *Cache) FetchTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	if tasks, ok := loadCached[[]domain.Task](ctx, c.redis, tasksCacheKey(ownerID)); ok {
		return tasks, nil
	}

	gen := atomic.LoadUint64(c.generation(ownerID))
	tasks, err := c.base.FetchTasks(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, ownerID, gen, tasksCacheKey(ownerID), tasks)
	return tasks, nil
}

func (c *Cache) FetchEdges(ctx context.Context, ownerID string) ([]domain.DependencyEdge, error) {
	if edges, ok := loadCached[[]domain.DependencyEdge](ctx, c.redis, edgesCacheKey(ownerID)); ok {
		return edges, nil
	}

	gen := atomic.LoadUint64(c.generation(ownerID))
	edges, err := c.base.FetchEdges(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, ownerID, gen, edgesCacheKey(ownerID), edges)
	return edges, nil
}

func (c *Cache) InsertTask(ctx context.Context, ownerID string, t domain.Task) error {
	if err := c.base.InsertTask(ctx, ownerID, t); err != nil {
		return err
	}
	c.evict(ctx, ownerID)
	return nil
}

func (c *Cache) UpdateTask(ctx context.Context, ownerID, id string, expected int64, patch domain.TaskPatch) (domain.Task, error) {
	task, err := c.base.UpdateTask(ctx, ownerID, id, expected, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, ownerID)
	return task, nil
}

func (c *Cache) DeleteTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	task, err := c.base.DeleteTask(ctx, ownerID, id)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, ownerID)
	return task, nil
}

func (c *Cache) InsertEdge(ctx context.Context, ownerID string, e domain.DependencyEdge) error {
	if err := c.base.InsertEdge(ctx, ownerID, e); err != nil {
		return err
	}
	c.evict(ctx, ownerID)
	return nil
}

func (c *Cache) RemoveEdge(ctx context.Context, ownerID, edgeID string) (domain.DependencyEdge, error) {
	edge, err := c.base.RemoveEdge(ctx, ownerID, edgeID)
	if err != nil {
		return domain.DependencyEdge{}, err
	}
	c.evict(ctx, ownerID)
	return edge, nil
}

// loadCached returns the cached value when present and well formed. On redis
// errors it falls back to the backing storage without failing the read.
func loadCached[T any](ctx context.Context, client *redis.Client, key string) (T, bool) {
	var zero T
	if client == nil {
		return zero, false
	}
	data, err := client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = client.Del(ctx, key).Err()
		}
		return zero, false
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		_ = client.Del(ctx, key).Err()
		return zero, false
	}
	return out, true
}

// store fills the cache only if no eviction happened since the caller
// snapshotted gen. The re-check after SET covers an eviction landing between
// the check and the write: whichever order the two hit Redis in, the stale
// entry is deleted.
func (c *Cache) store(ctx context.Context, ownerID string, gen uint64, key string, value any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	g := c.generation(ownerID)
	if atomic.LoadUint64(g) != gen {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
	if atomic.LoadUint64(g) != gen {
		_ = c.redis.Del(ctx, key).Err()
	}
}

func (c *Cache) evict(ctx context.Context, ownerID string) {
	atomic.AddUint64(c.generation(ownerID), 1)
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(ownerID), edgesCacheKey(ownerID)).Result()
}

func tasksCacheKey(ownerID string) string {
	return "tasks:" + ownerID
}

func edgesCacheKey(ownerID string) string {
	return "edges:" + ownerID
}
