package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meftunca/lifeguard/pkg/config"
	"github.com/meftunca/lifeguard/pkg/types"
)

// TombstoneStore remembers dead node identities for the tombstone grace
// period. The detector consults it before admitting a node so a dead
// identity cannot slip back in through gossip or a monitor request.
//
// Tombstones key on the node UID: a restarted process carries a fresh UID
// and is admissible even while its predecessor's tombstone is live.
type TombstoneStore interface {
	// Put records the node as dead.
	Put(node types.Node) error

	// Contains reports whether the node identity is tombstoned.
	Contains(node types.Node) (bool, error)

	// Remove drops the tombstone.
	Remove(node types.Node) error

	// Close releases store resources.
	Close() error
}

// NewTombstoneStore builds the store selected by the configuration.
func NewTombstoneStore(cfg *config.Config) (TombstoneStore, error) {
	switch cfg.Storage.Type {
	case "redis":
		return NewRedisStore(cfg)
	case "memory":
		return NewMemoryStore(cfg.Swim.TombstoneTTL, nil), nil
	default:
		return nil, types.NewLifeguardError(types.ErrCodeInvalidConfig, "unsupported storage type").
			WithDetail("type", cfg.Storage.Type)
	}
}

// nowFunc lets tests pin the memory store's clock.
type nowFunc func() time.Time

// MemoryStore is the in-process tombstone store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
	now     nowFunc
}

// NewMemoryStore creates a memory store expiring entries after ttl. A nil
// now falls back to the wall clock.
func NewMemoryStore(ttl time.Duration, now nowFunc) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     now,
	}
}

func (m *MemoryStore) Put(node types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tombstoneKey(node)] = m.now().Add(m.ttl)
	return nil
}

func (m *MemoryStore) Contains(node types.Node) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tombstoneKey(node)
	expiry, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if m.now().After(expiry) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) Remove(node types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, tombstoneKey(node))
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored tombstones. Expired entries are counted
// until a Contains lookup drops them.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RedisStore persists tombstones in Redis with a server-side TTL, so the
// grace period survives detector restarts.
type RedisStore struct {
	client       redis.UniversalClient
	ttl          time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewRedisStore connects to the configured Redis and verifies the
// connection.
func NewRedisStore(cfg *config.Config) (*RedisStore, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Storage.RedisConfig.Addresses,
		Password:     cfg.Storage.RedisConfig.Password,
		DB:           cfg.Storage.RedisConfig.DB,
		DialTimeout:  cfg.Storage.ConnectionTimeout,
		ReadTimeout:  cfg.Storage.ReadTimeout,
		WriteTimeout: cfg.Storage.WriteTimeout,
		PoolSize:     cfg.Storage.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.ConnectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, types.ErrStorageError("connect to redis", err)
	}

	return &RedisStore{
		client:       client,
		ttl:          cfg.Swim.TombstoneTTL,
		readTimeout:  cfg.Storage.ReadTimeout,
		writeTimeout: cfg.Storage.WriteTimeout,
	}, nil
}

func (r *RedisStore) Put(node types.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.client.Set(ctx, tombstoneKey(node), "1", r.ttl).Err(); err != nil {
		return types.ErrStorageError("put tombstone", err)
	}
	return nil
}

func (r *RedisStore) Contains(node types.Node) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.readTimeout)
	defer cancel()

	n, err := r.client.Exists(ctx, tombstoneKey(node)).Result()
	if err != nil {
		return false, types.ErrStorageError("check tombstone", err)
	}
	return n > 0, nil
}

func (r *RedisStore) Remove(node types.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.client.Del(ctx, tombstoneKey(node)).Err(); err != nil {
		return types.ErrStorageError("remove tombstone", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func tombstoneKey(node types.Node) string {
	return fmt.Sprintf("lifeguard:tombstone:%s", node.UID)
}
