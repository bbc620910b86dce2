package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meftunca/lifeguard/pkg/config"
	"github.com/meftunca/lifeguard/pkg/types"
)

func TestMemoryStorePutContains(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	node := types.NewNode("10.0.0.1", 7946)

	ok, err := store.Contains(node)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(node))
	ok, err = store.Contains(node)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreKeysOnUID(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	node := types.NewNode("10.0.0.1", 7946)
	require.NoError(t, store.Put(node))

	// A restarted process on the same address has a fresh UID and is not
	// tombstoned.
	restarted := types.NewNode("10.0.0.1", 7946)
	ok, err := store.Contains(restarted)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	store := NewMemoryStore(time.Hour, func() time.Time { return now })
	node := types.NewNode("10.0.0.1", 7946)
	require.NoError(t, store.Put(node))

	now = now.Add(30 * time.Minute)
	ok, err := store.Contains(node)
	require.NoError(t, err)
	assert.True(t, ok, "tombstone must survive the full grace period")

	now = now.Add(31 * time.Minute)
	ok, err = store.Contains(node)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreRemove(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	node := types.NewNode("10.0.0.1", 7946)
	require.NoError(t, store.Put(node))
	require.NoError(t, store.Remove(node))

	ok, err := store.Contains(node)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewTombstoneStoreFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	store, err := NewTombstoneStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	_, isMemory := store.(*MemoryStore)
	assert.True(t, isMemory)
}

func TestNewTombstoneStoreRejectsUnknownType(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "dynamo"
	_, err := NewTombstoneStore(cfg)
	require.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "redis"
	cfg.Storage.ConnectionTimeout = time.Second

	store, err := NewRedisStore(cfg)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer store.Close()

	node := types.NewNode("10.0.0.1", 7946)
	require.NoError(t, store.Put(node))

	ok, err := store.Contains(node)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Remove(node))
	ok, err = store.Contains(node)
	require.NoError(t, err)
	assert.False(t, ok)
}
