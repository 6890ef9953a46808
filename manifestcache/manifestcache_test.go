package manifestcache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0remac/streamgraph/manifest"
)

func testManifest() manifest.Manifest {
	return manifest.Manifest{
		Version: "v1",
		Nodes:   []manifest.NodeSpec{{ID: "n1", NodeType: "passthrough"}},
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(time.Minute)
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestPutThenGet(t *testing.T) {
	c := New(time.Minute)
	c.Put("k", testManifest())
	m, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "n1", m.Nodes[0].ID)
}

func TestGetAfterTTLReturnsNone(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Put("k", testManifest())
	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok, "get(k) after ttl+epsilon with no intervening put must return None")
}

func TestCleanupExpiredPrunesStaleEntries(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Put("k", testManifest())
	time.Sleep(30 * time.Millisecond)
	c.CleanupExpired()
	assert.Equal(t, 0, c.Len())
}

func TestResolverCachesAcrossCalls(t *testing.T) {
	calls := 0
	r := NewResolver(New(time.Minute), func(key string) (manifest.Manifest, error) {
		calls++
		return testManifest(), nil
	})
	_, err := r.Resolve("a")
	require.NoError(t, err)
	_, err = r.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second resolve within TTL must hit the cache, not fetch again")
}

func TestResolverSurfacesFetchError(t *testing.T) {
	sentinel := errors.New("network down")
	r := NewResolver(New(time.Minute), func(key string) (manifest.Manifest, error) {
		return manifest.Manifest{}, sentinel
	})
	_, err := r.Resolve("a")
	assert.ErrorIs(t, err, sentinel)
}

func TestResolverRejectsInvalidManifest(t *testing.T) {
	r := NewResolver(New(time.Minute), func(key string) (manifest.Manifest, error) {
		return manifest.Manifest{Version: "v2"}, nil
	})
	_, err := r.Resolve("a")
	assert.Error(t, err)
}
