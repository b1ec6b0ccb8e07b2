package caching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-server/palpo/internal/eventcore"
)

func createDefaultTestCache(t *testing.T) *Caches {
	t.Helper()
	return NewRistrettoCache(1024*1024, time.Hour, DisableMetrics)
}

// Ristretto applies writes asynchronously.
func waitForCacheProcessing(t *testing.T) {
	t.Helper()
	time.Sleep(10 * time.Millisecond)
}

func TestServerKeyCacheValidityWindow(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	cache.StoreServerKey("b.test", "ed25519:1", ServerKeyEntry{
		Key:          []byte("pubkey"),
		ValidUntilTS: 2000,
	})
	waitForCacheProcessing(t)

	// Current lookups and historical lookups inside the window succeed.
	_, ok := cache.GetServerKey("b.test", "ed25519:1", 0)
	assert.True(t, ok)
	_, ok = cache.GetServerKey("b.test", "ed25519:1", 1500)
	assert.True(t, ok)

	// Beyond valid_until_ts the key cannot verify the event.
	_, ok = cache.GetServerKey("b.test", "ed25519:1", 2001)
	assert.False(t, ok)
}

func TestServerKeyCacheExpiredKeyStillVerifiesHistoricalEvents(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	cache.StoreServerKey("b.test", "ed25519:old", ServerKeyEntry{
		Key:          []byte("pubkey"),
		ValidUntilTS: 2000,
		ExpiredTS:    3000,
	})
	waitForCacheProcessing(t)

	// An expired key is unusable for "current" verification...
	_, ok := cache.GetServerKey("b.test", "ed25519:old", 0)
	assert.False(t, ok)

	// ...but still verifies events that predate valid_until_ts.
	_, ok = cache.GetServerKey("b.test", "ed25519:old", 1500)
	assert.True(t, ok)
}

func TestAuthChainCacheRoundTrip(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	key := []int64{3, 53, 103}
	cache.StoreAuthChain(key, []int64{1, 2})
	waitForCacheProcessing(t)

	chain, ok := cache.GetAuthChain(key)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, chain)

	_, ok = cache.GetAuthChain([]int64{3, 53})
	assert.False(t, ok)
}

func TestAuthChainCacheKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1,2,3", AuthChainCacheKey([]int64{1, 2, 3}))
	assert.Equal(t, "7", AuthChainCacheKey([]int64{7}))
	assert.Equal(t, "", AuthChainCacheKey(nil))
}

func TestFederationQueuedPDUStoreEvictRetrieve(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	raw := []byte(`{"room_id":"!r:a.test","sender":"@u:a.test","origin_server_ts":1,"type":"m.room.message","content":{"body":"test"},"prev_events":[],"auth_events":[],"depth":1}`)
	event, err := eventcore.NewPDUFromTrustedJSON(raw, eventcore.RoomVersionV10)
	require.NoError(t, err)

	cache.StoreFederationQueuedPDU(123, event)
	waitForCacheProcessing(t)

	retrieved, ok := cache.GetFederationQueuedPDU(123)
	require.True(t, ok)
	assert.Equal(t, event.EventID(), retrieved.EventID())

	cache.EvictFederationQueuedPDU(123)
	waitForCacheProcessing(t)
	_, ok = cache.GetFederationQueuedPDU(123)
	assert.False(t, ok)
}

func TestRoomVersionCache(t *testing.T) {
	t.Parallel()

	cache := createDefaultTestCache(t)
	cache.StoreRoomVersion("!room:a.test", eventcore.RoomVersionV10)
	waitForCacheProcessing(t)

	version, ok := cache.GetRoomVersion("!room:a.test")
	require.True(t, ok)
	assert.Equal(t, eventcore.RoomVersionV10, version)
}
