// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/types"
	"github.com/palpo-server/palpo/setup/config"
)

// Every partition shares one ristretto cache; a one-byte prefix keeps the
// keyspaces apart while letting the cost ceiling apply globally.
const (
	serverKeysCache byte = iota + 1
	roomVersionsCache
	authChainsCache
	stateFramesCache
	federationPDUsCache
	federationEDUsCache
	lazyLoadingCache
)

// NewRistrettoCache creates the shared cache with the given total cost
// bound and per-entry maximum age.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, enableMetrics bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxCost) / 10,
		BufferItems: 64,
		MaxCost:     int64(maxCost),
		Metrics:     enableMetrics,
	})
	if err != nil {
		// The configuration is static; a failure here is a programming error.
		panic(err)
	}
	if enableMetrics {
		promauto := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "palpo",
			Subsystem: "caching_ristretto",
			Name:      "ratio",
		}, func() float64 {
			return float64(cache.Metrics.Ratio())
		})
		_ = prometheus.Register(promauto)
	}
	return &Caches{
		ServerKeys: &ristrettoCachePartition[string, ServerKeyEntry]{
			cache: cache, prefix: serverKeysCache, maxAge: maxAge,
		},
		RoomVersions: &ristrettoCachePartition[string, eventcore.RoomVersion]{
			cache: cache, prefix: roomVersionsCache, maxAge: maxAge,
		},
		AuthChains: &ristrettoCachePartition[string, []int64]{
			cache: cache, prefix: authChainsCache, maxAge: maxAge,
		},
		StateFrames: &ristrettoCachePartition[int64, *types.StateFrame]{
			cache: cache, prefix: stateFramesCache, maxAge: maxAge,
		},
		FederationPDUs: &ristrettoCachePartition[int64, *eventcore.PDU]{
			cache: cache, prefix: federationPDUsCache, maxAge: maxAge, mutable: true,
		},
		FederationEDUs: &ristrettoCachePartition[int64, []byte]{
			cache: cache, prefix: federationEDUsCache, maxAge: maxAge, mutable: true,
		},
		LazyLoading: &ristrettoCachePartition[string, string]{
			cache: cache, prefix: lazyLoadingCache, maxAge: maxAge, mutable: true,
		},
	}
}

type costable interface {
	CacheCost() int
}

// cacheCost estimates an entry's weight against the shared cost ceiling.
func cacheCost(value any) int64 {
	switch v := value.(type) {
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	case []int64:
		return int64(len(v) * 8)
	case costable:
		return int64(v.CacheCost())
	case *eventcore.PDU:
		return int64(len(v.JSON()))
	case *types.StateFrame:
		return int64((len(v.Added) + len(v.Removed)) * 16)
	case ServerKeyEntry:
		return int64(len(v.Key) + 16)
	default:
		return 1
	}
}

type ristrettoCachePartition[K comparable, V any] struct {
	cache  *ristretto.Cache
	prefix byte
	maxAge time.Duration
	// mutable marks partitions whose keys are expected to be overwritten.
	// Set does not consult it: a Set on an existing key overwrites it in
	// either kind of partition.
	mutable bool
}

func (c *ristrettoCachePartition[K, V]) key(key K) string {
	return fmt.Sprintf("%c%v", c.prefix, key)
}

func (c *ristrettoCachePartition[K, V]) Set(key K, value V) {
	c.cache.SetWithTTL(c.key(key), value, cacheCost(value), c.maxAge)
}

func (c *ristrettoCachePartition[K, V]) Unset(key K) {
	c.cache.Del(c.key(key))
}

func (c *ristrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok {
		return value, false
	}
	value, ok = v.(V)
	return value, ok
}
