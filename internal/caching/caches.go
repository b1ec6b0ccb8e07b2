// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching holds the process-wide in-memory caches: server signing
// keys, auth chains, state frames and outbound federation queue entries,
// all backed by a single cost-bounded ristretto cache, plus the typing
// EDUCache which needs expiry semantics ristretto does not provide.
package caching

import (
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/types"
)

// Caches contains every cache partition palpo uses. A Caches is built once
// at startup with NewRistrettoCache; tests construct their own instance so
// nothing is shared between tests.
type Caches struct {
	ServerKeys     CachePartition[string, ServerKeyEntry]
	RoomVersions   CachePartition[string, eventcore.RoomVersion]
	AuthChains     CachePartition[string, []int64]
	StateFrames    CachePartition[int64, *types.StateFrame]
	FederationPDUs CachePartition[int64, *eventcore.PDU]
	FederationEDUs CachePartition[int64, []byte]
	LazyLoading    CachePartition[string, string]
}

// CachePartition is one keyspace of the shared cache.
type CachePartition[K comparable, V any] interface {
	Get(key K) (value V, ok bool)
	Set(key K, value V)
	Unset(key K)
}

// ServerKeyEntry is one cached remote signing key with its validity window
// (spec.md 4.2: a key whose valid_until_ts covers an event's
// origin_server_ts stays usable for that event after expiry).
type ServerKeyEntry struct {
	Key          []byte
	ValidUntilTS int64
	ExpiredTS    int64
}

// Valid reports whether the key may verify an event originating at
// atTS (unix-ms). Zero atTS means "now-ish": only unexpired keys pass.
func (e ServerKeyEntry) Valid(atTS int64) bool {
	if e.ExpiredTS != 0 {
		return atTS != 0 && atTS <= e.ValidUntilTS
	}
	return atTS == 0 || atTS <= e.ValidUntilTS
}

const (
	// DisableMetrics and EnableMetrics select prometheus registration for
	// cache hit ratios.
	DisableMetrics = false
	EnableMetrics  = true
)
