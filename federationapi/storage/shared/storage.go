// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shared defines the federation sender's storage contract: the
// durable outbound queues, per-destination retry state and the durable
// tier of the server-key cache.
package shared

import (
	"context"
	"time"

	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/types"
)

// QueuedEDU is one ephemeral payload awaiting delivery.
type QueuedEDU struct {
	NID     int64
	EDUType string
	JSON    []byte
}

// RetryState is a destination's backoff bookkeeping (spec.md 4.10).
type RetryState struct {
	Destination  eventcore.ServerName
	RetryAt      time.Time
	FailureCount int
	Blacklisted  bool
}

// Database is the federation sender's durable state. Queue contents
// survive restarts so no destination misses events across a crash.
type Database interface {
	// AssociatePDUWithDestinations queues one event sn for delivery.
	AssociatePDUWithDestinations(ctx context.Context, destinations []eventcore.ServerName, eventSN types.EventSN) error
	// GetPendingPDUs returns up to limit queued event sns for destination.
	GetPendingPDUs(ctx context.Context, destination eventcore.ServerName, limit int) ([]types.EventSN, error)
	// CleanPDUs removes delivered sns from a destination's queue.
	CleanPDUs(ctx context.Context, destination eventcore.ServerName, eventSNs []types.EventSN) error

	// AssociateEDUWithDestinations queues an EDU payload, returning its nid.
	AssociateEDUWithDestinations(ctx context.Context, destinations []eventcore.ServerName, eduType string, eduJSON []byte) (int64, error)
	// GetPendingEDUs returns up to limit queued EDUs for destination.
	GetPendingEDUs(ctx context.Context, destination eventcore.ServerName, limit int) ([]*QueuedEDU, error)
	// CleanEDUs removes delivered EDUs from a destination's queue.
	CleanEDUs(ctx context.Context, destination eventcore.ServerName, nids []int64) error

	// GetPendingDestinations lists every destination with queued work.
	GetPendingDestinations(ctx context.Context) ([]eventcore.ServerName, error)

	// RetryState round-trips a destination's backoff record.
	GetRetryState(ctx context.Context, destination eventcore.ServerName) (*RetryState, error)
	SetRetryState(ctx context.Context, state *RetryState) error

	// Server key durable cache (keyring.KeyStore).
	SelectServerKey(ctx context.Context, server eventcore.ServerName, keyID eventcore.KeyID) (*caching.ServerKeyEntry, error)
	UpsertServerKey(ctx context.Context, server eventcore.ServerName, keyID eventcore.KeyID, entry caching.ServerKeyEntry) error
}
