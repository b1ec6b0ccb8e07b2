// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package tables defines the per-table contracts both SQL backends
// implement. Every method takes an optional transaction so the shared layer
// can group writes atomically (persist + sequence allocation + frame
// stamping happen in one transaction).
package tables

import (
	"context"
	"database/sql"

	"github.com/palpo-server/palpo/roomserver/types"
)

// EventRow is the relational half of a stored event; the JSON body lives in
// the EventJSON table keyed by the same sn.
type EventRow struct {
	EventSN         types.EventSN
	EventID         string
	RoomID          string
	EventType       string
	StateKey        sql.NullString
	Depth           int64
	Sender          string
	OriginServerTS  int64
	FrameID         types.FrameID
	Outlier         bool
	SoftFailed      bool
	Redacted        bool
	RejectionReason string
}

// Events is the append-only event index (spec.md 4.3). InsertEvent is
// idempotent on event_id: a second insert returns the original sn with
// inserted=false.
type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, row *EventRow) (sn types.EventSN, inserted bool, err error)
	SelectEventByID(ctx context.Context, txn *sql.Tx, eventID string) (*EventRow, error)
	SelectEventBySN(ctx context.Context, txn *sql.Tx, sn types.EventSN) (*EventRow, error)
	SelectEventsByIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]*EventRow, error)
	SelectEventsBySNs(ctx context.Context, txn *sql.Tx, sns []types.EventSN) ([]*EventRow, error)
	// SelectTimelineEvents scans one room's timeline by sn. Backwards scans
	// pass descending=true; outliers and soft-failed events are excluded
	// unless includeSoftFailed is set.
	SelectTimelineEvents(ctx context.Context, txn *sql.Tx, roomID string, fromSN, toSN types.EventSN, limit int, descending, includeSoftFailed bool) ([]*EventRow, error)
	UpdateEventFrame(ctx context.Context, txn *sql.Tx, sn types.EventSN, frameID types.FrameID) error
	UpdateEventSoftFailed(ctx context.Context, txn *sql.Tx, sn types.EventSN, softFailed bool) error
	UpdateEventRedacted(ctx context.Context, txn *sql.Tx, eventID string, redacted bool) error
	UpdateEventRejected(ctx context.Context, txn *sql.Tx, eventID string, reason string) error
	UpdateEventNotOutlier(ctx context.Context, txn *sql.Tx, eventID string) error
	// SelectMaxSN returns the highest assigned sequence number.
	SelectMaxSN(ctx context.Context, txn *sql.Tx) (types.EventSN, error)
}

// EventJSON stores each event's canonical JSON keyed by sn.
type EventJSON interface {
	InsertEventJSON(ctx context.Context, txn *sql.Tx, sn types.EventSN, eventJSON []byte) error
	SelectEventJSON(ctx context.Context, txn *sql.Tx, sn types.EventSN) ([]byte, error)
	SelectEventJSONs(ctx context.Context, txn *sql.Tx, sns []types.EventSN) (map[types.EventSN][]byte, error)
}

// Rooms is the per-room header (spec.md 3, "Room").
type Rooms interface {
	InsertRoom(ctx context.Context, txn *sql.Tx, info *types.RoomInfo) error
	SelectRoom(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error)
	UpdateRoomLatest(ctx context.Context, txn *sql.Tx, roomID string, latestEventIDs []string, frameID types.FrameID, depth int64) error
	UpdateRoomDisabled(ctx context.Context, txn *sql.Tx, roomID string, disabled bool) error
	SelectRoomIDs(ctx context.Context, txn *sql.Tx) ([]string, error)
}

// StateFields interns (event_type, state_key) pairs to numeric field nids.
type StateFields interface {
	InsertFieldNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.FieldNID, error)
	SelectFieldNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.FieldNID, error)
	SelectFieldTuples(ctx context.Context, txn *sql.Tx, nids []types.FieldNID) (map[types.FieldNID][2]string, error)
}

// StateFrames stores the compressed state delta graph (spec.md 4.5).
type StateFrames interface {
	InsertStateFrame(ctx context.Context, txn *sql.Tx, frame *types.StateFrame) (types.FrameID, error)
	SelectStateFrame(ctx context.Context, txn *sql.Tx, frameID types.FrameID) (*types.StateFrame, error)
}

// AuthChains is the durable tier of the bucketed auth-chain cache
// (spec.md 4.4).
type AuthChains interface {
	InsertAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string, chain []types.EventSN) error
	SelectAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string) ([]types.EventSN, bool, error)
}

// Memberships is the (room, user) edge index derived from m.room.member
// events.
type Memberships interface {
	UpsertMembership(ctx context.Context, txn *sql.Tx, edge *types.MembershipEdge) error
	SelectMembership(ctx context.Context, txn *sql.Tx, roomID, userID string) (*types.MembershipEdge, error)
	SelectMembershipsInRoom(ctx context.Context, txn *sql.Tx, roomID string, memberships []string) ([]*types.MembershipEdge, error)
	SelectRoomsForUser(ctx context.Context, txn *sql.Tx, userID string, memberships []string) ([]string, error)
	// SelectServersInRoom lists the distinct server names (this server's
	// included) with at least one joined user, for outbound fan-out and
	// backfill server selection.
	SelectServersInRoom(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
}
