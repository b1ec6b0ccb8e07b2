// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shared implements the storage logic common to both SQL backends:
// transactional persist with sequence allocation, event materialization,
// membership derivation and the durable halves of the auth-chain and
// state-frame caches.
package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/internal/sqlutil"
	"github.com/palpo-server/palpo/roomserver/storage/tables"
	"github.com/palpo-server/palpo/roomserver/types"
)

// Database is the roomserver's storage surface. All high-level operations
// are implemented here against the per-table contracts.
type Database struct {
	DB          *sql.DB
	Caches      *caching.Caches
	Events      tables.Events
	EventJSON   tables.EventJSON
	Rooms       tables.Rooms
	StateFields tables.StateFields
	StateFrames tables.StateFrames
	AuthChains  tables.AuthChains
	Memberships tables.Memberships
}

// PersistEvent is the single write path for events (spec.md 4.3): it
// allocates the sequence number, writes the index row and the canonical
// JSON atomically, and is idempotent on event_id. The returned bool is
// false when the event was already persisted.
func (d *Database) PersistEvent(ctx context.Context, event *eventcore.PDU, outlier, softFailed bool, rejectionReason string) (types.EventSN, bool, error) {
	var sn types.EventSN
	var inserted bool
	row := &tables.EventRow{
		EventID:         event.EventID(),
		RoomID:          event.RoomID(),
		EventType:       event.Type(),
		Depth:           event.Depth(),
		Sender:          event.Sender(),
		OriginServerTS:  event.OriginServerTS(),
		Outlier:         outlier,
		SoftFailed:      softFailed,
		RejectionReason: rejectionReason,
	}
	if event.IsState() {
		row.StateKey = sql.NullString{String: *event.StateKey(), Valid: true}
	}
	err := sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		var err error
		sn, inserted, err = d.Events.InsertEvent(ctx, txn, row)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		return d.EventJSON.InsertEventJSON(ctx, txn, sn, event.JSON())
	})
	if err != nil {
		return 0, false, fmt.Errorf("shared: persisting %s: %w", event.EventID(), err)
	}
	return sn, inserted, nil
}

// roomVersion resolves a room's version through the cache.
func (d *Database) roomVersion(ctx context.Context, roomID string) (eventcore.RoomVersion, error) {
	if version, ok := d.Caches.GetRoomVersion(roomID); ok {
		return version, nil
	}
	info, err := d.Rooms.SelectRoom(ctx, nil, roomID)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", fmt.Errorf("shared: unknown room %s", roomID)
	}
	d.Caches.StoreRoomVersion(roomID, info.Version)
	return info.Version, nil
}

func (d *Database) materialize(ctx context.Context, rows []*tables.EventRow) ([]*types.Event, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	sns := make([]types.EventSN, len(rows))
	for i, row := range rows {
		sns[i] = row.EventSN
	}
	jsons, err := d.EventJSON.SelectEventJSONs(ctx, nil, sns)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Event, 0, len(rows))
	for _, row := range rows {
		eventJSON, ok := jsons[row.EventSN]
		if !ok {
			return nil, fmt.Errorf("shared: event %s has no stored JSON", row.EventID)
		}
		version, err := d.roomVersion(ctx, row.RoomID)
		if err != nil {
			return nil, err
		}
		pdu, err := eventcore.NewPDUFromTrustedJSON(eventJSON, version)
		if err != nil {
			return nil, fmt.Errorf("shared: corrupt stored event %s: %w", row.EventID, err)
		}
		out = append(out, &types.Event{
			SN:              row.EventSN,
			PDU:             pdu,
			Outlier:         row.Outlier,
			SoftFailed:      row.SoftFailed,
			Redacted:        row.Redacted,
			RejectionReason: row.RejectionReason,
		})
	}
	return out, nil
}

// EventByID loads one event with its flags, or nil when unknown.
func (d *Database) EventByID(ctx context.Context, eventID string) (*types.Event, error) {
	row, err := d.Events.SelectEventByID(ctx, nil, eventID)
	if err != nil || row == nil {
		return nil, err
	}
	events, err := d.materialize(ctx, []*tables.EventRow{row})
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// EventsByIDs loads the named events; unknown ids are silently absent.
func (d *Database) EventsByIDs(ctx context.Context, eventIDs []string) ([]*types.Event, error) {
	rows, err := d.Events.SelectEventsByIDs(ctx, nil, eventIDs)
	if err != nil {
		return nil, err
	}
	return d.materialize(ctx, rows)
}

// EventsBySNs loads events by sequence number.
func (d *Database) EventsBySNs(ctx context.Context, sns []types.EventSN) ([]*types.Event, error) {
	rows, err := d.Events.SelectEventsBySNs(ctx, nil, sns)
	if err != nil {
		return nil, err
	}
	return d.materialize(ctx, rows)
}

// EventSN returns the sequence number for an event id, 0 when unknown.
func (d *Database) EventSN(ctx context.Context, eventID string) (types.EventSN, error) {
	row, err := d.Events.SelectEventByID(ctx, nil, eventID)
	if err != nil || row == nil {
		return 0, err
	}
	return row.EventSN, nil
}

// TimelineEvents scans a room's timeline (spec.md 4.8). fromSN is
// exclusive; toSN bounds the far end when non-zero.
func (d *Database) TimelineEvents(ctx context.Context, roomID string, fromSN, toSN types.EventSN, limit int, descending bool) ([]*types.Event, error) {
	rows, err := d.Events.SelectTimelineEvents(ctx, nil, roomID, fromSN, toSN, limit, descending, false)
	if err != nil {
		return nil, err
	}
	return d.materialize(ctx, rows)
}

// MaxSN returns the highest assigned sequence number.
func (d *Database) MaxSN(ctx context.Context) (types.EventSN, error) {
	return d.Events.SelectMaxSN(ctx, nil)
}

// RoomInfo returns the room header, or nil when the room is unknown.
func (d *Database) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	return d.Rooms.SelectRoom(ctx, nil, roomID)
}

// CreateRoomIfNotExists inserts the room header on first sight of a room.
func (d *Database) CreateRoomIfNotExists(ctx context.Context, roomID string, version eventcore.RoomVersion) error {
	err := d.Rooms.InsertRoom(ctx, nil, &types.RoomInfo{RoomID: roomID, Version: version})
	if err == nil {
		d.Caches.StoreRoomVersion(roomID, version)
	}
	return err
}

// SetRoomLatest replaces the room's forward extremities, current state
// frame and depth after a successful persist.
func (d *Database) SetRoomLatest(ctx context.Context, roomID string, latestEventIDs []string, frameID types.FrameID, depth int64) error {
	return d.Rooms.UpdateRoomLatest(ctx, nil, roomID, latestEventIDs, frameID, depth)
}

// AssignFieldNID interns an (event_type, state_key) pair (spec.md 4.5).
func (d *Database) AssignFieldNID(ctx context.Context, eventType, stateKey string) (types.FieldNID, error) {
	return d.StateFields.InsertFieldNID(ctx, nil, eventType, stateKey)
}

// FieldTuples reverses field nids back into (event_type, state_key) pairs.
func (d *Database) FieldTuples(ctx context.Context, nids []types.FieldNID) (map[types.FieldNID][2]string, error) {
	return d.StateFields.SelectFieldTuples(ctx, nil, nids)
}

// SelectStateFrame implements state.FrameStore.
func (d *Database) SelectStateFrame(ctx context.Context, frameID types.FrameID) (*types.StateFrame, error) {
	return d.StateFrames.SelectStateFrame(ctx, nil, frameID)
}

// InsertStateFrame implements state.FrameStore.
func (d *Database) InsertStateFrame(ctx context.Context, frame *types.StateFrame) (types.FrameID, error) {
	return d.StateFrames.InsertStateFrame(ctx, nil, frame)
}

// SetEventFrame stamps the state-after frame onto a persisted event.
func (d *Database) SetEventFrame(ctx context.Context, sn types.EventSN, frameID types.FrameID) error {
	return d.Events.UpdateEventFrame(ctx, nil, sn, frameID)
}

// MarkEventRedacted flags an event as redacted after a valid redaction.
func (d *Database) MarkEventRedacted(ctx context.Context, eventID string) error {
	return d.Events.UpdateEventRedacted(ctx, nil, eventID, true)
}

// MarkEventNotOutlier upgrades an outlier onto the timeline once its
// prev-events become known.
func (d *Database) MarkEventNotOutlier(ctx context.Context, eventID string) error {
	return d.Events.UpdateEventNotOutlier(ctx, nil, eventID)
}

// DurableAuthChain reads the durable tier of the auth-chain cache.
func (d *Database) DurableAuthChain(ctx context.Context, cacheKey string) ([]types.EventSN, bool, error) {
	return d.AuthChains.SelectAuthChain(ctx, nil, cacheKey)
}

// StoreDurableAuthChain writes the durable tier of the auth-chain cache.
func (d *Database) StoreDurableAuthChain(ctx context.Context, cacheKey string, chain []types.EventSN) error {
	return d.AuthChains.InsertAuthChain(ctx, nil, cacheKey, chain)
}

// UpdateMembership derives the (room, user) edge from an m.room.member
// event (spec.md 3, "Membership edge").
func (d *Database) UpdateMembership(ctx context.Context, event *types.Event) error {
	if event.PDU.Type() != "m.room.member" || !event.PDU.IsState() {
		return nil
	}
	var content struct {
		Membership  string `json:"membership"`
		DisplayName string `json:"displayname"`
		AvatarURL   string `json:"avatar_url"`
	}
	if err := json.Unmarshal(event.PDU.Content(), &content); err != nil {
		return fmt.Errorf("shared: bad m.room.member content in %s: %w", event.PDU.EventID(), err)
	}
	edge := &types.MembershipEdge{
		RoomID:      event.PDU.RoomID(),
		UserID:      *event.PDU.StateKey(),
		Membership:  content.Membership,
		Sender:      event.PDU.Sender(),
		DisplayName: content.DisplayName,
		AvatarURL:   content.AvatarURL,
	}
	if content.Membership == "join" {
		edge.JoinedSN = event.SN
	}
	return d.Memberships.UpsertMembership(ctx, nil, edge)
}

// Membership returns the stored membership edge for (room, user), nil when
// absent.
func (d *Database) Membership(ctx context.Context, roomID, userID string) (*types.MembershipEdge, error) {
	return d.Memberships.SelectMembership(ctx, nil, roomID, userID)
}

// JoinedUsers lists the users currently joined to a room.
func (d *Database) JoinedUsers(ctx context.Context, roomID string) ([]*types.MembershipEdge, error) {
	return d.Memberships.SelectMembershipsInRoom(ctx, nil, roomID, []string{"join"})
}

// JoinedRooms lists the rooms a user is joined to.
func (d *Database) JoinedRooms(ctx context.Context, userID string) ([]string, error) {
	return d.Memberships.SelectRoomsForUser(ctx, nil, userID, []string{"join"})
}

// ServersInRoom lists the server names with at least one joined user.
func (d *Database) ServersInRoom(ctx context.Context, roomID string) ([]string, error) {
	return d.Memberships.SelectServersInRoom(ctx, nil, roomID)
}
