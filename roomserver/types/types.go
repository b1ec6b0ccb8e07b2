// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package types provides the numeric handles the roomserver keys everything
// by: sequence numbers for events, frame ids for state snapshots and field
// nids for interned (event_type, state_key) pairs. Events and state refer to
// each other only through these ids, never by pointer.
package types

import (
	"sort"

	"github.com/palpo-server/palpo/internal/eventcore"
)

// EventSN is the process-global strictly monotonic sequence number assigned
// to every persisted event (spec.md 3). It is the sole cross-room ordering
// token exposed to pagination and sync.
type EventSN int64

// FrameID identifies a compressed state snapshot (spec.md 3, "State frame").
type FrameID int64

// FieldNID is the interned numeric id of an (event_type, state_key) pair.
type FieldNID int64

// StateEntry maps one interned state field to the event currently filling
// that slot.
type StateEntry struct {
	FieldNID FieldNID
	EventSN  EventSN
}

// LessThan gives StateEntry a total order for sorted-slice set operations.
func (a StateEntry) LessThan(b StateEntry) bool {
	if a.FieldNID != b.FieldNID {
		return a.FieldNID < b.FieldNID
	}
	return a.EventSN < b.EventSN
}

// SortStateEntries sorts entries in place by (FieldNID, EventSN).
func SortStateEntries(entries []StateEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].LessThan(entries[j]) })
}

// DeduplicateStateEntries removes adjacent duplicates from a sorted slice.
func DeduplicateStateEntries(entries []StateEntry) []StateEntry {
	if len(entries) < 2 {
		return entries
	}
	out := entries[:1]
	for _, e := range entries[1:] {
		if e != out[len(out)-1] {
			out = append(out, e)
		}
	}
	return out
}

// StateFrame is one node of the state delta graph: the room state at a
// point is the parent chain's state plus Added minus Removed. A frame with
// IsFull set has no parent; its Added is the whole state (spec.md 4.5).
type StateFrame struct {
	FrameID  FrameID
	RoomID   string
	ParentID FrameID // zero when IsFull
	IsFull   bool
	Added    []StateEntry
	Removed  []StateEntry
}

// RoomInfo is the per-room header row: version, latest forward extremities
// and the frame of current state (spec.md 3, "Room").
type RoomInfo struct {
	RoomID         string
	Version        eventcore.RoomVersion
	CurrentFrameID FrameID
	LatestEventIDs []string
	Depth          int64
	Disabled       bool
}

// Event pairs a parsed PDU with its assigned sequence number and the store
// flags the pipeline sets (spec.md 3, "Lifecycles").
type Event struct {
	SN  EventSN
	PDU *eventcore.PDU

	Outlier         bool
	SoftFailed      bool
	Redacted        bool
	RejectionReason string
}

// Rejected reports whether the event failed auth and must not propagate.
func (e *Event) Rejected() bool { return e.RejectionReason != "" }

// MembershipEdge is one (room, user) membership row derived from
// m.room.member state events (spec.md 3, "Membership edge").
type MembershipEdge struct {
	RoomID      string
	UserID      string
	Membership  string
	Sender      string
	DisplayName string
	AvatarURL   string
	JoinedSN    EventSN
	Forgotten   bool
}
