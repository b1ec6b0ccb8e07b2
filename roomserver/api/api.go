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

// Package api is the roomserver's contract with the rest of palpo: the
// shapes events enter and leave the pipeline in, and the interfaces the
// pipeline needs its collaborators (key verification, remote event
// fetching, output fan-out) to satisfy.
package api

import (
	"context"
	"encoding/json"

	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/types"
)

// InputRoomEvent is one unit of work for the incoming pipeline
// (spec.md 4.7, handle_incoming_pdu).
type InputRoomEvent struct {
	// Origin is the server the event arrived from; empty for local builds.
	Origin eventcore.ServerName
	// EventID as claimed by the sender; verified against the computed id.
	EventID string
	RoomID  string
	// EventJSON is the wire-format event.
	EventJSON json.RawMessage
	// IsTimeline is false for backfilled or outlier events, which never
	// advance forward extremities (spec.md 4.8).
	IsTimeline bool
	// AlreadyVerified skips signature/hash checks for locally-built events.
	AlreadyVerified bool
}

// OutputRoomEvent announces one durably persisted event (spec.md 4.3,
// "publishes a change notification").
type OutputRoomEvent struct {
	EventSN   types.EventSN `json:"event_sn"`
	EventID   string        `json:"event_id"`
	RoomID    string        `json:"room_id"`
	EventType string        `json:"event_type"`
	Sender    string        `json:"sender"`
	// TargetUserID is the state key of m.room.member events, so membership
	// watchers can route without decoding the event.
	TargetUserID string `json:"target_user_id,omitempty"`
	SoftFailed   bool   `json:"soft_failed"`
	// EventJSON carries the event so consumers (sender, pusher) need not
	// re-read storage.
	EventJSON json.RawMessage `json:"event_json"`
}

// EventVerifier checks an incoming event's signatures and content hash,
// acquiring remote keys as needed (spec.md 4.2, 4.7 steps 3-4). The
// federationapi keyring implements this.
type EventVerifier interface {
	VerifyEvent(ctx context.Context, event *eventcore.PDU) error
}

// MissingEventFetcher pulls events and state this server does not have from
// a remote during incoming processing (spec.md 4.7 steps 6-7). The
// federationapi client implements this.
type MissingEventFetcher interface {
	// FetchEvent retrieves a single event by id via GET /event/{id}.
	FetchEvent(ctx context.Context, from eventcore.ServerName, roomVersion eventcore.RoomVersion, eventID string) (*eventcore.PDU, error)
	// FetchStateIDs retrieves the state and auth-chain event ids at an
	// event via GET /state_ids.
	FetchStateIDs(ctx context.Context, from eventcore.ServerName, roomID, eventID string) (stateIDs, authChainIDs []string, err error)
}

// Backfiller retrieves historic events from a remote server via
// GET /backfill (spec.md 4.8). Implemented alongside MissingEventFetcher
// by the federation client.
type Backfiller interface {
	Backfill(ctx context.Context, from eventcore.ServerName, roomID string, eventIDs []string, limit int) ([]json.RawMessage, error)
}

// OutputPublisher fans persisted events out to the rest of the process
// (watcher, pusher, outbound sender) over the internal bus.
type OutputPublisher interface {
	PublishRoomEvent(ctx context.Context, output *OutputRoomEvent) error
}

// ErrorKind classifies pipeline failures per spec.md 7.
type ErrorKind int

const (
	KindBadJSON ErrorKind = iota + 1
	KindUnknownRoom
	KindAclBlocked
	KindAuthFailed
	KindRejected
	KindUnsupportedRoomVersion
	KindNotFound
)

// InputError is the structured pipeline error; federation callers render
// it per-event into the /send response rather than failing the whole
// transaction.
type InputError struct {
	Kind ErrorKind
	Msg  string
}

func (e InputError) Error() string { return e.Msg }

// ErrorKindOf extracts the pipeline classification from err, or zero.
func ErrorKindOf(err error) ErrorKind {
	if ie, ok := err.(InputError); ok {
		return ie.Kind
	}
	return 0
}
