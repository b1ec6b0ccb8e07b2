// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/api"
	"github.com/palpo-server/palpo/roomserver/storage/sqlite3"
	"github.com/palpo-server/palpo/setup/config"
)

type testServer struct {
	t       *testing.T
	rs      *RoomserverAPI
	keyPair eventcore.KeyPair
	outputs []*api.OutputRoomEvent
}

func (s *testServer) PublishRoomEvent(_ context.Context, output *api.OutputRoomEvent) error {
	s.outputs = append(s.outputs, output)
	return nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var dbOpts config.DatabaseOptions
	dbOpts.Defaults()
	dbOpts.ConnectionString = "file:" + filepath.Join(t.TempDir(), "roomserver.db")

	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	db, err := sqlite3.Open(&dbOpts, caches)
	require.NoError(t, err)

	var cfg config.RoomServer
	cfg.Defaults()

	s := &testServer{t: t, keyPair: eventcore.KeyPair{KeyID: "ed25519:1", PrivateKey: priv}}
	s.rs = NewRoomserverAPI(&cfg, db, caches, nil, nil, s, "a.test")
	return s
}

func strPtr(s string) *string { return &s }

// send builds and appends a local event, failing the test on error.
func (s *testServer) send(builder *eventcore.Builder) (int64, *eventcore.PDU) {
	s.t.Helper()
	sn, event, err := s.rs.BuildAndAppend(context.Background(), builder, "a.test", s.keyPair)
	require.NoError(s.t, err)
	return int64(sn), event
}

// createRoom builds the standard room skeleton: create, creator join,
// power levels, public join rules.
func (s *testServer) createRoom(roomID, creator string) (createEvent, joinEvent, plEvent *eventcore.PDU) {
	s.t.Helper()
	_, createEvent = s.send(eventcore.CreateEventBuilder(roomID, creator,
		json.RawMessage(`{"creator":"`+creator+`","room_version":"10"}`)))
	_, joinEvent = s.send(&eventcore.Builder{
		RoomID: roomID, Sender: creator, Type: "m.room.member", StateKey: strPtr(creator),
		Content: json.RawMessage(`{"membership":"join"}`),
	})
	_, plEvent = s.send(&eventcore.Builder{
		RoomID: roomID, Sender: creator, Type: "m.room.power_levels", StateKey: strPtr(""),
		Content: json.RawMessage(`{"users":{"` + creator + `":100},"users_default":0,"state_default":50,"events_default":0}`),
	})
	s.send(&eventcore.Builder{
		RoomID: roomID, Sender: creator, Type: "m.room.join_rules", StateKey: strPtr(""),
		Content: json.RawMessage(`{"join_rule":"public"}`),
	})
	return createEvent, joinEvent, plEvent
}

// Spec scenario 1: local room creation and message. The create PDU has no
// prev or auth events; the message cites the create event in prev_events
// and carries create/member/power_levels in auth_events; sns strictly
// increase.
func TestLocalRoomCreationAndMessage(t *testing.T) {
	s := newTestServer(t)
	roomID := "!room:a.test"

	createSN, createEvent := s.send(eventcore.CreateEventBuilder(roomID, "@alice:a.test",
		json.RawMessage(`{"creator":"@alice:a.test","room_version":"10"}`)))
	assert.Empty(t, createEvent.PrevEventIDs())
	assert.Empty(t, createEvent.AuthEventIDs())
	require.NotNil(t, createEvent.StateKey())
	assert.Equal(t, "", *createEvent.StateKey())

	joinSN, joinEvent := s.send(&eventcore.Builder{
		RoomID: roomID, Sender: "@alice:a.test", Type: "m.room.member", StateKey: strPtr("@alice:a.test"),
		Content: json.RawMessage(`{"membership":"join"}`),
	})
	plSN, plEvent := s.send(&eventcore.Builder{
		RoomID: roomID, Sender: "@alice:a.test", Type: "m.room.power_levels", StateKey: strPtr(""),
		Content: json.RawMessage(`{"users":{"@alice:a.test":100}}`),
	})
	msgSN, msgEvent := s.send(&eventcore.Builder{
		RoomID: roomID, Sender: "@alice:a.test", Type: "m.room.message",
		Content: json.RawMessage(`{"body":"hi","msgtype":"m.text"}`),
	})

	// Strictly increasing sequence numbers.
	assert.Less(t, createSN, joinSN)
	assert.Less(t, joinSN, plSN)
	assert.Less(t, plSN, msgSN)

	// The message hangs off the current extremity and cites the room's
	// auth state.
	assert.Equal(t, []string{plEvent.EventID()}, msgEvent.PrevEventIDs())
	assert.ElementsMatch(t,
		[]string{createEvent.EventID(), joinEvent.EventID(), plEvent.EventID()},
		msgEvent.AuthEventIDs(),
	)

	// Every persisted event was broadcast.
	require.Len(t, s.outputs, 4)
	assert.Equal(t, msgEvent.EventID(), s.outputs[3].EventID)
}

func TestPersistIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	roomID := "!room:a.test"
	createEvent, _, _ := s.createRoom(roomID, "@alice:a.test")

	ctx := context.Background()
	sn1, err := s.rs.DB.EventSN(ctx, createEvent.EventID())
	require.NoError(t, err)

	// Re-running the same event through the pipeline is a no-op.
	sn2, err := s.rs.ProcessRoomEvent(ctx, &api.InputRoomEvent{
		EventID:         createEvent.EventID(),
		RoomID:          roomID,
		EventJSON:       createEvent.JSON(),
		IsTimeline:      true,
		AlreadyVerified: true,
	})
	require.NoError(t, err)
	assert.Equal(t, sn1, sn2)
}

func TestRejectedEventDoesNotPropagate(t *testing.T) {
	s := newTestServer(t)
	roomID := "!room:a.test"
	createEvent, _, plEvent := s.createRoom(roomID, "@alice:a.test")
	ctx := context.Background()

	// @mallory is not joined; her name change must be rejected.
	info, err := s.rs.DB.RoomInfo(ctx, roomID)
	require.NoError(t, err)
	builder := &eventcore.Builder{
		RoomID: roomID, Sender: "@mallory:a.test", Type: "m.room.name", StateKey: strPtr(""),
		Content:    json.RawMessage(`{"name":"pwned"}`),
		PrevEvents: info.LatestEventIDs,
		AuthEvents: []string{createEvent.EventID(), plEvent.EventID()},
		Depth:      info.Depth + 1,
	}
	event, err := builder.Build(time.Now(), "a.test", s.keyPair, eventcore.RoomVersionV10)
	require.NoError(t, err)

	_, err = s.rs.ProcessRoomEvent(ctx, &api.InputRoomEvent{
		EventID:         event.EventID(),
		RoomID:          roomID,
		EventJSON:       event.JSON(),
		IsTimeline:      true,
		AlreadyVerified: true,
	})
	require.Error(t, err)
	assert.Equal(t, api.KindAuthFailed, api.ErrorKindOf(err))

	// Stored as rejected, absent from the timeline.
	stored, err := s.rs.DB.EventByID(ctx, event.EventID())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Rejected())

	timeline, err := s.rs.DB.TimelineEvents(ctx, roomID, 0, 0, 100, false)
	require.NoError(t, err)
	for _, te := range timeline {
		assert.NotEqual(t, event.EventID(), te.PDU.EventID())
	}
}

// Spec scenario 5: an event authorized against its own branch but not
// against current state is stored soft-failed, hidden from the timeline,
// and never selected as a prev_event by later local builds.
func TestSoftFailAgainstCurrentState(t *testing.T) {
	s := newTestServer(t)
	roomID := "!room:a.test"
	createEvent, _, _ := s.createRoom(roomID, "@alice:a.test")
	ctx := context.Background()

	// @bob joins while messages still require power level 0.
	_, bobJoin := s.send(&eventcore.Builder{
		RoomID: roomID, Sender: "@bob:a.test", Type: "m.room.member", StateKey: strPtr("@bob:a.test"),
		Content: json.RawMessage(`{"membership":"join"}`),
	})
	info, err := s.rs.DB.RoomInfo(ctx, roomID)
	require.NoError(t, err)
	oldExtremities := append([]string{}, info.LatestEventIDs...)
	oldDepth := info.Depth

	// Old power levels: the state bob's branch will auth against.
	oldState, err := s.rs.CurrentState(ctx, roomID)
	require.NoError(t, err)
	oldPL := oldState[eventcore.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""}]
	require.NotNil(t, oldPL)

	// Alice raises the bar for messages to 50 before bob's event arrives.
	s.send(&eventcore.Builder{
		RoomID: roomID, Sender: "@alice:a.test", Type: "m.room.power_levels", StateKey: strPtr(""),
		Content: json.RawMessage(`{"users":{"@alice:a.test":100},"users_default":0,"events":{"m.room.message":50}}`),
	})

	// Bob's message forks off the pre-change extremity.
	builder := &eventcore.Builder{
		RoomID: roomID, Sender: "@bob:a.test", Type: "m.room.message",
		Content:    json.RawMessage(`{"body":"late","msgtype":"m.text"}`),
		PrevEvents: oldExtremities,
		AuthEvents: []string{createEvent.EventID(), bobJoin.EventID(), oldPL.EventID()},
		Depth:      oldDepth + 1,
	}
	event, err := builder.Build(time.Now(), "a.test", s.keyPair, eventcore.RoomVersionV10)
	require.NoError(t, err)

	_, err = s.rs.ProcessRoomEvent(ctx, &api.InputRoomEvent{
		Origin:          "b.test",
		EventID:         event.EventID(),
		RoomID:          roomID,
		EventJSON:       event.JSON(),
		IsTimeline:      true,
		AlreadyVerified: true,
	})
	require.NoError(t, err)

	stored, err := s.rs.DB.EventByID(ctx, event.EventID())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.SoftFailed)
	assert.False(t, stored.Rejected())

	// Hidden from timeline reads.
	timeline, err := s.rs.DB.TimelineEvents(ctx, roomID, 0, 0, 100, false)
	require.NoError(t, err)
	for _, te := range timeline {
		assert.NotEqual(t, event.EventID(), te.PDU.EventID())
	}

	// A subsequent local build never cites the soft-failed event.
	_, next := s.send(&eventcore.Builder{
		RoomID: roomID, Sender: "@alice:a.test", Type: "m.room.message",
		Content: json.RawMessage(`{"body":"after","msgtype":"m.text"}`),
	})
	assert.NotContains(t, next.PrevEventIDs(), event.EventID())
}

// Sequence monotonicity across rooms (testable property).
func TestSequenceMonotonicAcrossRooms(t *testing.T) {
	s := newTestServer(t)
	s.createRoom("!one:a.test", "@alice:a.test")
	s.createRoom("!two:a.test", "@alice:a.test")

	var last int64
	for _, output := range s.outputs {
		assert.Greater(t, int64(output.EventSN), last)
		last = int64(output.EventSN)
	}
}
