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

// Package eduserver is the ephemeral-data engine (spec.md 4.11): typing
// timers, receipt upserts, presence derivation, and the change broadcasts
// the watcher and outbound sender subscribe to.
package eduserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/palpo-server/palpo/eduserver/storage/shared"
	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/types"
)

// presenceOnlineTimeout is how long after the last activity ping a user
// stays online before deriving unavailable (spec.md 4.11).
const presenceOnlineTimeout = 5 * time.Minute

// ChangePublisher carries one EDU category's change notification onto the
// internal bus; the setup layer binds these to NATS subjects.
type ChangePublisher interface {
	PublishTypingChange(ctx context.Context, roomID string) error
	PublishReceiptChange(ctx context.Context, receipt *shared.Receipt) error
	PublishPresenceChange(ctx context.Context, presence *shared.Presence) error
}

// FederationSender fans EDUs out to remote servers; the outbound queue
// implements it.
type FederationSender interface {
	SendEDU(ctx context.Context, eduType string, eduJSON []byte, destinations []eventcore.ServerName) error
}

// RoomTopology answers which remote servers should receive a room's EDUs.
type RoomTopology interface {
	ServersInRoom(ctx context.Context, roomID string) ([]string, error)
}

// EDUServer owns the in-memory typing cache and the durable receipt and
// presence state.
type EDUServer struct {
	DB        shared.Database
	Typing    *caching.EDUCache
	Publisher ChangePublisher
	Sender    FederationSender
	Rooms     RoomTopology
	Origin    eventcore.ServerName
}

// NewEDUServer wires the engine; the typing cache's expiry callback
// re-broadcasts so waiters see timed expiries exactly once (testable
// property "Typing expiry").
func NewEDUServer(db shared.Database, publisher ChangePublisher, sender FederationSender, rooms RoomTopology, origin eventcore.ServerName) *EDUServer {
	e := &EDUServer{
		DB:        db,
		Typing:    caching.NewTypingCache(),
		Publisher: publisher,
		Sender:    sender,
		Rooms:     rooms,
		Origin:    origin,
	}
	e.Typing.SetTimeoutCallback(func(userID, roomID string, _ int64) {
		e.broadcastTyping(context.Background(), roomID, userID, false)
	})
	return e
}

// AddTyping records that userID is typing in roomID until expire, notifies
// local waiters and fans the EDU out to the room's remote servers.
func (e *EDUServer) AddTyping(ctx context.Context, userID, roomID string, expire *time.Time) {
	e.Typing.AddTypingUser(userID, roomID, expire)
	e.broadcastTyping(ctx, roomID, userID, true)
}

// RemoveTyping clears a typing state explicitly (typing=false from the
// client).
func (e *EDUServer) RemoveTyping(ctx context.Context, userID, roomID string) {
	e.Typing.RemoveUser(userID, roomID)
	e.broadcastTyping(ctx, roomID, userID, false)
}

// AllTypings returns the users currently typing in a room; expired entries
// are pruned by their timers before this reads the map.
func (e *EDUServer) AllTypings(roomID string) []string {
	return e.Typing.GetTypingUsers(roomID)
}

func (e *EDUServer) broadcastTyping(ctx context.Context, roomID, userID string, typing bool) {
	if e.Publisher != nil {
		if err := e.Publisher.PublishTypingChange(ctx, roomID); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Unable to publish typing change")
		}
	}
	if e.Sender == nil || e.Rooms == nil {
		return
	}
	servers, err := e.Rooms.ServersInRoom(ctx, roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Unable to resolve room servers for typing EDU")
		return
	}
	content, _ := json.Marshal(map[string]interface{}{
		"room_id": roomID,
		"user_id": userID,
		"typing":  typing,
	})
	if err := e.Sender.SendEDU(ctx, "m.typing", content, asServerNames(servers)); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Unable to queue typing EDU")
	}
}

// UpsertReceipt records a read receipt, replacing any earlier one for the
// same (type, room, user), and fans public receipts out to federation.
func (e *EDUServer) UpsertReceipt(ctx context.Context, receiptType, roomID, userID, eventID string, eventSN types.EventSN) error {
	receipt := &shared.Receipt{
		ReceiptType: receiptType,
		RoomID:      roomID,
		UserID:      userID,
		EventID:     eventID,
		EventSN:     eventSN,
		TS:          time.Now().UnixMilli(),
	}
	if err := e.DB.UpsertReceipt(ctx, receipt); err != nil {
		return err
	}
	if e.Publisher != nil {
		if err := e.Publisher.PublishReceiptChange(ctx, receipt); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Unable to publish receipt change")
		}
	}
	// Private read markers never leave this server.
	if receiptType != "m.read" || e.Sender == nil || e.Rooms == nil {
		return nil
	}
	servers, err := e.Rooms.ServersInRoom(ctx, roomID)
	if err != nil {
		return nil
	}
	content, _ := json.Marshal(map[string]interface{}{
		roomID: map[string]interface{}{
			"m.read": map[string]interface{}{
				userID: map[string]interface{}{
					"event_ids": []string{eventID},
					"data":      map[string]int64{"ts": receipt.TS},
				},
			},
		},
	})
	if err := e.Sender.SendEDU(ctx, "m.receipt", content, asServerNames(servers)); err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("Unable to queue receipt EDU")
	}
	return nil
}

// SetPresence applies an explicit presence update from the user.
func (e *EDUServer) SetPresence(ctx context.Context, userID, state, statusMsg string) error {
	now := time.Now().UnixMilli()
	presence := &shared.Presence{
		UserID:          userID,
		State:           state,
		LastActiveTS:    now,
		StatusMsg:       statusMsg,
		CurrentlyActive: state == "online",
	}
	if err := e.DB.UpsertPresence(ctx, presence); err != nil {
		return err
	}
	if e.Publisher != nil {
		if err := e.Publisher.PublishPresenceChange(ctx, presence); err != nil {
			logrus.WithError(err).WithField("user_id", userID).Warn("Unable to publish presence change")
		}
	}
	return nil
}

// PingActivity derives presence from user activity: any authenticated
// request refreshes last_active and implies online.
func (e *EDUServer) PingActivity(ctx context.Context, userID string) error {
	stored, err := e.DB.SelectPresence(ctx, userID)
	if err != nil {
		return err
	}
	statusMsg := ""
	if stored != nil {
		statusMsg = stored.StatusMsg
	}
	return e.SetPresence(ctx, userID, "online", statusMsg)
}

// GetPresence reads a user's presence, deriving unavailable when an online
// user has been quiet past the timeout (expiry is lazy, applied on read).
func (e *EDUServer) GetPresence(ctx context.Context, userID string) (*shared.Presence, error) {
	presence, err := e.DB.SelectPresence(ctx, userID)
	if err != nil {
		return nil, err
	}
	if presence == nil {
		return &shared.Presence{UserID: userID, State: "offline"}, nil
	}
	if presence.State == "online" && time.Since(time.UnixMilli(presence.LastActiveTS)) > presenceOnlineTimeout {
		presence.State = "unavailable"
		presence.CurrentlyActive = false
		if err := e.DB.UpsertPresence(ctx, presence); err != nil {
			return nil, err
		}
	}
	return presence, nil
}

func asServerNames(in []string) []eventcore.ServerName {
	out := make([]eventcore.ServerName, len(in))
	for i, s := range in {
		out[i] = eventcore.ServerName(s)
	}
	return out
}
