// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package syncwatch implements the long-poll watcher (spec.md 4.13): a
// blocked client wakes when any of its signal sources changes — a new
// event in a joined room, a device-inbox message, an e2e key change, a
// membership change, typing in a joined room, or a push-rule update.
package syncwatch

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/palpo-server/palpo/internal/bus"
	"github.com/palpo-server/palpo/setup/config"
)

// WakeReason names which signal source ended the wait.
type WakeReason string

const (
	WakeNewEvent   WakeReason = "new_event"
	WakeToDevice   WakeReason = "to_device"
	WakeKeyChange  WakeReason = "key_change"
	WakeMembership WakeReason = "membership"
	WakeTyping     WakeReason = "typing"
	WakeReceipt    WakeReason = "receipt"
	WakePushRules  WakeReason = "push_rules"
)

// RoomMembership answers which rooms a user currently belongs to; the
// roomserver's database satisfies it.
type RoomMembership interface {
	JoinedRooms(ctx context.Context, userID string) ([]string, error)
}

// Watcher races subscriptions over every signal category.
type Watcher struct {
	Conn  *nats.Conn
	Cfg   *config.JetStream
	Rooms RoomMembership
}

// NewWatcher builds a watcher over an established bus connection.
func NewWatcher(conn *nats.Conn, cfg *config.JetStream, rooms RoomMembership) *Watcher {
	return &Watcher{Conn: conn, Cfg: cfg, Rooms: rooms}
}

// Watch blocks until a signal relevant to (userID, deviceID) arrives or
// ctx ends. The subscriptions are ephemeral: each Watch sets up its own
// and tears them down on return, so an idle device costs nothing.
func (w *Watcher) Watch(ctx context.Context, userID, deviceID string) (WakeReason, error) {
	joined, err := w.Rooms.JoinedRooms(ctx, userID)
	if err != nil {
		return "", err
	}
	joinedSet := make(map[string]struct{}, len(joined))
	for _, roomID := range joined {
		joinedSet[roomID] = struct{}{}
	}

	// Buffered so the first signal wins and later ones drop.
	wake := make(chan WakeReason, 1)
	signal := func(reason WakeReason) {
		select {
		case wake <- reason:
		default:
		}
	}

	type subscription struct {
		subject string
		handler nats.MsgHandler
	}
	subscriptions := []subscription{
		{bus.OutputRoomEvent, func(msg *nats.Msg) {
			roomID := msg.Header.Get(bus.RoomID)
			if _, ok := joinedSet[roomID]; ok {
				signal(WakeNewEvent)
				return
			}
			// A membership event for this user wakes it even in rooms it
			// was not yet joined to (invites, kicks).
			if msg.Header.Get(bus.UserID) == userID {
				signal(WakeMembership)
			}
		}},
		{bus.OutputTypingEvent, func(msg *nats.Msg) {
			if _, ok := joinedSet[msg.Header.Get(bus.RoomID)]; ok {
				signal(WakeTyping)
			}
		}},
		{bus.OutputReceiptEvent, func(msg *nats.Msg) {
			if _, ok := joinedSet[msg.Header.Get(bus.RoomID)]; ok {
				signal(WakeReceipt)
			}
		}},
		{bus.OutputSendToDeviceEvent, func(msg *nats.Msg) {
			if msg.Header.Get(bus.UserID) == userID {
				signal(WakeToDevice)
			}
		}},
		{bus.OutputKeyChangeEvent, func(msg *nats.Msg) {
			if msg.Header.Get(bus.UserID) == userID {
				signal(WakeKeyChange)
			}
		}},
		{bus.OutputPushRuleUpdate, func(msg *nats.Msg) {
			if msg.Header.Get(bus.UserID) == userID {
				signal(WakePushRules)
			}
		}},
	}

	subs := make([]*nats.Subscription, 0, len(subscriptions))
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()
	for _, s := range subscriptions {
		sub, serr := w.Conn.Subscribe(w.Cfg.Prefixed(s.subject), s.handler)
		if serr != nil {
			return "", fmt.Errorf("syncwatch: subscribing to %s: %w", s.subject, serr)
		}
		subs = append(subs, sub)
	}

	select {
	case reason := <-wake:
		return reason, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
