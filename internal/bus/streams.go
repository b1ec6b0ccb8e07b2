// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package bus

import (
	"github.com/nats-io/nats.go"

	"github.com/palpo-server/palpo/setup/config"
)

// Subject names, before the deployment's topic prefix is applied. Each
// carries one category of change notification (spec.md 4.11 "a single
// broadcast sender per signal category").
const (
	// InputRoomEvent feeds the roomserver's input pipeline.
	InputRoomEvent = "InputRoomEvent"
	// OutputRoomEvent announces a persisted event: headers carry room_id
	// and the assigned sn.
	OutputRoomEvent = "OutputRoomEvent"
	// OutputTypingEvent announces a typing change in a room.
	OutputTypingEvent = "OutputTypingEvent"
	// OutputReceiptEvent announces a read receipt upsert.
	OutputReceiptEvent = "OutputReceiptEvent"
	// OutputPresenceEvent announces a presence change for a user.
	OutputPresenceEvent = "OutputPresenceEvent"
	// OutputSendToDeviceEvent announces a new device-inbox message.
	OutputSendToDeviceEvent = "OutputSendToDeviceEvent"
	// OutputKeyChangeEvent announces an e2e key change for a user.
	OutputKeyChangeEvent = "OutputKeyChangeEvent"
	// OutputPushRuleUpdate announces a change to a user's push rules.
	OutputPushRuleUpdate = "OutputPushRuleUpdate"
)

// Header names used on bus messages.
const (
	RoomID            = "room_id"
	EventID           = "event_id"
	EventSN           = "event_sn"
	UserID            = "user_id"
	DestinationServer = "destination_server"
)

// streams returns every stream palpo creates at startup. Interest retention
// lets messages vanish once every consumer has seen them; the input stream
// uses work-queue semantics so each event is processed once.
func streams(cfg *config.JetStream) []*nats.StreamConfig {
	storage := nats.FileStorage
	if cfg.InMemory {
		storage = nats.MemoryStorage
	}
	names := []struct {
		name      string
		retention nats.RetentionPolicy
	}{
		{InputRoomEvent, nats.WorkQueuePolicy},
		{OutputRoomEvent, nats.InterestPolicy},
		{OutputTypingEvent, nats.InterestPolicy},
		{OutputReceiptEvent, nats.InterestPolicy},
		{OutputPresenceEvent, nats.InterestPolicy},
		{OutputSendToDeviceEvent, nats.InterestPolicy},
		{OutputKeyChangeEvent, nats.InterestPolicy},
		{OutputPushRuleUpdate, nats.InterestPolicy},
	}
	out := make([]*nats.StreamConfig, 0, len(names))
	for _, s := range names {
		out = append(out, &nats.StreamConfig{
			Name:      cfg.Prefixed(s.name),
			Subjects:  []string{cfg.Prefixed(s.name)},
			Retention: s.retention,
			Storage:   storage,
		})
	}
	return out
}
