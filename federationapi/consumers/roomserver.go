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

// Package consumers feeds the outbound sender from the internal bus: every
// persisted timeline event is queued for the remote servers of its room
// (spec.md 4.7 step 11).
package consumers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/palpo-server/palpo/federationapi/queue"
	"github.com/palpo-server/palpo/internal/bus"
	"github.com/palpo-server/palpo/internal/eventcore"
	rsapi "github.com/palpo-server/palpo/roomserver/api"
	"github.com/palpo-server/palpo/roomserver/types"
	"github.com/palpo-server/palpo/setup/config"
)

// RoomTopology answers which remote servers a room's events fan out to.
type RoomTopology interface {
	ServersInRoom(ctx context.Context, roomID string) ([]string, error)
}

// OutputRoomEventConsumer drains the OutputRoomEvent stream into the
// per-destination queues.
type OutputRoomEventConsumer struct {
	Cfg    *config.JetStream
	JS     nats.JetStreamContext
	Queues *queue.OutgoingQueues
	Rooms  RoomTopology
	Origin eventcore.ServerName

	sub *nats.Subscription
}

// Start subscribes with a durable consumer so no event is missed across
// restarts.
func (c *OutputRoomEventConsumer) Start() error {
	subject := c.Cfg.Prefixed(bus.OutputRoomEvent)
	sub, err := c.JS.Subscribe(subject, c.onMessage,
		nats.Durable("FederationAPIRoomServerConsumer"),
		nats.DeliverAll(),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("consumers: subscribing to %s: %w", subject, err)
	}
	c.sub = sub
	return nil
}

// Stop unsubscribes; queued messages remain for the durable consumer.
func (c *OutputRoomEventConsumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
}

func (c *OutputRoomEventConsumer) onMessage(msg *nats.Msg) {
	defer func() {
		_ = msg.Ack()
	}()
	var output rsapi.OutputRoomEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		logrus.WithError(err).Error("Malformed output event on bus, dropping")
		return
	}
	// Soft-failed and rejected events are never relayed (spec.md 4.7
	// step 9).
	if output.SoftFailed {
		return
	}
	ctx := context.Background()
	servers, err := c.Rooms.ServersInRoom(ctx, output.RoomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", output.RoomID).Error("Unable to resolve room servers")
		return
	}
	destinations := make([]eventcore.ServerName, 0, len(servers))
	for _, server := range servers {
		if eventcore.ServerName(server) != c.Origin {
			destinations = append(destinations, eventcore.ServerName(server))
		}
	}
	if len(destinations) == 0 {
		return
	}
	event := &types.Event{SN: output.EventSN}
	if pdu, perr := parseOutputPDU(&output); perr == nil {
		event.PDU = pdu
	}
	if err := c.Queues.SendEvent(ctx, event, destinations); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"event_id": output.EventID,
			"room_id":  output.RoomID,
		}).Error("Unable to queue event for federation")
	}
}

func parseOutputPDU(output *rsapi.OutputRoomEvent) (*eventcore.PDU, error) {
	// The room version does not matter for re-serialisation; v10 parsing
	// accepts any v3+ shape and the JSON is relayed verbatim.
	return eventcore.NewPDUFromTrustedJSON(output.EventJSON, eventcore.RoomVersionV10)
}
