package bus

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/nats-io/nats.go"

	edushared "github.com/palpo-server/palpo/eduserver/storage/shared"
	rsapi "github.com/palpo-server/palpo/roomserver/api"
	"github.com/palpo-server/palpo/setup/config"
)

// Publisher binds the component-facing publish interfaces (roomserver
// OutputPublisher, eduserver ChangePublisher) to NATS subjects. Message
// headers carry the routing fields so subscribers can filter without
// decoding bodies.
type Publisher struct {
	JS  nats.JetStreamContext
	Cfg *config.JetStream
}

func (p *Publisher) publish(subject string, headers map[string]string, body interface{}) error {
	msg := nats.NewMsg(p.Cfg.Prefixed(subject))
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		msg.Data = data
	}
	_, err := p.JS.PublishMsg(msg)
	return err
}

// PublishRoomEvent implements the roomserver's OutputPublisher.
func (p *Publisher) PublishRoomEvent(_ context.Context, output *rsapi.OutputRoomEvent) error {
	headers := map[string]string{
		RoomID:  output.RoomID,
		EventID: output.EventID,
		EventSN: strconv.FormatInt(int64(output.EventSN), 10),
	}
	if output.TargetUserID != "" {
		headers[UserID] = output.TargetUserID
	}
	return p.publish(OutputRoomEvent, headers, output)
}

// PublishTypingChange implements the eduserver's ChangePublisher.
func (p *Publisher) PublishTypingChange(_ context.Context, roomID string) error {
	return p.publish(OutputTypingEvent, map[string]string{RoomID: roomID}, nil)
}

// PublishReceiptChange implements the eduserver's ChangePublisher.
func (p *Publisher) PublishReceiptChange(_ context.Context, receipt *edushared.Receipt) error {
	return p.publish(OutputReceiptEvent, map[string]string{
		RoomID: receipt.RoomID,
		UserID: receipt.UserID,
	}, receipt)
}

// PublishPresenceChange implements the eduserver's ChangePublisher.
func (p *Publisher) PublishPresenceChange(_ context.Context, presence *edushared.Presence) error {
	return p.publish(OutputPresenceEvent, map[string]string{UserID: presence.UserID}, presence)
}

// PublishSendToDevice announces a new device-inbox message for a user.
func (p *Publisher) PublishSendToDevice(_ context.Context, userID string) error {
	return p.publish(OutputSendToDeviceEvent, map[string]string{UserID: userID}, nil)
}

// PublishKeyChange announces an e2e key change affecting a user.
func (p *Publisher) PublishKeyChange(_ context.Context, userID string) error {
	return p.publish(OutputKeyChangeEvent, map[string]string{UserID: userID}, nil)
}

// PublishPushRuleUpdate announces a change to a user's push rules.
func (p *Publisher) PublishPushRuleUpdate(_ context.Context, userID string) error {
	return p.publish(OutputPushRuleUpdate, map[string]string{UserID: userID}, nil)
}
