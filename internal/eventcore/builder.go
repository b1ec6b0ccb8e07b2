package eventcore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Builder collects the fields a locally-built event needs before it can be
// hashed and signed (spec.md 4.7, "Stages for local build", steps A-D). The
// caller (roomserver/roomserverinternal perform logic) is responsible for filling in
// PrevEvents/AuthEvents/Depth from current room state before calling Build.
type Builder struct {
	RoomID     string
	Sender     string
	Type       string
	StateKey   *string
	Content    json.RawMessage
	PrevEvents []string
	AuthEvents []string
	Depth      int64
	Redacts    string
	Unsigned   json.RawMessage
}

// Build canonicalises the builder's fields, computes the content hash,
// computes/derives the event id, and signs the result, producing a PDU
// ready to enter the pipeline at the same point an incoming federated event
// would (spec.md 4.7 step E).
func (b *Builder) Build(now time.Time, origin ServerName, keyPair KeyPair, roomVersion RoomVersion) (*PDU, error) {
	if b.RoomID == "" || b.Sender == "" || b.Type == "" {
		return nil, fmt.Errorf("eventcore: builder missing required field")
	}
	if b.Content == nil {
		b.Content = json.RawMessage("{}")
	}
	if b.PrevEvents == nil {
		b.PrevEvents = []string{}
	}
	if b.AuthEvents == nil {
		b.AuthEvents = []string{}
	}

	raw := map[string]interface{}{
		"room_id":          b.RoomID,
		"sender":           b.Sender,
		"origin":           string(origin),
		"origin_server_ts": now.UnixMilli(),
		"type":             b.Type,
		"content":          json.RawMessage(b.Content),
		"prev_events":      b.PrevEvents,
		"auth_events":      b.AuthEvents,
		"depth":            b.Depth,
	}
	if b.StateKey != nil {
		raw["state_key"] = *b.StateKey
	}
	if b.Redacts != "" {
		raw["redacts"] = b.Redacts
	}
	if len(b.Unsigned) > 0 {
		raw["unsigned"] = json.RawMessage(b.Unsigned)
	}

	asBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	contentHash, err := ContentHash(asBytes)
	if err != nil {
		return nil, err
	}
	raw["hashes"] = map[string]string{"sha256": contentHash}
	asBytes, err = json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	if roomVersion.EventIDFormat() == EventIDFormatV1 {
		// v1/v2 rooms mint a random-looking opaque event id; palpo derives
		// it deterministically from the content hash so builds stay pure.
		raw["event_id"] = "$" + contentHash[:look(contentHash)] + ":" + string(origin)
		asBytes, err = json.Marshal(raw)
		if err != nil {
			return nil, err
		}
	}

	signed, err := SignJSON(origin, keyPair, asBytes)
	if err != nil {
		return nil, err
	}

	return NewPDUFromTrustedJSON(signed, roomVersion)
}

func look(s string) int {
	if len(s) > 43 {
		return 43
	}
	return len(s)
}

// CreateEventBuilder returns a Builder for a fresh m.room.create event,
// which is self-authorising per spec.md 4.7: empty prev_events/auth_events.
func CreateEventBuilder(roomID, sender string, content json.RawMessage) *Builder {
	sk := ""
	return &Builder{
		RoomID:     roomID,
		Sender:     sender,
		Type:       "m.room.create",
		StateKey:   &sk,
		Content:    content,
		PrevEvents: []string{},
		AuthEvents: []string{},
		Depth:      1,
	}
}
