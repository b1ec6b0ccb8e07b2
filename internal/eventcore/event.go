package eventcore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"
)

// EventReference is an event-id together with its content hash, used where
// room versions still carry explicit event references (v1/v2 prev_events
// and auth_events entries).
type EventReference struct {
	EventID string
	SHA256  []byte
}

// StateKeyTuple identifies one slot of room state: the pair an
// (event_type, state_key) maps a field_id to in the state compressor
// (spec.md 3, "State frame").
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// fields is the subset of a PDU's top-level JSON keys that palpo reads
// directly rather than through Content. unsigned, signatures and hashes are
// handled separately because they participate in hashing/signing rules.
type fields struct {
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Origin         string          `json:"origin,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	Depth          int64           `json:"depth"`
	Redacts        string          `json:"redacts,omitempty"`
	Hashes         json.RawMessage `json:"hashes,omitempty"`
	Signatures     json.RawMessage `json:"signatures,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	EventID        string          `json:"event_id,omitempty"`
}

// PDU is a parsed room event. It is immutable after construction except for
// the bookkeeping the event store layers on top (soft_failed,
// rejection_reason, redacted) — see spec.md 3, "Lifecycles".
type PDU struct {
	roomVersion RoomVersion
	raw         []byte // canonical JSON as received/built, including event_id for v1/v2
	eventID     string
	f           fields
}

// RoomVersion returns the room version this PDU was parsed/built under.
func (p *PDU) RoomVersion() RoomVersion { return p.roomVersion }

// EventID returns the event's id: for v3+ this is the reference hash
// computed at parse/build time; for v1/v2 it is whatever was on the wire.
func (p *PDU) EventID() string { return p.eventID }

func (p *PDU) RoomID() string            { return p.f.RoomID }
func (p *PDU) Sender() string            { return p.f.Sender }
func (p *PDU) Origin() string            { return p.f.Origin }
func (p *PDU) OriginServerTS() int64     { return p.f.OriginServerTS }
func (p *PDU) Type() string              { return p.f.Type }
func (p *PDU) StateKey() *string         { return p.f.StateKey }
func (p *PDU) Content() json.RawMessage  { return p.f.Content }
func (p *PDU) PrevEventIDs() []string    { return p.f.PrevEvents }
func (p *PDU) AuthEventIDs() []string    { return p.f.AuthEvents }
func (p *PDU) Depth() int64              { return p.f.Depth }
func (p *PDU) Redacts() string           { return p.f.Redacts }
func (p *PDU) Unsigned() json.RawMessage { return p.f.Unsigned }
func (p *PDU) JSON() []byte              { return p.raw }

// IsState reports whether this PDU is a state event.
func (p *PDU) IsState() bool { return p.f.StateKey != nil }

// StateKeyTuple returns the (type, state_key) this event contributes to
// room state. Only valid when IsState() is true.
func (p *PDU) StateKeyTuple() StateKeyTuple {
	sk := ""
	if p.f.StateKey != nil {
		sk = *p.f.StateKey
	}
	return StateKeyTuple{EventType: p.f.Type, StateKey: sk}
}

// NewPDUFromTrustedJSON parses canonical JSON that has already been through
// verification (or originates locally) into a PDU, computing the event id
// per the room version's EventIDFormat. For v1/v2 the event_id must already
// be present on the wire; for v3+ it is derived and must NOT be present.
func NewPDUFromTrustedJSON(raw []byte, roomVersion RoomVersion) (*PDU, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, ErrBadJSON{Reason: err.Error()}
	}
	if f.RoomID == "" {
		return nil, ErrBadJSON{Reason: "missing room_id"}
	}
	if f.OriginServerTS == 0 {
		return nil, ErrBadJSON{Reason: "missing origin_server_ts"}
	}

	p := &PDU{roomVersion: roomVersion, raw: raw, f: f}

	switch roomVersion.EventIDFormat() {
	case EventIDFormatV1:
		if f.EventID == "" {
			return nil, ErrBadJSON{Reason: "room version requires an explicit event_id"}
		}
		p.eventID = f.EventID
	default:
		hash, err := ReferenceHash(raw, roomVersion)
		if err != nil {
			return nil, err
		}
		p.eventID = "$" + hash
	}
	return p, nil
}

// ReferenceHash computes the content-addressed event id body (without the
// leading "$") per spec.md 4.1: strip unsigned, signatures, and (v3+)
// event_id, canonicalise, SHA-256, unpadded-base64url.
func ReferenceHash(raw []byte, roomVersion RoomVersion) (string, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", ErrBadJSON{Reason: err.Error()}
	}
	delete(parsed, "unsigned")
	delete(parsed, "signatures")
	if roomVersion.EventIDFormat() == EventIDFormatV3 {
		delete(parsed, "event_id")
	}
	bytesToHash, err := json.Marshal(parsed)
	if err != nil {
		return "", err
	}
	canonical, err := CanonicalJSON(bytesToHash)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return base64URLNoPad(sum[:]), nil
}

// ContentHash computes the SHA-256 over the full canonical JSON of the
// event (still excluding unsigned/signatures/hashes themselves, as those
// can't hash themselves), for the hashes.sha256 field.
func ContentHash(raw []byte) (string, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", ErrBadJSON{Reason: err.Error()}
	}
	delete(parsed, "unsigned")
	delete(parsed, "signatures")
	delete(parsed, "hashes")
	toHash, err := json.Marshal(parsed)
	if err != nil {
		return "", err
	}
	canonical, err := CanonicalJSON(toHash)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return unpaddedBase64(sum[:]), nil
}

func base64URLNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// SortedCopy returns auth_events/prev_events sorted for deterministic
// comparisons (used by auth-chain dedup), without mutating the PDU.
func SortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
