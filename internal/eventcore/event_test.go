package eventcore

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestEvent(t *testing.T, b *Builder, version RoomVersion) *PDU {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keyPair := KeyPair{KeyID: "ed25519:1", PrivateKey: priv}
	pdu, err := b.Build(time.UnixMilli(1700000000000), "a.test", keyPair, version)
	require.NoError(t, err)
	return pdu
}

func TestBuildCreateEvent(t *testing.T) {
	t.Parallel()

	b := CreateEventBuilder("!room:a.test", "@alice:a.test", json.RawMessage(`{"room_version":"10"}`))
	pdu := buildTestEvent(t, b, RoomVersionV10)

	assert.Equal(t, "m.room.create", pdu.Type())
	assert.Empty(t, pdu.PrevEventIDs())
	assert.Empty(t, pdu.AuthEventIDs())
	require.NotNil(t, pdu.StateKey())
	assert.Equal(t, "", *pdu.StateKey())
	assert.True(t, pdu.IsState())
	assert.Equal(t, int64(1), pdu.Depth())
	require.NotEmpty(t, pdu.EventID())
	assert.Equal(t, byte('$'), pdu.EventID()[0])
}

// Reference hash determinism: two events that differ only in unsigned and
// signatures produce the same event id; changing content changes it.
func TestReferenceHashDeterminism(t *testing.T) {
	t.Parallel()

	base := `{"room_id":"!r:a.test","sender":"@u:a.test","origin_server_ts":1,"type":"m.x","content":{"a":1},"prev_events":[],"auth_events":[],"depth":1`

	hashA, err := ReferenceHash([]byte(base+`}`), RoomVersionV10)
	require.NoError(t, err)
	hashB, err := ReferenceHash([]byte(base+`,"unsigned":{"age":4},"signatures":{"a.test":{"ed25519:1":"xx"}}}`), RoomVersionV10)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)

	hashC, err := ReferenceHash([]byte(`{"room_id":"!r:a.test","sender":"@u:a.test","origin_server_ts":1,"type":"m.x","content":{"a":2},"prev_events":[],"auth_events":[],"depth":1}`), RoomVersionV10)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashC)
}

func TestNewPDUFromTrustedJSONRequiresFields(t *testing.T) {
	t.Parallel()

	_, err := NewPDUFromTrustedJSON([]byte(`{"sender":"@u:a.test","origin_server_ts":1,"type":"m.x"}`), RoomVersionV10)
	var badJSON ErrBadJSON
	require.ErrorAs(t, err, &badJSON)

	_, err = NewPDUFromTrustedJSON([]byte(`{"room_id":"!r:a.test","sender":"@u:a.test","type":"m.x"}`), RoomVersionV10)
	require.ErrorAs(t, err, &badJSON)
}

func TestV1EventIDIsOpaque(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"event_id":"$abc:a.test","room_id":"!r:a.test","sender":"@u:a.test","origin_server_ts":1,"type":"m.x","content":{},"prev_events":[],"auth_events":[],"depth":1}`)
	pdu, err := NewPDUFromTrustedJSON(raw, RoomVersionV1)
	require.NoError(t, err)
	assert.Equal(t, "$abc:a.test", pdu.EventID())

	// v1 without an explicit event_id is malformed.
	rawNoID := []byte(`{"room_id":"!r:a.test","sender":"@u:a.test","origin_server_ts":1,"type":"m.x","content":{},"prev_events":[],"auth_events":[],"depth":1}`)
	_, err = NewPDUFromTrustedJSON(rawNoID, RoomVersionV1)
	var badJSON ErrBadJSON
	require.ErrorAs(t, err, &badJSON)
}

func TestBuiltEventVerifies(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keyPair := KeyPair{KeyID: "ed25519:1", PrivateKey: priv}
	pub := priv.Public().(ed25519.PublicKey)

	sk := ""
	b := &Builder{
		RoomID:   "!room:a.test",
		Sender:   "@alice:a.test",
		Type:     "m.room.name",
		StateKey: &sk,
		Content:  json.RawMessage(`{"name":"general"}`),
		Depth:    3,
	}
	pdu, err := b.Build(time.UnixMilli(1700000000000), "a.test", keyPair, RoomVersionV10)
	require.NoError(t, err)

	keys := VerifyKeys{"a.test": {keyPair.KeyID: pub}}
	require.NoError(t, VerifyJSON(keys, []ServerName{"a.test"}, pdu.JSON()))

	// The content hash recorded in hashes.sha256 matches a recomputation.
	var withHashes struct {
		Hashes struct {
			SHA256 string `json:"sha256"`
		} `json:"hashes"`
	}
	require.NoError(t, json.Unmarshal(pdu.JSON(), &withHashes))
	recomputed, err := ContentHash(pdu.JSON())
	require.NoError(t, err)
	assert.Equal(t, withHashes.Hashes.SHA256, recomputed)
}

func TestRedactEventStripsContent(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"room_id":"!r:a.test","sender":"@u:a.test","origin_server_ts":1,"type":"m.room.message","content":{"body":"secret","msgtype":"m.text"},"prev_events":[],"auth_events":[],"depth":2,"unsigned":{"age":1}}`)
	pdu, err := NewPDUFromTrustedJSON(raw, RoomVersionV10)
	require.NoError(t, err)

	redacted, err := RedactEvent(pdu)
	require.NoError(t, err)

	assert.Equal(t, pdu.EventID(), redacted.EventID())
	assert.JSONEq(t, `{}`, string(redacted.Content()))
	assert.Nil(t, redacted.Unsigned())
}

func TestRedactEventKeepsAllowedKeys(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"room_id":"!r:a.test","sender":"@u:a.test","origin_server_ts":1,"type":"m.room.member","state_key":"@u:a.test","content":{"membership":"join","displayname":"U","join_authorised_via_users_server":"@mod:a.test"},"prev_events":[],"auth_events":[],"depth":2}`)

	// v9+ keeps join_authorised_via_users_server, earlier versions do not.
	pdu9, err := NewPDUFromTrustedJSON(raw, RoomVersionV9)
	require.NoError(t, err)
	redacted9, err := RedactEvent(pdu9)
	require.NoError(t, err)
	assert.JSONEq(t, `{"membership":"join","join_authorised_via_users_server":"@mod:a.test"}`, string(redacted9.Content()))

	pdu6, err := NewPDUFromTrustedJSON(raw, RoomVersionV6)
	require.NoError(t, err)
	redacted6, err := RedactEvent(pdu6)
	require.NoError(t, err)
	assert.JSONEq(t, `{"membership":"join"}`, string(redacted6.Content()))
}
