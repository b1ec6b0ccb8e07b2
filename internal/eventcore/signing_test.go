package eventcore

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (KeyPair, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return KeyPair{KeyID: "ed25519:a_test", PrivateKey: priv}, pub
}

func TestSignAndVerifyJSON(t *testing.T) {
	t.Parallel()

	keyPair, pub := testKeyPair(t)
	keys := VerifyKeys{
		"a.test": {keyPair.KeyID: pub},
	}

	signed, err := SignJSON("a.test", keyPair, []byte(`{"a":1,"b":"two"}`))
	require.NoError(t, err)

	require.NoError(t, VerifyJSON(keys, []ServerName{"a.test"}, signed))
}

func TestVerifyJSONMissingSignature(t *testing.T) {
	t.Parallel()

	_, pub := testKeyPair(t)
	keys := VerifyKeys{"a.test": {"ed25519:a_test": pub}}

	err := VerifyJSON(keys, []ServerName{"a.test"}, []byte(`{"a":1}`))
	var missing ErrMissingSignature
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, ServerName("a.test"), missing.Server)
}

func TestVerifyJSONWrongKey(t *testing.T) {
	t.Parallel()

	keyPair, _ := testKeyPair(t)
	_, otherPub := testKeyPair(t)
	keys := VerifyKeys{"a.test": {keyPair.KeyID: otherPub}}

	signed, err := SignJSON("a.test", keyPair, []byte(`{"a":1}`))
	require.NoError(t, err)

	err = VerifyJSON(keys, []ServerName{"a.test"}, signed)
	var invalid ErrInvalidSignature
	require.ErrorAs(t, err, &invalid)
}

func TestVerifyJSONUnknownKey(t *testing.T) {
	t.Parallel()

	keyPair, pub := testKeyPair(t)
	// The verifier knows the server but under a different key id.
	keys := VerifyKeys{"a.test": {"ed25519:other": pub}}

	signed, err := SignJSON("a.test", keyPair, []byte(`{"a":1}`))
	require.NoError(t, err)

	err = VerifyJSON(keys, []ServerName{"a.test"}, signed)
	var unknown ErrUnknownKey
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, keyPair.KeyID, unknown.KeyID)
}

// Signing must not cover unsigned: mutating it after signing leaves the
// signature valid.
func TestSignJSONIgnoresUnsigned(t *testing.T) {
	t.Parallel()

	keyPair, pub := testKeyPair(t)
	keys := VerifyKeys{"a.test": {keyPair.KeyID: pub}}

	signedA, err := SignJSON("a.test", keyPair, []byte(`{"a":1,"unsigned":{"age":5}}`))
	require.NoError(t, err)
	signedB, err := SignJSON("a.test", keyPair, []byte(`{"a":1,"unsigned":{"age":99999}}`))
	require.NoError(t, err)

	require.NoError(t, VerifyJSON(keys, []ServerName{"a.test"}, signedA))
	require.NoError(t, VerifyJSON(keys, []ServerName{"a.test"}, signedB))
}
