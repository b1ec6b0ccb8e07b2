package client

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-server/palpo/internal/eventcore"
)

func TestXMatrixRoundTrip(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keyPair := eventcore.KeyPair{KeyID: "ed25519:1", PrivateKey: priv}

	body := []byte(`{"pdus":[],"origin":"a.test"}`)
	header, err := SignRequest("a.test", keyPair, "PUT", "/_matrix/federation/v1/send/txn1", "b.test", body)
	require.NoError(t, err)

	auth, err := ParseXMatrix(header)
	require.NoError(t, err)
	assert.Equal(t, eventcore.ServerName("a.test"), auth.Origin)
	assert.Equal(t, eventcore.ServerName("b.test"), auth.Destination)
	assert.Equal(t, eventcore.KeyID("ed25519:1"), auth.KeyID)

	keys := eventcore.VerifyKeys{"a.test": {keyPair.KeyID: pub}}
	require.NoError(t, VerifyRequestSignature(auth, keys, "PUT", "/_matrix/federation/v1/send/txn1", body))

	// A different body invalidates the signature.
	err = VerifyRequestSignature(auth, keys, "PUT", "/_matrix/federation/v1/send/txn1", []byte(`{"pdus":[{}]}`))
	require.Error(t, err)

	// So does a different uri.
	err = VerifyRequestSignature(auth, keys, "PUT", "/_matrix/federation/v1/send/txn2", body)
	require.Error(t, err)
}

func TestParseXMatrixRejectsOtherSchemes(t *testing.T) {
	t.Parallel()

	_, err := ParseXMatrix("Bearer abcdef")
	require.Error(t, err)

	_, err = ParseXMatrix(`X-Matrix origin="a.test"`)
	require.Error(t, err)
}
