package eventcore

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// ServerName identifies a homeserver by its DNS name or IP, optionally with
// a port, as used in identifiers and the X-Matrix auth scheme.
type ServerName string

// KeyID is "algorithm:version", e.g. "ed25519:a_1".
type KeyID string

// KeyPair is a server's signing identity: the key id it signs under and the
// Ed25519 private key material.
type KeyPair struct {
	KeyID      KeyID
	PrivateKey ed25519.PrivateKey
}

// PublicKey pairs a KeyID with the Ed25519 public key bytes, as returned by
// the server-key cache and embedded in signed key responses.
type PublicKey struct {
	KeyID     KeyID
	PublicKey ed25519.PublicKey
}

// VerifyKeys is the shape acquire_pubkeys hands to verify_json: every known
// public key for a server, keyed by key id.
type VerifyKeys map[ServerName]map[KeyID]ed25519.PublicKey

// Failure kinds for signature handling (spec.md 4.1).
type (
	// ErrMissingSignature is returned when an object lacks a signature from
	// a server verify_json was asked to check.
	ErrMissingSignature struct{ Server ServerName }
	// ErrInvalidSignature is returned when a present signature does not
	// verify against the known public key.
	ErrInvalidSignature struct {
		Server ServerName
		KeyID  KeyID
	}
	// ErrUnknownKey is returned when verify_json is asked to check a
	// signature under a key id it has no public key for.
	ErrUnknownKey struct {
		Server ServerName
		KeyID  KeyID
	}
)

func (e ErrMissingSignature) Error() string {
	return fmt.Sprintf("eventcore: missing signature from %s", e.Server)
}
func (e ErrInvalidSignature) Error() string {
	return fmt.Sprintf("eventcore: invalid signature from %s using key %s", e.Server, e.KeyID)
}
func (e ErrUnknownKey) Error() string {
	return fmt.Sprintf("eventcore: unknown key %s for server %s", e.KeyID, e.Server)
}

// stripForSigning removes signatures and unsigned before canonicalising, as
// required before both signing and hashing: a signature can't cover itself,
// and unsigned metadata is never authenticated.
func stripForSigning(obj map[string]interface{}) map[string]interface{} {
	stripped := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if k == "signatures" || k == "unsigned" {
			continue
		}
		stripped[k] = v
	}
	return stripped
}

// SignJSON signs obj's canonical form with keyPair and returns a copy of obj
// with signatures[serverName][keyPair.KeyID] set. obj must unmarshal into a
// JSON object.
func SignJSON(serverName ServerName, keyPair KeyPair, obj []byte) ([]byte, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal(obj, &parsed); err != nil {
		return nil, ErrBadJSON{Reason: err.Error()}
	}

	toSignMap := stripForSigning(parsed)
	toSign, err := json.Marshal(toSignMap)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(toSign)
	if err != nil {
		return nil, err
	}

	sig := ed25519.Sign(keyPair.PrivateKey, canonical)
	sigB64 := unpaddedBase64(sig)

	sigs, _ := parsed["signatures"].(map[string]interface{})
	if sigs == nil {
		sigs = map[string]interface{}{}
	}
	serverSigs, _ := sigs[string(serverName)].(map[string]interface{})
	if serverSigs == nil {
		serverSigs = map[string]interface{}{}
	}
	serverSigs[string(keyPair.KeyID)] = sigB64
	sigs[string(serverName)] = serverSigs
	parsed["signatures"] = sigs

	return json.Marshal(parsed)
}

// VerifyJSON checks that obj carries a valid signature from every server in
// requiredServers under some key known in keys. It returns the first
// failure encountered.
func VerifyJSON(keys VerifyKeys, requiredServers []ServerName, obj []byte) error {
	var parsed map[string]interface{}
	if err := json.Unmarshal(obj, &parsed); err != nil {
		return ErrBadJSON{Reason: err.Error()}
	}

	toSignMap := stripForSigning(parsed)
	toSign, err := json.Marshal(toSignMap)
	if err != nil {
		return err
	}
	canonical, err := CanonicalJSON(toSign)
	if err != nil {
		return err
	}

	sigsRaw, _ := parsed["signatures"].(map[string]interface{})
	for _, server := range requiredServers {
		serverSigsRaw, ok := sigsRaw[string(server)].(map[string]interface{})
		if !ok || len(serverSigsRaw) == 0 {
			return ErrMissingSignature{Server: server}
		}
		serverKeys := keys[server]
		verified := false
		var lastErr error = ErrMissingSignature{Server: server}
		for keyIDStr, sigValue := range serverSigsRaw {
			keyID := KeyID(keyIDStr)
			pub, known := serverKeys[keyID]
			if !known {
				lastErr = ErrUnknownKey{Server: server, KeyID: keyID}
				continue
			}
			sigStr, _ := sigValue.(string)
			sigBytes, derr := unpaddedBase64Decode(sigStr)
			if derr != nil {
				lastErr = ErrInvalidSignature{Server: server, KeyID: keyID}
				continue
			}
			if ed25519.Verify(pub, canonical, sigBytes) {
				verified = true
				break
			}
			lastErr = ErrInvalidSignature{Server: server, KeyID: keyID}
		}
		if !verified {
			return lastErr
		}
	}
	return nil
}
