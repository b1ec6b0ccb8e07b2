package client

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/palpo-server/palpo/internal/eventcore"
)

// XMatrixAuth is one parsed Authorization: X-Matrix header (spec.md 6).
type XMatrixAuth struct {
	Origin      eventcore.ServerName
	Destination eventcore.ServerName
	KeyID       eventcore.KeyID
	Signature   string
}

// requestSigningPayload is the canonical object both sides sign: method,
// uri, origin, destination and the request body when present.
func requestSigningPayload(method, uri string, origin, destination eventcore.ServerName, content []byte) ([]byte, error) {
	payload := map[string]interface{}{
		"method":      method,
		"uri":         uri,
		"origin":      string(origin),
		"destination": string(destination),
	}
	if len(content) > 0 {
		payload["content"] = json.RawMessage(content)
	}
	return json.Marshal(payload)
}

// SignRequest produces the Authorization header value for an outbound
// federation request.
func SignRequest(origin eventcore.ServerName, keyPair eventcore.KeyPair, method, uri string, destination eventcore.ServerName, content []byte) (string, error) {
	payload, err := requestSigningPayload(method, uri, origin, destination, content)
	if err != nil {
		return "", err
	}
	signed, err := eventcore.SignJSON(origin, keyPair, payload)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err = json.Unmarshal(signed, &parsed); err != nil {
		return "", err
	}
	sig := parsed.Signatures[string(origin)][string(keyPair.KeyID)]
	return fmt.Sprintf(
		"X-Matrix origin=%q,destination=%q,key=%q,sig=%q",
		origin, destination, keyPair.KeyID, sig,
	), nil
}

// ParseXMatrix parses an Authorization header value.
func ParseXMatrix(header string) (*XMatrixAuth, error) {
	const scheme = "X-Matrix "
	if !strings.HasPrefix(header, scheme) {
		return nil, fmt.Errorf("client: not an X-Matrix authorization header")
	}
	auth := &XMatrixAuth{}
	for _, part := range strings.Split(header[len(scheme):], ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		value := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "origin":
			auth.Origin = eventcore.ServerName(value)
		case "destination":
			auth.Destination = eventcore.ServerName(value)
		case "key":
			auth.KeyID = eventcore.KeyID(value)
		case "sig":
			auth.Signature = value
		}
	}
	if auth.Origin == "" || auth.KeyID == "" || auth.Signature == "" {
		return nil, fmt.Errorf("client: incomplete X-Matrix authorization header")
	}
	return auth, nil
}

// VerifyRequestSignature reconstructs the signing payload for an inbound
// request and checks the header's signature against the origin's key.
func VerifyRequestSignature(auth *XMatrixAuth, keys eventcore.VerifyKeys, method, uri string, content []byte) error {
	payload, err := requestSigningPayload(method, uri, auth.Origin, auth.Destination, content)
	if err != nil {
		return err
	}
	withSig := map[string]interface{}{}
	if err = json.Unmarshal(payload, &withSig); err != nil {
		return err
	}
	withSig["signatures"] = map[string]map[string]string{
		string(auth.Origin): {string(auth.KeyID): auth.Signature},
	}
	signed, err := json.Marshal(withSig)
	if err != nil {
		return err
	}
	return eventcore.VerifyJSON(keys, []eventcore.ServerName{auth.Origin}, signed)
}
