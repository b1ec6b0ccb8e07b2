package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/palpo-server/palpo/internal/eventcore"
)

// VerifyEvent checks an event's content hash and the signatures required of
// it: the sender's server, plus the origin server when different
// (spec.md 4.7 step 4). It implements the roomserver's EventVerifier.
func (k *Keyring) VerifyEvent(ctx context.Context, event *eventcore.PDU) error {
	if err := verifyContentHash(event); err != nil {
		return err
	}

	required := map[eventcore.ServerName]struct{}{}
	if server, ok := domainOf(event.Sender()); ok {
		required[server] = struct{}{}
	}
	if origin := event.Origin(); origin != "" {
		required[eventcore.ServerName(origin)] = struct{}{}
	}
	if len(required) == 0 {
		return fmt.Errorf("keyring: event %s has no identifiable signing server", event.EventID())
	}

	// Collect the key ids each server actually signed with, then acquire
	// exactly those keys.
	var sigs struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(event.JSON(), &sigs); err != nil {
		return err
	}
	var requests []KeyRequest
	for server := range required {
		for keyID := range sigs.Signatures[string(server)] {
			requests = append(requests, KeyRequest{
				Server:          server,
				KeyID:           eventcore.KeyID(keyID),
				MinValidUntilTS: event.OriginServerTS(),
			})
		}
	}
	acquired, err := k.AcquirePubkeys(ctx, requests)
	if err != nil {
		return err
	}

	keys := eventcore.VerifyKeys{}
	for req, pub := range acquired {
		if keys[req.Server] == nil {
			keys[req.Server] = map[eventcore.KeyID]ed25519.PublicKey{}
		}
		keys[req.Server][req.KeyID] = pub
	}
	servers := make([]eventcore.ServerName, 0, len(required))
	for server := range required {
		servers = append(servers, server)
	}
	return eventcore.VerifyJSON(keys, servers, event.JSON())
}

// verifyContentHash recomputes the sha256 content hash and compares it to
// the hashes field.
func verifyContentHash(event *eventcore.PDU) error {
	var withHashes struct {
		Hashes struct {
			SHA256 string `json:"sha256"`
		} `json:"hashes"`
	}
	if err := json.Unmarshal(event.JSON(), &withHashes); err != nil {
		return err
	}
	if withHashes.Hashes.SHA256 == "" {
		return fmt.Errorf("keyring: event %s has no content hash", event.EventID())
	}
	computed, err := eventcore.ContentHash(event.JSON())
	if err != nil {
		return err
	}
	if computed != withHashes.Hashes.SHA256 {
		return fmt.Errorf("keyring: content hash mismatch on %s", event.EventID())
	}
	return nil
}

func domainOf(userID string) (eventcore.ServerName, bool) {
	i := strings.IndexByte(userID, ':')
	if i < 0 {
		return "", false
	}
	return eventcore.ServerName(userID[i+1:]), true
}
