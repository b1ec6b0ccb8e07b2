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

// Package keyring acquires, validates and caches remote servers' signing
// keys (spec.md 4.2), and verifies event signatures and content hashes
// against them.
package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/setup/config"
)

// KeyRequest names one (server, key_id) pair to acquire.
type KeyRequest struct {
	Server eventcore.ServerName
	KeyID  eventcore.KeyID
	// MinValidUntilTS is the origin_server_ts of the event being verified;
	// keys whose valid_until_ts covers it are acceptable even if expired
	// now (spec.md 4.2).
	MinValidUntilTS int64
}

// KeyClient is the transport the keyring fetches keys over; the federation
// client implements it.
type KeyClient interface {
	// GetServerKeys fetches /_matrix/key/v2/server from the server itself.
	GetServerKeys(ctx context.Context, server eventcore.ServerName) (json.RawMessage, error)
	// QueryNotaryKeys batch-queries a notary for other servers' keys via
	// POST /_matrix/key/v2/query.
	QueryNotaryKeys(ctx context.Context, notary eventcore.ServerName, req map[eventcore.ServerName][]eventcore.KeyID) ([]json.RawMessage, error)
}

// KeyStore is the durable side of the cache.
type KeyStore interface {
	SelectServerKey(ctx context.Context, server eventcore.ServerName, keyID eventcore.KeyID) (*caching.ServerKeyEntry, error)
	UpsertServerKey(ctx context.Context, server eventcore.ServerName, keyID eventcore.KeyID, entry caching.ServerKeyEntry) error
}

// Keyring resolves and caches server signing keys and verifies events.
type Keyring struct {
	Cfg    *config.FederationAPI
	Client KeyClient
	Store  KeyStore
	Caches caching.ServerKeyCache

	// group deduplicates concurrent acquisitions of the same key.
	group singleflight.Group
}

// NewKeyring builds a Keyring over the given transport and stores.
func NewKeyring(cfg *config.FederationAPI, client KeyClient, store KeyStore, caches caching.ServerKeyCache) *Keyring {
	return &Keyring{Cfg: cfg, Client: client, Store: store, Caches: caches}
}

// AcquirePubkeys resolves every requested key, from cache or the network,
// returning whatever could be obtained; missing entries mean the key is
// unobtainable right now.
func (k *Keyring) AcquirePubkeys(ctx context.Context, requests []KeyRequest) (map[KeyRequest]ed25519.PublicKey, error) {
	results := make(map[KeyRequest]ed25519.PublicKey, len(requests))
	var missing []KeyRequest
	for _, req := range sortedRequests(requests) {
		if entry, ok := k.cachedKey(ctx, req); ok {
			results[req] = entry
			continue
		}
		missing = append(missing, req)
	}
	if len(missing) == 0 {
		return results, nil
	}

	for _, req := range missing {
		req := req
		dedupKey := fmt.Sprintf("%s/%s", req.Server, req.KeyID)
		key, err, _ := k.group.Do(dedupKey, func() (interface{}, error) {
			return k.fetchKey(ctx, req)
		})
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"server": req.Server,
				"key_id": req.KeyID,
			}).Warn("Unable to acquire server key")
			continue
		}
		if pub, ok := key.(ed25519.PublicKey); ok && pub != nil {
			results[req] = pub
		}
	}
	return results, nil
}

// cachedKey consults the RAM tier then the durable tier.
func (k *Keyring) cachedKey(ctx context.Context, req KeyRequest) (ed25519.PublicKey, bool) {
	if entry, ok := k.Caches.GetServerKey(req.Server, req.KeyID, req.MinValidUntilTS); ok {
		return ed25519.PublicKey(entry.Key), true
	}
	if k.Store != nil {
		if entry, err := k.Store.SelectServerKey(ctx, req.Server, req.KeyID); err == nil && entry != nil {
			k.Caches.StoreServerKey(req.Server, req.KeyID, *entry)
			if entry.Valid(req.MinValidUntilTS) {
				return ed25519.PublicKey(entry.Key), true
			}
		}
	}
	return nil, false
}

// fetchKey runs the configured acquisition strategies in order
// (spec.md 4.2): direct, notary-first, or direct-then-notary.
func (k *Keyring) fetchKey(ctx context.Context, req KeyRequest) (ed25519.PublicKey, error) {
	switch k.Cfg.KeyFetchStrategy {
	case config.KeyFetchDirect:
		return k.fetchDirect(ctx, req)
	case config.KeyFetchNotaryFirst:
		if pub, err := k.fetchViaNotaries(ctx, req); err == nil {
			return pub, nil
		}
		return k.fetchDirect(ctx, req)
	default: // notary fallback
		if pub, err := k.fetchDirect(ctx, req); err == nil {
			return pub, nil
		}
		return k.fetchViaNotaries(ctx, req)
	}
}

func (k *Keyring) fetchDirect(ctx context.Context, req KeyRequest) (ed25519.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(k.Cfg.KeyRequestTimeoutMS)*time.Millisecond)
	defer cancel()
	raw, err := k.Client.GetServerKeys(ctx, req.Server)
	if err != nil {
		return nil, err
	}
	return k.acceptKeyResponse(ctx, req, raw, "")
}

func (k *Keyring) fetchViaNotaries(ctx context.Context, req KeyRequest) (ed25519.PublicKey, error) {
	var lastErr error = fmt.Errorf("keyring: no notary servers configured")
	for _, notary := range k.Cfg.NotaryServers {
		responses, err := k.Client.QueryNotaryKeys(ctx, eventcore.ServerName(notary),
			map[eventcore.ServerName][]eventcore.KeyID{req.Server: {req.KeyID}})
		if err != nil {
			lastErr = err
			continue
		}
		for _, raw := range responses {
			if pub, err := k.acceptKeyResponse(ctx, req, raw, eventcore.ServerName(notary)); err == nil {
				return pub, nil
			} else {
				lastErr = err
			}
		}
	}
	return nil, lastErr
}

// serverKeyResponse is the wire shape of /_matrix/key/v2/server.
type serverKeyResponse struct {
	ServerName   eventcore.ServerName `json:"server_name"`
	ValidUntilTS int64                `json:"valid_until_ts"`
	VerifyKeys   map[eventcore.KeyID]struct {
		Key string `json:"key"`
	} `json:"verify_keys"`
	OldVerifyKeys map[eventcore.KeyID]struct {
		Key       string `json:"key"`
		ExpiredTS int64  `json:"expired_ts"`
	} `json:"old_verify_keys"`
}

// acceptKeyResponse validates a key response: it must be signed by the
// originating server with a key the response itself contains, and by the
// notary when one relayed it (spec.md 4.2 step 3). Accepted keys are
// stored with their validity window.
func (k *Keyring) acceptKeyResponse(ctx context.Context, req KeyRequest, raw json.RawMessage, notary eventcore.ServerName) (ed25519.PublicKey, error) {
	var response serverKeyResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("keyring: malformed key response: %w", err)
	}
	if response.ServerName != req.Server {
		return nil, fmt.Errorf("keyring: key response for %q, wanted %q", response.ServerName, req.Server)
	}

	// Build the verification set from the response itself: the response
	// must be self-signed by one of the keys it asserts.
	keys := eventcore.VerifyKeys{response.ServerName: {}}
	for keyID, vk := range response.VerifyKeys {
		decoded, err := decodeBase64Key(vk.Key)
		if err != nil {
			return nil, err
		}
		keys[response.ServerName][keyID] = decoded
	}
	required := []eventcore.ServerName{response.ServerName}
	if notary != "" && notary != response.ServerName {
		// Notary signatures are checked against the notary's own keys; the
		// response is refused when those cannot be obtained.
		notaryKeys, ok := k.knownKeysFor(ctx, notary)
		if !ok {
			return nil, fmt.Errorf("keyring: no keys for notary %q to check its signature", notary)
		}
		keys[notary] = notaryKeys
		required = append(required, notary)
	}
	if err := eventcore.VerifyJSON(keys, required, raw); err != nil {
		return nil, fmt.Errorf("keyring: key response signature: %w", err)
	}

	var result ed25519.PublicKey
	for keyID, vk := range response.VerifyKeys {
		decoded, _ := decodeBase64Key(vk.Key)
		entry := caching.ServerKeyEntry{Key: decoded, ValidUntilTS: response.ValidUntilTS}
		k.storeKey(ctx, response.ServerName, keyID, entry)
		if keyID == req.KeyID && entry.Valid(req.MinValidUntilTS) {
			result = decoded
		}
	}
	for keyID, vk := range response.OldVerifyKeys {
		decoded, err := decodeBase64Key(vk.Key)
		if err != nil {
			continue
		}
		entry := caching.ServerKeyEntry{Key: decoded, ValidUntilTS: vk.ExpiredTS, ExpiredTS: vk.ExpiredTS}
		k.storeKey(ctx, response.ServerName, keyID, entry)
		if keyID == req.KeyID && entry.Valid(req.MinValidUntilTS) {
			result = decoded
		}
	}
	if result == nil {
		return nil, fmt.Errorf("keyring: response from %s does not contain usable key %s", req.Server, req.KeyID)
	}
	return result, nil
}

func (k *Keyring) storeKey(ctx context.Context, server eventcore.ServerName, keyID eventcore.KeyID, entry caching.ServerKeyEntry) {
	k.Caches.StoreServerKey(server, keyID, entry)
	if k.Store != nil {
		if err := k.Store.UpsertServerKey(ctx, server, keyID, entry); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"server": server,
				"key_id": keyID,
			}).Warn("Unable to store server key")
		}
	}
}

// knownKeysFor returns the notary's own signing keys for notary signature
// checks, fetching its self-signed key response directly. Notaries are
// configured and long-lived so this is rare.
func (k *Keyring) knownKeysFor(ctx context.Context, server eventcore.ServerName) (map[eventcore.KeyID]ed25519.PublicKey, bool) {
	raw, err := k.Client.GetServerKeys(ctx, server)
	if err != nil {
		return nil, false
	}
	var response serverKeyResponse
	if err = json.Unmarshal(raw, &response); err != nil || response.ServerName != server {
		return nil, false
	}
	keys := map[eventcore.KeyID]ed25519.PublicKey{}
	for keyID, vk := range response.VerifyKeys {
		if decoded, derr := decodeBase64Key(vk.Key); derr == nil {
			keys[keyID] = decoded
		}
	}
	if err = eventcore.VerifyJSON(eventcore.VerifyKeys{server: keys}, []eventcore.ServerName{server}, raw); err != nil {
		return nil, false
	}
	for keyID, pub := range keys {
		k.storeKey(ctx, server, keyID, caching.ServerKeyEntry{Key: pub, ValidUntilTS: response.ValidUntilTS})
	}
	return keys, true
}

func decodeBase64Key(s string) (ed25519.PublicKey, error) {
	decoded, err := eventcore.UnpaddedBase64Decode(s)
	if err != nil {
		return nil, fmt.Errorf("keyring: bad base64 key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keyring: key has wrong length %d", len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// sortedRequests gives deterministic iteration for tests.
func sortedRequests(reqs []KeyRequest) []KeyRequest {
	out := append([]KeyRequest{}, reqs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].KeyID < out[j].KeyID
	})
	return out
}
