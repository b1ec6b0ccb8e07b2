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

// Package client is the outbound federation HTTP client: it constructs
// X-Matrix-signed requests and speaks the endpoints the core needs
// (spec.md 6, "Federation HTTP").
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/setup/config"
)

// FederationClient performs signed requests against remote homeservers. It
// implements keyring.KeyClient and the roomserver's MissingEventFetcher
// and Backfiller interfaces.
type FederationClient struct {
	Cfg     *config.FederationAPI
	Origin  eventcore.ServerName
	KeyPair eventcore.KeyPair

	client *http.Client
}

// NewFederationClient builds a client with the configured timeouts.
func NewFederationClient(cfg *config.FederationAPI, origin eventcore.ServerName, keyPair eventcore.KeyPair) *FederationClient {
	transport := http.DefaultTransport
	if cfg.DisableTLSValidation {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &FederationClient{
		Cfg:     cfg,
		Origin:  origin,
		KeyPair: keyPair,
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.RemoteCallTimeoutMS) * time.Millisecond,
		},
	}
}

// RemoteError carries a federation 4xx/5xx with the remote's error body,
// surfaced to admin tooling (spec.md 7).
type RemoteError struct {
	Destination eventcore.ServerName
	StatusCode  int
	Errcode     string
	Err         string
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("client: %s returned %d %s: %s", e.Destination, e.StatusCode, e.Errcode, e.Err)
}

// Retryable reports whether the failure should reschedule rather than drop
// (spec.md 4.10: 5xx and 429 retry, other 4xx drop).
func (e RemoteError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// doRequest performs one signed federation request and decodes the JSON
// response into out when non-nil.
func (c *FederationClient) doRequest(ctx context.Context, destination eventcore.ServerName, method, path string, body, out interface{}) error {
	var content []byte
	var err error
	if body != nil {
		if content, err = json.Marshal(body); err != nil {
			return err
		}
	}
	authHeader, err := SignRequest(c.Origin, c.KeyPair, method, path, destination, content)
	if err != nil {
		return err
	}

	// path is already escaped and may carry a query string.
	requestURL, err := url.Parse("https://" + string(destination) + path)
	if err != nil {
		return err
	}
	var reader io.Reader
	if content != nil {
		reader = bytes.NewReader(content)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authHeader)
	if content != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remoteErr := RemoteError{Destination: destination, StatusCode: resp.StatusCode}
		var envelope struct {
			Errcode string `json:"errcode"`
			Err     string `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil {
			remoteErr.Errcode = envelope.Errcode
			remoteErr.Err = envelope.Err
		}
		return remoteErr
	}
	if out != nil {
		if err = json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("client: decoding response from %s: %w", destination, err)
		}
	}
	return nil
}

// GetServerKeys implements keyring.KeyClient.
func (c *FederationClient) GetServerKeys(ctx context.Context, server eventcore.ServerName) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.doRequest(ctx, server, http.MethodGet, "/_matrix/key/v2/server", nil, &raw)
	return raw, err
}

// QueryNotaryKeys implements keyring.KeyClient.
func (c *FederationClient) QueryNotaryKeys(ctx context.Context, notary eventcore.ServerName, req map[eventcore.ServerName][]eventcore.KeyID) ([]json.RawMessage, error) {
	criteria := map[string]map[string]struct{}{}
	for server, keyIDs := range req {
		criteria[string(server)] = map[string]struct{}{}
		for _, keyID := range keyIDs {
			criteria[string(server)][string(keyID)] = struct{}{}
		}
	}
	body := map[string]interface{}{"server_keys": criteria}
	var response struct {
		ServerKeys []json.RawMessage `json:"server_keys"`
	}
	if err := c.doRequest(ctx, notary, http.MethodPost, "/_matrix/key/v2/query", body, &response); err != nil {
		return nil, err
	}
	return response.ServerKeys, nil
}

// FetchEvent implements the roomserver's MissingEventFetcher via
// GET /event/{id}.
func (c *FederationClient) FetchEvent(ctx context.Context, from eventcore.ServerName, roomVersion eventcore.RoomVersion, eventID string) (*eventcore.PDU, error) {
	var response struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	path := "/_matrix/federation/v1/event/" + url.PathEscape(eventID)
	if err := c.doRequest(ctx, from, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	if len(response.PDUs) == 0 {
		return nil, fmt.Errorf("client: %s returned no event for %s", from, eventID)
	}
	canonical, err := eventcore.CanonicalJSON(response.PDUs[0])
	if err != nil {
		return nil, err
	}
	return eventcore.NewPDUFromTrustedJSON(canonical, roomVersion)
}

// FetchStateIDs implements the roomserver's MissingEventFetcher via
// GET /state_ids.
func (c *FederationClient) FetchStateIDs(ctx context.Context, from eventcore.ServerName, roomID, eventID string) ([]string, []string, error) {
	var response struct {
		PDUIDs       []string `json:"pdu_ids"`
		AuthChainIDs []string `json:"auth_chain_ids"`
	}
	path := "/_matrix/federation/v1/state_ids/" + url.PathEscape(roomID) + "?event_id=" + url.QueryEscape(eventID)
	if err := c.doRequest(ctx, from, http.MethodGet, path, nil, &response); err != nil {
		return nil, nil, err
	}
	return response.PDUIDs, response.AuthChainIDs, nil
}

// Backfill implements the roomserver's Backfiller via GET /backfill.
func (c *FederationClient) Backfill(ctx context.Context, from eventcore.ServerName, roomID string, eventIDs []string, limit int) ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.Cfg.BackfillTimeoutMS)*time.Millisecond)
	defer cancel()

	values := url.Values{"limit": []string{fmt.Sprintf("%d", limit)}}
	for _, id := range eventIDs {
		values.Add("v", id)
	}
	path := "/_matrix/federation/v1/backfill/" + url.PathEscape(roomID) + "?" + values.Encode()
	var response struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	if err := c.doRequest(ctx, from, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	return response.PDUs, nil
}

// Transaction is the body of PUT /send/{txnId} (spec.md 6).
type Transaction struct {
	Origin         eventcore.ServerName `json:"origin"`
	OriginServerTS int64                `json:"origin_server_ts"`
	PDUs           []json.RawMessage    `json:"pdus"`
	EDUs           []json.RawMessage    `json:"edus,omitempty"`
}

// TransactionResponse is the per-event outcome map.
type TransactionResponse struct {
	PDUs map[string]struct {
		Error string `json:"error,omitempty"`
	} `json:"pdus"`
}

// SendTransaction delivers one batched transaction (spec.md 4.10).
func (c *FederationClient) SendTransaction(ctx context.Context, destination eventcore.ServerName, txnID string, txn *Transaction) (*TransactionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.Cfg.SendTransactionTimeoutMS)*time.Millisecond)
	defer cancel()

	var response TransactionResponse
	path := "/_matrix/federation/v1/send/" + url.PathEscape(txnID)
	if err := c.doRequest(ctx, destination, http.MethodPut, path, txn, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// SendInvite delivers an invite event to the invitee's server via
// PUT /invite/{room}/{event}, returning the event with the remote's
// signatures added (spec.md 8, scenario 2).
func (c *FederationClient) SendInvite(ctx context.Context, destination eventcore.ServerName, roomID, eventID string, roomVersion eventcore.RoomVersion, event json.RawMessage, strippedState []json.RawMessage) (json.RawMessage, error) {
	body := map[string]interface{}{
		"event":        event,
		"room_version": string(roomVersion),
	}
	if len(strippedState) > 0 {
		body["invite_room_state"] = strippedState
	}
	var response struct {
		Event json.RawMessage `json:"event"`
	}
	path := "/_matrix/federation/v1/invite/" + url.PathEscape(roomID) + "/" + url.PathEscape(eventID)
	if err := c.doRequest(ctx, destination, http.MethodPut, path, body, &response); err != nil {
		return nil, err
	}
	return response.Event, nil
}
