// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package postgres is the PostgreSQL federation sender storage backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/palpo-server/palpo/federationapi/storage/shared"
	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/types"
	"github.com/palpo-server/palpo/setup/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS federationsender_queue_pdus (
    destination TEXT NOT NULL,
    event_sn BIGINT NOT NULL,
    PRIMARY KEY (destination, event_sn)
);

CREATE SEQUENCE IF NOT EXISTS federationsender_edu_nid_seq;

CREATE TABLE IF NOT EXISTS federationsender_queue_edus (
    edu_nid BIGINT NOT NULL DEFAULT nextval('federationsender_edu_nid_seq'),
    destination TEXT NOT NULL,
    edu_type TEXT NOT NULL,
    edu_json TEXT NOT NULL,
    PRIMARY KEY (destination, edu_nid)
);

CREATE TABLE IF NOT EXISTS federationsender_retry_state (
    destination TEXT PRIMARY KEY,
    retry_at BIGINT NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    blacklisted BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS federationsender_server_keys (
    server_name TEXT NOT NULL,
    key_id TEXT NOT NULL,
    verify_key BYTEA NOT NULL,
    valid_until_ts BIGINT NOT NULL,
    expired_ts BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (server_name, key_id)
);
`

// Database implements shared.Database on postgres.
type Database struct {
	db *sql.DB
}

// Open connects and ensures the schema.
func Open(dbOpts *config.DatabaseOptions) (*Database, error) {
	db, err := sql.Open("postgres", dbOpts.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: opening federation database: %w", err)
	}
	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("postgres: creating federation schema: %w", err)
	}
	return &Database{db: db}, nil
}

func (d *Database) AssociatePDUWithDestinations(ctx context.Context, destinations []eventcore.ServerName, eventSN types.EventSN) error {
	for _, destination := range destinations {
		if _, err := d.db.ExecContext(ctx,
			"INSERT INTO federationsender_queue_pdus (destination, event_sn) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			string(destination), eventSN,
		); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) GetPendingPDUs(ctx context.Context, destination eventcore.ServerName, limit int) ([]types.EventSN, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT event_sn FROM federationsender_queue_pdus WHERE destination = $1 ORDER BY event_sn ASC LIMIT $2",
		string(destination), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.EventSN
	for rows.Next() {
		var sn int64
		if err = rows.Scan(&sn); err != nil {
			return nil, err
		}
		out = append(out, types.EventSN(sn))
	}
	return out, rows.Err()
}

func (d *Database) CleanPDUs(ctx context.Context, destination eventcore.ServerName, eventSNs []types.EventSN) error {
	asInt64 := make(pq.Int64Array, len(eventSNs))
	for i, sn := range eventSNs {
		asInt64[i] = int64(sn)
	}
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM federationsender_queue_pdus WHERE destination = $1 AND event_sn = ANY($2)",
		string(destination), asInt64,
	)
	return err
}

func (d *Database) AssociateEDUWithDestinations(ctx context.Context, destinations []eventcore.ServerName, eduType string, eduJSON []byte) (int64, error) {
	var nid int64
	first := true
	for _, destination := range destinations {
		if first {
			err := d.db.QueryRowContext(ctx,
				"INSERT INTO federationsender_queue_edus (destination, edu_type, edu_json) VALUES ($1, $2, $3) RETURNING edu_nid",
				string(destination), eduType, string(eduJSON),
			).Scan(&nid)
			if err != nil {
				return 0, err
			}
			first = false
			continue
		}
		if _, err := d.db.ExecContext(ctx,
			"INSERT INTO federationsender_queue_edus (edu_nid, destination, edu_type, edu_json) VALUES ($1, $2, $3, $4)",
			nid, string(destination), eduType, string(eduJSON),
		); err != nil {
			return 0, err
		}
	}
	return nid, nil
}

func (d *Database) GetPendingEDUs(ctx context.Context, destination eventcore.ServerName, limit int) ([]*shared.QueuedEDU, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT edu_nid, edu_type, edu_json FROM federationsender_queue_edus WHERE destination = $1 ORDER BY edu_nid ASC LIMIT $2",
		string(destination), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*shared.QueuedEDU
	for rows.Next() {
		var edu shared.QueuedEDU
		var eduJSON string
		if err = rows.Scan(&edu.NID, &edu.EDUType, &eduJSON); err != nil {
			return nil, err
		}
		edu.JSON = []byte(eduJSON)
		out = append(out, &edu)
	}
	return out, rows.Err()
}

func (d *Database) CleanEDUs(ctx context.Context, destination eventcore.ServerName, nids []int64) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM federationsender_queue_edus WHERE destination = $1 AND edu_nid = ANY($2)",
		string(destination), pq.Int64Array(nids),
	)
	return err
}

func (d *Database) GetPendingDestinations(ctx context.Context) ([]eventcore.ServerName, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT destination FROM federationsender_queue_pdus UNION SELECT destination FROM federationsender_queue_edus",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []eventcore.ServerName
	for rows.Next() {
		var destination string
		if err = rows.Scan(&destination); err != nil {
			return nil, err
		}
		out = append(out, eventcore.ServerName(destination))
	}
	return out, rows.Err()
}

func (d *Database) GetRetryState(ctx context.Context, destination eventcore.ServerName) (*shared.RetryState, error) {
	state := &shared.RetryState{Destination: destination}
	var retryAt int64
	err := d.db.QueryRowContext(ctx,
		"SELECT retry_at, failure_count, blacklisted FROM federationsender_retry_state WHERE destination = $1",
		string(destination),
	).Scan(&retryAt, &state.FailureCount, &state.Blacklisted)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, err
	}
	if retryAt > 0 {
		state.RetryAt = time.UnixMilli(retryAt)
	}
	return state, nil
}

func (d *Database) SetRetryState(ctx context.Context, state *shared.RetryState) error {
	var retryAt int64
	if !state.RetryAt.IsZero() {
		retryAt = state.RetryAt.UnixMilli()
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO federationsender_retry_state (destination, retry_at, failure_count, blacklisted) VALUES ($1, $2, $3, $4)"+
			" ON CONFLICT (destination) DO UPDATE SET retry_at = $2, failure_count = $3, blacklisted = $4",
		string(state.Destination), retryAt, state.FailureCount, state.Blacklisted,
	)
	return err
}

func (d *Database) SelectServerKey(ctx context.Context, server eventcore.ServerName, keyID eventcore.KeyID) (*caching.ServerKeyEntry, error) {
	var entry caching.ServerKeyEntry
	err := d.db.QueryRowContext(ctx,
		"SELECT verify_key, valid_until_ts, expired_ts FROM federationsender_server_keys WHERE server_name = $1 AND key_id = $2",
		string(server), string(keyID),
	).Scan(&entry.Key, &entry.ValidUntilTS, &entry.ExpiredTS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d *Database) UpsertServerKey(ctx context.Context, server eventcore.ServerName, keyID eventcore.KeyID, entry caching.ServerKeyEntry) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO federationsender_server_keys (server_name, key_id, verify_key, valid_until_ts, expired_ts) VALUES ($1, $2, $3, $4, $5)"+
			" ON CONFLICT (server_name, key_id) DO UPDATE SET verify_key = $3, valid_until_ts = $4, expired_ts = $5",
		string(server), string(keyID), entry.Key, entry.ValidUntilTS, entry.ExpiredTS,
	)
	return err
}
