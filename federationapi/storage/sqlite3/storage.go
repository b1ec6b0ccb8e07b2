// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sqlite3 is the embedded federation sender storage backend.
package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/palpo-server/palpo/federationapi/storage/shared"
	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/internal/sqlutil"
	"github.com/palpo-server/palpo/roomserver/types"
	"github.com/palpo-server/palpo/setup/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS federationsender_queue_pdus (
    destination TEXT NOT NULL,
    event_sn INTEGER NOT NULL,
    PRIMARY KEY (destination, event_sn)
);

CREATE TABLE IF NOT EXISTS federationsender_queue_edus (
    edu_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    destination TEXT NOT NULL,
    edu_type TEXT NOT NULL,
    edu_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_federationsender_queue_edus_destination
    ON federationsender_queue_edus(destination);

CREATE TABLE IF NOT EXISTS federationsender_retry_state (
    destination TEXT PRIMARY KEY,
    retry_at INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    blacklisted BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS federationsender_server_keys (
    server_name TEXT NOT NULL,
    key_id TEXT NOT NULL,
    verify_key BLOB NOT NULL,
    valid_until_ts INTEGER NOT NULL,
    expired_ts INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (server_name, key_id)
);
`

// Database implements shared.Database on sqlite3.
type Database struct {
	db *sql.DB
}

// Open opens the federation database file and ensures the schema.
func Open(dbOpts *config.DatabaseOptions) (*Database, error) {
	path := strings.TrimPrefix(dbOpts.ConnectionString, "file:")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite3: opening federation database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlite3: creating federation schema: %w", err)
	}
	return &Database{db: db}, nil
}

func (d *Database) AssociatePDUWithDestinations(ctx context.Context, destinations []eventcore.ServerName, eventSN types.EventSN) error {
	for _, destination := range destinations {
		if _, err := d.db.ExecContext(ctx,
			"INSERT INTO federationsender_queue_pdus (destination, event_sn) VALUES (?, ?) ON CONFLICT DO NOTHING",
			string(destination), eventSN,
		); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) GetPendingPDUs(ctx context.Context, destination eventcore.ServerName, limit int) ([]types.EventSN, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT event_sn FROM federationsender_queue_pdus WHERE destination = ? ORDER BY event_sn ASC LIMIT ?",
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
	if len(eventSNs) == 0 {
		return nil
	}
	args := []interface{}{string(destination)}
	for _, sn := range eventSNs {
		args = append(args, int64(sn))
	}
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM federationsender_queue_pdus WHERE destination = ? AND event_sn IN "+sqlutil.QueryVariadic(len(eventSNs)),
		args...,
	)
	return err
}

func (d *Database) AssociateEDUWithDestinations(ctx context.Context, destinations []eventcore.ServerName, eduType string, eduJSON []byte) (int64, error) {
	var nid int64
	for i, destination := range destinations {
		result, err := d.db.ExecContext(ctx,
			"INSERT INTO federationsender_queue_edus (destination, edu_type, edu_json) VALUES (?, ?, ?)",
			string(destination), eduType, string(eduJSON),
		)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			if nid, err = result.LastInsertId(); err != nil {
				return 0, err
			}
		}
	}
	return nid, nil
}

func (d *Database) GetPendingEDUs(ctx context.Context, destination eventcore.ServerName, limit int) ([]*shared.QueuedEDU, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT edu_nid, edu_type, edu_json FROM federationsender_queue_edus WHERE destination = ? ORDER BY edu_nid ASC LIMIT ?",
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
	if len(nids) == 0 {
		return nil
	}
	args := []interface{}{string(destination)}
	for _, nid := range nids {
		args = append(args, nid)
	}
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM federationsender_queue_edus WHERE destination = ? AND edu_nid IN "+sqlutil.QueryVariadic(len(nids)),
		args...,
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
		"SELECT retry_at, failure_count, blacklisted FROM federationsender_retry_state WHERE destination = ?",
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
		"INSERT INTO federationsender_retry_state (destination, retry_at, failure_count, blacklisted) VALUES (?, ?, ?, ?)"+
			" ON CONFLICT (destination) DO UPDATE SET retry_at = excluded.retry_at, failure_count = excluded.failure_count, blacklisted = excluded.blacklisted",
		string(state.Destination), retryAt, state.FailureCount, state.Blacklisted,
	)
	return err
}

func (d *Database) SelectServerKey(ctx context.Context, server eventcore.ServerName, keyID eventcore.KeyID) (*caching.ServerKeyEntry, error) {
	var entry caching.ServerKeyEntry
	err := d.db.QueryRowContext(ctx,
		"SELECT verify_key, valid_until_ts, expired_ts FROM federationsender_server_keys WHERE server_name = ? AND key_id = ?",
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
		"INSERT INTO federationsender_server_keys (server_name, key_id, verify_key, valid_until_ts, expired_ts) VALUES (?, ?, ?, ?, ?)"+
			" ON CONFLICT (server_name, key_id) DO UPDATE SET verify_key = excluded.verify_key, valid_until_ts = excluded.valid_until_ts, expired_ts = excluded.expired_ts",
		string(server), string(keyID), entry.Key, entry.ValidUntilTS, entry.ExpiredTS,
	)
	return err
}
