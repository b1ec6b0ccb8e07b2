// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sqlite3 is the embedded EDU storage backend.
package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/palpo-server/palpo/eduserver/storage/shared"
	"github.com/palpo-server/palpo/roomserver/types"
	"github.com/palpo-server/palpo/setup/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS eduserver_receipts (
    receipt_type TEXT NOT NULL,
    room_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    event_sn INTEGER NOT NULL,
    receipt_ts INTEGER NOT NULL,
    PRIMARY KEY (receipt_type, room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_eduserver_receipts_room
    ON eduserver_receipts(room_id, event_sn);

CREATE TABLE IF NOT EXISTS eduserver_presence (
    user_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    last_active_ts INTEGER NOT NULL,
    status_msg TEXT NOT NULL DEFAULT '',
    currently_active BOOLEAN NOT NULL DEFAULT 0,
    last_federation_sent_ts INTEGER NOT NULL DEFAULT 0
);
`

// Database implements shared.Database on sqlite3.
type Database struct {
	db *sql.DB
}

// Open opens the EDU database file and ensures the schema.
func Open(dbOpts *config.DatabaseOptions) (*Database, error) {
	path := strings.TrimPrefix(dbOpts.ConnectionString, "file:")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite3: opening edu database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlite3: creating edu schema: %w", err)
	}
	return &Database{db: db}, nil
}

func (d *Database) UpsertReceipt(ctx context.Context, receipt *shared.Receipt) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO eduserver_receipts (receipt_type, room_id, user_id, event_id, event_sn, receipt_ts) VALUES (?, ?, ?, ?, ?, ?)"+
			" ON CONFLICT (receipt_type, room_id, user_id) DO UPDATE SET event_id = excluded.event_id, event_sn = excluded.event_sn, receipt_ts = excluded.receipt_ts",
		receipt.ReceiptType, receipt.RoomID, receipt.UserID, receipt.EventID, receipt.EventSN, receipt.TS,
	)
	return err
}

func (d *Database) SelectReceiptsForRoom(ctx context.Context, roomID string, sinceSN types.EventSN) ([]*shared.Receipt, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT receipt_type, room_id, user_id, event_id, event_sn, receipt_ts FROM eduserver_receipts WHERE room_id = ? AND event_sn > ?",
		roomID, sinceSN,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*shared.Receipt
	for rows.Next() {
		var receipt shared.Receipt
		if err = rows.Scan(&receipt.ReceiptType, &receipt.RoomID, &receipt.UserID, &receipt.EventID, &receipt.EventSN, &receipt.TS); err != nil {
			return nil, err
		}
		out = append(out, &receipt)
	}
	return out, rows.Err()
}

func (d *Database) SelectReceipt(ctx context.Context, receiptType, roomID, userID string) (*shared.Receipt, error) {
	var receipt shared.Receipt
	err := d.db.QueryRowContext(ctx,
		"SELECT receipt_type, room_id, user_id, event_id, event_sn, receipt_ts FROM eduserver_receipts WHERE receipt_type = ? AND room_id = ? AND user_id = ?",
		receiptType, roomID, userID,
	).Scan(&receipt.ReceiptType, &receipt.RoomID, &receipt.UserID, &receipt.EventID, &receipt.EventSN, &receipt.TS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (d *Database) UpsertPresence(ctx context.Context, presence *shared.Presence) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO eduserver_presence (user_id, state, last_active_ts, status_msg, currently_active, last_federation_sent_ts) VALUES (?, ?, ?, ?, ?, ?)"+
			" ON CONFLICT (user_id) DO UPDATE SET state = excluded.state, last_active_ts = excluded.last_active_ts, status_msg = excluded.status_msg,"+
			" currently_active = excluded.currently_active, last_federation_sent_ts = excluded.last_federation_sent_ts",
		presence.UserID, presence.State, presence.LastActiveTS, presence.StatusMsg, presence.CurrentlyActive, presence.LastFederationSentTS,
	)
	return err
}

func (d *Database) SelectPresence(ctx context.Context, userID string) (*shared.Presence, error) {
	var presence shared.Presence
	err := d.db.QueryRowContext(ctx,
		"SELECT user_id, state, last_active_ts, status_msg, currently_active, last_federation_sent_ts FROM eduserver_presence WHERE user_id = ?",
		userID,
	).Scan(&presence.UserID, &presence.State, &presence.LastActiveTS, &presence.StatusMsg, &presence.CurrentlyActive, &presence.LastFederationSentTS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &presence, nil
}
