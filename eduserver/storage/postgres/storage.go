// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package postgres is the PostgreSQL EDU storage backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

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
    event_sn BIGINT NOT NULL,
    receipt_ts BIGINT NOT NULL,
    PRIMARY KEY (receipt_type, room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_eduserver_receipts_room
    ON eduserver_receipts(room_id, event_sn);

CREATE TABLE IF NOT EXISTS eduserver_presence (
    user_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    last_active_ts BIGINT NOT NULL,
    status_msg TEXT NOT NULL DEFAULT '',
    currently_active BOOLEAN NOT NULL DEFAULT FALSE,
    last_federation_sent_ts BIGINT NOT NULL DEFAULT 0
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
		return nil, fmt.Errorf("postgres: opening edu database: %w", err)
	}
	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("postgres: creating edu schema: %w", err)
	}
	return &Database{db: db}, nil
}

func (d *Database) UpsertReceipt(ctx context.Context, receipt *shared.Receipt) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO eduserver_receipts (receipt_type, room_id, user_id, event_id, event_sn, receipt_ts) VALUES ($1, $2, $3, $4, $5, $6)"+
			" ON CONFLICT (receipt_type, room_id, user_id) DO UPDATE SET event_id = $4, event_sn = $5, receipt_ts = $6",
		receipt.ReceiptType, receipt.RoomID, receipt.UserID, receipt.EventID, receipt.EventSN, receipt.TS,
	)
	return err
}

func (d *Database) SelectReceiptsForRoom(ctx context.Context, roomID string, sinceSN types.EventSN) ([]*shared.Receipt, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT receipt_type, room_id, user_id, event_id, event_sn, receipt_ts FROM eduserver_receipts WHERE room_id = $1 AND event_sn > $2",
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
		"SELECT receipt_type, room_id, user_id, event_id, event_sn, receipt_ts FROM eduserver_receipts WHERE receipt_type = $1 AND room_id = $2 AND user_id = $3",
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
		"INSERT INTO eduserver_presence (user_id, state, last_active_ts, status_msg, currently_active, last_federation_sent_ts) VALUES ($1, $2, $3, $4, $5, $6)"+
			" ON CONFLICT (user_id) DO UPDATE SET state = $2, last_active_ts = $3, status_msg = $4, currently_active = $5, last_federation_sent_ts = $6",
		presence.UserID, presence.State, presence.LastActiveTS, presence.StatusMsg, presence.CurrentlyActive, presence.LastFederationSentTS,
	)
	return err
}

func (d *Database) SelectPresence(ctx context.Context, userID string) (*shared.Presence, error) {
	var presence shared.Presence
	err := d.db.QueryRowContext(ctx,
		"SELECT user_id, state, last_active_ts, status_msg, currently_active, last_federation_sent_ts FROM eduserver_presence WHERE user_id = $1",
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
