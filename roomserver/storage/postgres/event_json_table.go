// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/palpo-server/palpo/internal/sqlutil"
	"github.com/palpo-server/palpo/roomserver/storage/tables"
	"github.com/palpo-server/palpo/roomserver/types"
)

const eventJSONSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_json (
    event_sn BIGINT PRIMARY KEY,
    event_json TEXT NOT NULL
);
`

const insertEventJSONSQL = "" +
	"INSERT INTO roomserver_event_json (event_sn, event_json) VALUES ($1, $2)" +
	" ON CONFLICT (event_sn) DO NOTHING"

const selectEventJSONSQL = "" +
	"SELECT event_json FROM roomserver_event_json WHERE event_sn = $1"

const selectEventJSONsSQL = "" +
	"SELECT event_sn, event_json FROM roomserver_event_json WHERE event_sn = ANY($1)"

type eventJSONStatements struct {
	insertEventJSONStmt  *sql.Stmt
	selectEventJSONStmt  *sql.Stmt
	selectEventJSONsStmt *sql.Stmt
}

func CreateEventJSONTable(db *sql.DB) error {
	_, err := db.Exec(eventJSONSchema)
	return err
}

func PrepareEventJSONTable(db *sql.DB) (tables.EventJSON, error) {
	s := &eventJSONStatements{}
	return s, sqlutil.StatementList{
		{Target: &s.insertEventJSONStmt, SQL: insertEventJSONSQL},
		{Target: &s.selectEventJSONStmt, SQL: selectEventJSONSQL},
		{Target: &s.selectEventJSONsStmt, SQL: selectEventJSONsSQL},
	}.Prepare(db)
}

func (s *eventJSONStatements) InsertEventJSON(ctx context.Context, txn *sql.Tx, sn types.EventSN, eventJSON []byte) error {
	_, err := sqlutil.TxStmt(txn, s.insertEventJSONStmt).ExecContext(ctx, sn, string(eventJSON))
	return err
}

func (s *eventJSONStatements) SelectEventJSON(ctx context.Context, txn *sql.Tx, sn types.EventSN) ([]byte, error) {
	var eventJSON string
	err := sqlutil.TxStmt(txn, s.selectEventJSONStmt).QueryRowContext(ctx, sn).Scan(&eventJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return []byte(eventJSON), err
}

func (s *eventJSONStatements) SelectEventJSONs(ctx context.Context, txn *sql.Tx, sns []types.EventSN) (map[types.EventSN][]byte, error) {
	asInt64 := make(pq.Int64Array, len(sns))
	for i, sn := range sns {
		asInt64[i] = int64(sn)
	}
	rows, err := sqlutil.TxStmt(txn, s.selectEventJSONsStmt).QueryContext(ctx, asInt64)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.EventSN][]byte, len(sns))
	for rows.Next() {
		var sn int64
		var eventJSON string
		if err = rows.Scan(&sn, &eventJSON); err != nil {
			return nil, err
		}
		out[types.EventSN(sn)] = []byte(eventJSON)
	}
	return out, rows.Err()
}
