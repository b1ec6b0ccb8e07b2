// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/palpo-server/palpo/internal/sqlutil"
	"github.com/palpo-server/palpo/roomserver/storage/tables"
	"github.com/palpo-server/palpo/roomserver/types"
)

const stateFieldsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_fields (
    field_nid INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    UNIQUE (event_type, state_key)
);
`

const insertFieldNIDSQL = "" +
	"INSERT INTO roomserver_state_fields (event_type, state_key) VALUES (?, ?)" +
	" ON CONFLICT (event_type, state_key) DO NOTHING" +
	" RETURNING field_nid"

const selectFieldNIDSQL = "" +
	"SELECT field_nid FROM roomserver_state_fields WHERE event_type = ? AND state_key = ?"

const selectFieldTuplesSQL = "" +
	"SELECT field_nid, event_type, state_key FROM roomserver_state_fields WHERE field_nid IN "

type stateFieldStatements struct {
	db                 *sql.DB
	insertFieldNIDStmt *sql.Stmt
	selectFieldNIDStmt *sql.Stmt
}

func CreateStateFieldsTable(db *sql.DB) error {
	_, err := db.Exec(stateFieldsSchema)
	return err
}

func PrepareStateFieldsTable(db *sql.DB) (tables.StateFields, error) {
	s := &stateFieldStatements{db: db}
	return s, sqlutil.StatementList{
		{Target: &s.insertFieldNIDStmt, SQL: insertFieldNIDSQL},
		{Target: &s.selectFieldNIDStmt, SQL: selectFieldNIDSQL},
	}.Prepare(db)
}

func (s *stateFieldStatements) InsertFieldNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.FieldNID, error) {
	var nid int64
	err := sqlutil.TxStmt(txn, s.insertFieldNIDStmt).QueryRowContext(ctx, eventType, stateKey).Scan(&nid)
	if err == sql.ErrNoRows {
		err = sqlutil.TxStmt(txn, s.selectFieldNIDStmt).QueryRowContext(ctx, eventType, stateKey).Scan(&nid)
	}
	return types.FieldNID(nid), err
}

func (s *stateFieldStatements) SelectFieldNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.FieldNID, error) {
	var nid int64
	err := sqlutil.TxStmt(txn, s.selectFieldNIDStmt).QueryRowContext(ctx, eventType, stateKey).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return types.FieldNID(nid), err
}

func (s *stateFieldStatements) SelectFieldTuples(ctx context.Context, txn *sql.Tx, nids []types.FieldNID) (map[types.FieldNID][2]string, error) {
	if len(nids) == 0 {
		return map[types.FieldNID][2]string{}, nil
	}
	args := make([]interface{}, len(nids))
	for i, nid := range nids {
		args[i] = int64(nid)
	}
	query := selectFieldTuplesSQL + sqlutil.QueryVariadic(len(nids))
	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, query, args...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.FieldNID][2]string, len(nids))
	for rows.Next() {
		var nid int64
		var eventType, stateKey string
		if err = rows.Scan(&nid, &eventType, &stateKey); err != nil {
			return nil, err
		}
		out[types.FieldNID(nid)] = [2]string{eventType, stateKey}
	}
	return out, rows.Err()
}
