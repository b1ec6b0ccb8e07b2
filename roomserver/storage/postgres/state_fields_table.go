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

const stateFieldsSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_field_nid_seq;

CREATE TABLE IF NOT EXISTS roomserver_state_fields (
    field_nid BIGINT PRIMARY KEY DEFAULT nextval('roomserver_field_nid_seq'),
    event_type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    UNIQUE (event_type, state_key)
);
`

const insertFieldNIDSQL = "" +
	"INSERT INTO roomserver_state_fields (event_type, state_key) VALUES ($1, $2)" +
	" ON CONFLICT (event_type, state_key) DO NOTHING" +
	" RETURNING field_nid"

const selectFieldNIDSQL = "" +
	"SELECT field_nid FROM roomserver_state_fields WHERE event_type = $1 AND state_key = $2"

const selectFieldTuplesSQL = "" +
	"SELECT field_nid, event_type, state_key FROM roomserver_state_fields WHERE field_nid = ANY($1)"

type stateFieldStatements struct {
	insertFieldNIDStmt    *sql.Stmt
	selectFieldNIDStmt    *sql.Stmt
	selectFieldTuplesStmt *sql.Stmt
}

func CreateStateFieldsTable(db *sql.DB) error {
	_, err := db.Exec(stateFieldsSchema)
	return err
}

func PrepareStateFieldsTable(db *sql.DB) (tables.StateFields, error) {
	s := &stateFieldStatements{}
	return s, sqlutil.StatementList{
		{Target: &s.insertFieldNIDStmt, SQL: insertFieldNIDSQL},
		{Target: &s.selectFieldNIDStmt, SQL: selectFieldNIDSQL},
		{Target: &s.selectFieldTuplesStmt, SQL: selectFieldTuplesSQL},
	}.Prepare(db)
}

func (s *stateFieldStatements) InsertFieldNID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.FieldNID, error) {
	var nid int64
	err := sqlutil.TxStmt(txn, s.insertFieldNIDStmt).QueryRowContext(ctx, eventType, stateKey).Scan(&nid)
	if err == sql.ErrNoRows {
		// Already interned.
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
	asInt64 := make(pq.Int64Array, len(nids))
	for i, nid := range nids {
		asInt64[i] = int64(nid)
	}
	rows, err := sqlutil.TxStmt(txn, s.selectFieldTuplesStmt).QueryContext(ctx, asInt64)
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
