// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/palpo-server/palpo/internal/sqlutil"
	"github.com/palpo-server/palpo/roomserver/storage/tables"
	"github.com/palpo-server/palpo/roomserver/types"
)

const authChainsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_auth_chains (
    cache_key TEXT PRIMARY KEY,
    chain TEXT NOT NULL
);
`

const insertAuthChainSQL = "" +
	"INSERT INTO roomserver_auth_chains (cache_key, chain) VALUES (?, ?)" +
	" ON CONFLICT (cache_key) DO NOTHING"

const selectAuthChainSQL = "" +
	"SELECT chain FROM roomserver_auth_chains WHERE cache_key = ?"

type authChainStatements struct {
	insertAuthChainStmt *sql.Stmt
	selectAuthChainStmt *sql.Stmt
}

func CreateAuthChainsTable(db *sql.DB) error {
	_, err := db.Exec(authChainsSchema)
	return err
}

func PrepareAuthChainsTable(db *sql.DB) (tables.AuthChains, error) {
	s := &authChainStatements{}
	return s, sqlutil.StatementList{
		{Target: &s.insertAuthChainStmt, SQL: insertAuthChainSQL},
		{Target: &s.selectAuthChainStmt, SQL: selectAuthChainSQL},
	}.Prepare(db)
}

func (s *authChainStatements) InsertAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string, chain []types.EventSN) error {
	encoded, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.insertAuthChainStmt).ExecContext(ctx, cacheKey, string(encoded))
	return err
}

func (s *authChainStatements) SelectAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string) ([]types.EventSN, bool, error) {
	var encoded string
	err := sqlutil.TxStmt(txn, s.selectAuthChainStmt).QueryRowContext(ctx, cacheKey).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var chain []types.EventSN
	if err = json.Unmarshal([]byte(encoded), &chain); err != nil {
		return nil, false, err
	}
	return chain, true, nil
}
