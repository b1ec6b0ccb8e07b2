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

const authChainsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_auth_chains (
    cache_key TEXT PRIMARY KEY,
    chain BIGINT[] NOT NULL
);
`

const insertAuthChainSQL = "" +
	"INSERT INTO roomserver_auth_chains (cache_key, chain) VALUES ($1, $2)" +
	" ON CONFLICT (cache_key) DO NOTHING"

const selectAuthChainSQL = "" +
	"SELECT chain FROM roomserver_auth_chains WHERE cache_key = $1"

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
	asInt64 := make(pq.Int64Array, len(chain))
	for i, sn := range chain {
		asInt64[i] = int64(sn)
	}
	_, err := sqlutil.TxStmt(txn, s.insertAuthChainStmt).ExecContext(ctx, cacheKey, asInt64)
	return err
}

func (s *authChainStatements) SelectAuthChain(ctx context.Context, txn *sql.Tx, cacheKey string) ([]types.EventSN, bool, error) {
	var chain pq.Int64Array
	err := sqlutil.TxStmt(txn, s.selectAuthChainStmt).QueryRowContext(ctx, cacheKey).Scan(&chain)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]types.EventSN, len(chain))
	for i, sn := range chain {
		out[i] = types.EventSN(sn)
	}
	return out, true, nil
}
