// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"strings"

	"github.com/palpo-server/palpo/internal/sqlutil"
	"github.com/palpo-server/palpo/roomserver/storage/tables"
	"github.com/palpo-server/palpo/roomserver/types"
)

const membershipSchema = `
CREATE TABLE IF NOT EXISTS roomserver_memberships (
    room_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    membership TEXT NOT NULL,
    sender TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    avatar_url TEXT NOT NULL DEFAULT '',
    joined_sn INTEGER NOT NULL DEFAULT 0,
    forgotten BOOLEAN NOT NULL DEFAULT 0,
    PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_roomserver_memberships_user
    ON roomserver_memberships(user_id);
`

const upsertMembershipSQL = "" +
	"INSERT INTO roomserver_memberships (room_id, user_id, membership, sender, display_name, avatar_url, joined_sn, forgotten)" +
	" VALUES (?, ?, ?, ?, ?, ?, ?, ?)" +
	" ON CONFLICT (room_id, user_id) DO UPDATE SET membership = excluded.membership, sender = excluded.sender," +
	" display_name = excluded.display_name, avatar_url = excluded.avatar_url, joined_sn = excluded.joined_sn, forgotten = excluded.forgotten"

const selectMembershipSQL = "" +
	"SELECT room_id, user_id, membership, sender, display_name, avatar_url, joined_sn, forgotten" +
	" FROM roomserver_memberships WHERE room_id = ? AND user_id = ?"

const selectMembershipsInRoomSQL = "" +
	"SELECT room_id, user_id, membership, sender, display_name, avatar_url, joined_sn, forgotten" +
	" FROM roomserver_memberships WHERE room_id = ? AND membership IN "

const selectRoomsForUserSQL = "" +
	"SELECT room_id FROM roomserver_memberships WHERE user_id = ? AND NOT forgotten AND membership IN "

const selectServersInRoomSQL = "" +
	"SELECT DISTINCT user_id FROM roomserver_memberships WHERE room_id = ? AND membership = 'join'"

type membershipStatements struct {
	db                      *sql.DB
	upsertMembershipStmt    *sql.Stmt
	selectMembershipStmt    *sql.Stmt
	selectServersInRoomStmt *sql.Stmt
}

func CreateMembershipTable(db *sql.DB) error {
	_, err := db.Exec(membershipSchema)
	return err
}

func PrepareMembershipTable(db *sql.DB) (tables.Memberships, error) {
	s := &membershipStatements{db: db}
	return s, sqlutil.StatementList{
		{Target: &s.upsertMembershipStmt, SQL: upsertMembershipSQL},
		{Target: &s.selectMembershipStmt, SQL: selectMembershipSQL},
		{Target: &s.selectServersInRoomStmt, SQL: selectServersInRoomSQL},
	}.Prepare(db)
}

func (s *membershipStatements) UpsertMembership(ctx context.Context, txn *sql.Tx, edge *types.MembershipEdge) error {
	_, err := sqlutil.TxStmt(txn, s.upsertMembershipStmt).ExecContext(ctx,
		edge.RoomID, edge.UserID, edge.Membership, edge.Sender,
		edge.DisplayName, edge.AvatarURL, edge.JoinedSN, edge.Forgotten,
	)
	return err
}

func scanMembership(scanner interface{ Scan(...interface{}) error }) (*types.MembershipEdge, error) {
	var edge types.MembershipEdge
	err := scanner.Scan(
		&edge.RoomID, &edge.UserID, &edge.Membership, &edge.Sender,
		&edge.DisplayName, &edge.AvatarURL, &edge.JoinedSN, &edge.Forgotten,
	)
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

func (s *membershipStatements) SelectMembership(ctx context.Context, txn *sql.Tx, roomID, userID string) (*types.MembershipEdge, error) {
	edge, err := scanMembership(sqlutil.TxStmt(txn, s.selectMembershipStmt).QueryRowContext(ctx, roomID, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return edge, err
}

func (s *membershipStatements) queryContext(ctx context.Context, txn *sql.Tx, query string, args ...interface{}) (*sql.Rows, error) {
	if txn != nil {
		return txn.QueryContext(ctx, query, args...)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func (s *membershipStatements) SelectMembershipsInRoom(ctx context.Context, txn *sql.Tx, roomID string, memberships []string) ([]*types.MembershipEdge, error) {
	args := []interface{}{roomID}
	for _, m := range memberships {
		args = append(args, m)
	}
	rows, err := s.queryContext(ctx, txn, selectMembershipsInRoomSQL+sqlutil.QueryVariadic(len(memberships)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.MembershipEdge
	for rows.Next() {
		edge, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, edge)
	}
	return out, rows.Err()
}

func (s *membershipStatements) SelectRoomsForUser(ctx context.Context, txn *sql.Tx, userID string, memberships []string) ([]string, error) {
	args := []interface{}{userID}
	for _, m := range memberships {
		args = append(args, m)
	}
	rows, err := s.queryContext(ctx, txn, selectRoomsForUserSQL+sqlutil.QueryVariadic(len(memberships)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var roomID string
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}

func (s *membershipStatements) SelectServersInRoom(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectServersInRoomStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := map[string]struct{}{}
	var out []string
	for rows.Next() {
		var userID string
		if err = rows.Scan(&userID); err != nil {
			return nil, err
		}
		if i := strings.IndexByte(userID, ':'); i > 0 {
			server := userID[i+1:]
			if _, dup := seen[server]; !dup {
				seen[server] = struct{}{}
				out = append(out, server)
			}
		}
	}
	return out, rows.Err()
}
