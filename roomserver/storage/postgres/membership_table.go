// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/lib/pq"

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
    joined_sn BIGINT NOT NULL DEFAULT 0,
    forgotten BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_roomserver_memberships_user
    ON roomserver_memberships(user_id);
`

const upsertMembershipSQL = "" +
	"INSERT INTO roomserver_memberships (room_id, user_id, membership, sender, display_name, avatar_url, joined_sn, forgotten)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)" +
	" ON CONFLICT (room_id, user_id) DO UPDATE SET membership = $3, sender = $4, display_name = $5, avatar_url = $6, joined_sn = $7, forgotten = $8"

const selectMembershipSQL = "" +
	"SELECT room_id, user_id, membership, sender, display_name, avatar_url, joined_sn, forgotten" +
	" FROM roomserver_memberships WHERE room_id = $1 AND user_id = $2"

const selectMembershipsInRoomSQL = "" +
	"SELECT room_id, user_id, membership, sender, display_name, avatar_url, joined_sn, forgotten" +
	" FROM roomserver_memberships WHERE room_id = $1 AND membership = ANY($2)"

const selectRoomsForUserSQL = "" +
	"SELECT room_id FROM roomserver_memberships WHERE user_id = $1 AND membership = ANY($2) AND NOT forgotten"

const selectServersInRoomSQL = "" +
	"SELECT DISTINCT substring(user_id FROM position(':' IN user_id) + 1) FROM roomserver_memberships" +
	" WHERE room_id = $1 AND membership = 'join'"

type membershipStatements struct {
	upsertMembershipStmt        *sql.Stmt
	selectMembershipStmt        *sql.Stmt
	selectMembershipsInRoomStmt *sql.Stmt
	selectRoomsForUserStmt      *sql.Stmt
	selectServersInRoomStmt     *sql.Stmt
}

func CreateMembershipTable(db *sql.DB) error {
	_, err := db.Exec(membershipSchema)
	return err
}

func PrepareMembershipTable(db *sql.DB) (tables.Memberships, error) {
	s := &membershipStatements{}
	return s, sqlutil.StatementList{
		{Target: &s.upsertMembershipStmt, SQL: upsertMembershipSQL},
		{Target: &s.selectMembershipStmt, SQL: selectMembershipSQL},
		{Target: &s.selectMembershipsInRoomStmt, SQL: selectMembershipsInRoomSQL},
		{Target: &s.selectRoomsForUserStmt, SQL: selectRoomsForUserSQL},
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

func (s *membershipStatements) SelectMembershipsInRoom(ctx context.Context, txn *sql.Tx, roomID string, memberships []string) ([]*types.MembershipEdge, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectMembershipsInRoomStmt).QueryContext(ctx, roomID, pq.StringArray(memberships))
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
	rows, err := sqlutil.TxStmt(txn, s.selectRoomsForUserStmt).QueryContext(ctx, userID, pq.StringArray(memberships))
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
	var out []string
	for rows.Next() {
		var server string
		if err = rows.Scan(&server); err != nil {
			return nil, err
		}
		if server = strings.TrimSpace(server); server != "" {
			out = append(out, server)
		}
	}
	return out, rows.Err()
}
