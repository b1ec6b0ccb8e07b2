// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/internal/sqlutil"
	"github.com/palpo-server/palpo/roomserver/storage/tables"
	"github.com/palpo-server/palpo/roomserver/types"
)

// latest_event_ids is stored as a JSON array; sqlite has no array type.
const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
    room_id TEXT PRIMARY KEY,
    room_version TEXT NOT NULL,
    current_frame_id INTEGER NOT NULL DEFAULT 0,
    latest_event_ids TEXT NOT NULL DEFAULT '[]',
    depth INTEGER NOT NULL DEFAULT 0,
    disabled BOOLEAN NOT NULL DEFAULT 0
);
`

const insertRoomSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, room_version, current_frame_id, latest_event_ids, depth, disabled)" +
	" VALUES (?, ?, ?, ?, ?, ?)" +
	" ON CONFLICT (room_id) DO NOTHING"

const selectRoomSQL = "" +
	"SELECT room_id, room_version, current_frame_id, latest_event_ids, depth, disabled" +
	" FROM roomserver_rooms WHERE room_id = ?"

const updateRoomLatestSQL = "" +
	"UPDATE roomserver_rooms SET latest_event_ids = ?, current_frame_id = ?, depth = ? WHERE room_id = ?"

const updateRoomDisabledSQL = "" +
	"UPDATE roomserver_rooms SET disabled = ? WHERE room_id = ?"

const selectRoomIDsSQL = "" +
	"SELECT room_id FROM roomserver_rooms"

type roomStatements struct {
	insertRoomStmt         *sql.Stmt
	selectRoomStmt         *sql.Stmt
	updateRoomLatestStmt   *sql.Stmt
	updateRoomDisabledStmt *sql.Stmt
	selectRoomIDsStmt      *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomStatements{}
	return s, sqlutil.StatementList{
		{Target: &s.insertRoomStmt, SQL: insertRoomSQL},
		{Target: &s.selectRoomStmt, SQL: selectRoomSQL},
		{Target: &s.updateRoomLatestStmt, SQL: updateRoomLatestSQL},
		{Target: &s.updateRoomDisabledStmt, SQL: updateRoomDisabledSQL},
		{Target: &s.selectRoomIDsStmt, SQL: selectRoomIDsSQL},
	}.Prepare(db)
}

func encodeEventIDs(eventIDs []string) (string, error) {
	if eventIDs == nil {
		eventIDs = []string{}
	}
	b, err := json.Marshal(eventIDs)
	return string(b), err
}

func (s *roomStatements) InsertRoom(ctx context.Context, txn *sql.Tx, info *types.RoomInfo) error {
	latest, err := encodeEventIDs(info.LatestEventIDs)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.insertRoomStmt).ExecContext(ctx,
		info.RoomID, string(info.Version), info.CurrentFrameID, latest, info.Depth, info.Disabled,
	)
	return err
}

func (s *roomStatements) SelectRoom(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error) {
	var info types.RoomInfo
	var version, latest string
	err := sqlutil.TxStmt(txn, s.selectRoomStmt).QueryRowContext(ctx, roomID).Scan(
		&info.RoomID, &version, &info.CurrentFrameID, &latest, &info.Depth, &info.Disabled,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info.Version = eventcore.RoomVersion(version)
	if err = json.Unmarshal([]byte(latest), &info.LatestEventIDs); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *roomStatements) UpdateRoomLatest(ctx context.Context, txn *sql.Tx, roomID string, latestEventIDs []string, frameID types.FrameID, depth int64) error {
	latest, err := encodeEventIDs(latestEventIDs)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.updateRoomLatestStmt).ExecContext(ctx, latest, frameID, depth, roomID)
	return err
}

func (s *roomStatements) UpdateRoomDisabled(ctx context.Context, txn *sql.Tx, roomID string, disabled bool) error {
	_, err := sqlutil.TxStmt(txn, s.updateRoomDisabledStmt).ExecContext(ctx, disabled, roomID)
	return err
}

func (s *roomStatements) SelectRoomIDs(ctx context.Context, txn *sql.Tx) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomIDsStmt).QueryContext(ctx)
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
