// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/palpo-server/palpo/internal/sqlutil"
	"github.com/palpo-server/palpo/roomserver/storage/tables"
	"github.com/palpo-server/palpo/roomserver/types"
)

const stateFramesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_frames (
    frame_id INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL,
    parent_id INTEGER NOT NULL DEFAULT 0,
    is_full BOOLEAN NOT NULL DEFAULT 0,
    added TEXT NOT NULL,
    removed TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_roomserver_state_frames_room
    ON roomserver_state_frames(room_id);
`

const insertStateFrameSQL = "" +
	"INSERT INTO roomserver_state_frames (room_id, parent_id, is_full, added, removed)" +
	" VALUES (?, ?, ?, ?, ?) RETURNING frame_id"

const selectStateFrameSQL = "" +
	"SELECT frame_id, room_id, parent_id, is_full, added, removed" +
	" FROM roomserver_state_frames WHERE frame_id = ?"

type stateFrameStatements struct {
	insertStateFrameStmt *sql.Stmt
	selectStateFrameStmt *sql.Stmt
}

func CreateStateFramesTable(db *sql.DB) error {
	_, err := db.Exec(stateFramesSchema)
	return err
}

func PrepareStateFramesTable(db *sql.DB) (tables.StateFrames, error) {
	s := &stateFrameStatements{}
	return s, sqlutil.StatementList{
		{Target: &s.insertStateFrameStmt, SQL: insertStateFrameSQL},
		{Target: &s.selectStateFrameStmt, SQL: selectStateFrameSQL},
	}.Prepare(db)
}

func encodeStateEntries(entries []types.StateEntry) (string, error) {
	pairs := make([][2]int64, len(entries))
	for i, e := range entries {
		pairs[i] = [2]int64{int64(e.FieldNID), int64(e.EventSN)}
	}
	b, err := json.Marshal(pairs)
	return string(b), err
}

func decodeStateEntries(encoded string) ([]types.StateEntry, error) {
	var pairs [][2]int64
	if err := json.Unmarshal([]byte(encoded), &pairs); err != nil {
		return nil, fmt.Errorf("corrupt state entry list: %w", err)
	}
	out := make([]types.StateEntry, len(pairs))
	for i, p := range pairs {
		out[i] = types.StateEntry{FieldNID: types.FieldNID(p[0]), EventSN: types.EventSN(p[1])}
	}
	return out, nil
}

func (s *stateFrameStatements) InsertStateFrame(ctx context.Context, txn *sql.Tx, frame *types.StateFrame) (types.FrameID, error) {
	added, err := encodeStateEntries(frame.Added)
	if err != nil {
		return 0, err
	}
	removed, err := encodeStateEntries(frame.Removed)
	if err != nil {
		return 0, err
	}
	var frameID int64
	err = sqlutil.TxStmt(txn, s.insertStateFrameStmt).QueryRowContext(ctx,
		frame.RoomID, frame.ParentID, frame.IsFull, added, removed,
	).Scan(&frameID)
	return types.FrameID(frameID), err
}

func (s *stateFrameStatements) SelectStateFrame(ctx context.Context, txn *sql.Tx, frameID types.FrameID) (*types.StateFrame, error) {
	var frame types.StateFrame
	var added, removed string
	err := sqlutil.TxStmt(txn, s.selectStateFrameStmt).QueryRowContext(ctx, frameID).Scan(
		&frame.FrameID, &frame.RoomID, &frame.ParentID, &frame.IsFull, &added, &removed,
	)
	if err != nil {
		return nil, err
	}
	if frame.Added, err = decodeStateEntries(added); err != nil {
		return nil, err
	}
	if frame.Removed, err = decodeStateEntries(removed); err != nil {
		return nil, err
	}
	return &frame, nil
}
