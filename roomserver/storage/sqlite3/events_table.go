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

// AUTOINCREMENT guarantees event_sn values are never reused, keeping the
// sequence strictly monotonic for the lifetime of the database (spec.md 4.3).
const eventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_events (
    event_sn INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL UNIQUE,
    room_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    state_key TEXT,
    depth INTEGER NOT NULL,
    sender TEXT NOT NULL,
    origin_server_ts INTEGER NOT NULL,
    frame_id INTEGER NOT NULL DEFAULT 0,
    outlier BOOLEAN NOT NULL DEFAULT 0,
    soft_failed BOOLEAN NOT NULL DEFAULT 0,
    redacted BOOLEAN NOT NULL DEFAULT 0,
    rejection_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_roomserver_events_room_sn
    ON roomserver_events(room_id, event_sn);
`

const eventColumns = "event_sn, event_id, room_id, event_type, state_key, depth, sender, origin_server_ts, frame_id, outlier, soft_failed, redacted, rejection_reason"

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (event_id, room_id, event_type, state_key, depth, sender, origin_server_ts, frame_id, outlier, soft_failed, rejection_reason)" +
	" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)" +
	" ON CONFLICT (event_id) DO NOTHING" +
	" RETURNING event_sn"

const selectEventSNByIDSQL = "" +
	"SELECT event_sn FROM roomserver_events WHERE event_id = ?"

const selectEventByIDSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events WHERE event_id = ?"

const selectEventBySNSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events WHERE event_sn = ?"

const selectEventsByIDsSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events WHERE event_id IN "

const selectEventsBySNsSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events WHERE event_sn IN "

const selectTimelineAscSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events" +
	" WHERE room_id = ? AND event_sn > ? AND (? = 0 OR event_sn < ?)" +
	" AND NOT outlier AND rejection_reason = '' AND (soft_failed = 0 OR ? = 1)" +
	" ORDER BY event_sn ASC LIMIT ?"

const selectTimelineDescSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events" +
	" WHERE room_id = ? AND (? = 0 OR event_sn < ?) AND event_sn > ?" +
	" AND NOT outlier AND rejection_reason = '' AND (soft_failed = 0 OR ? = 1)" +
	" ORDER BY event_sn DESC LIMIT ?"

const updateEventFrameSQL = "" +
	"UPDATE roomserver_events SET frame_id = ? WHERE event_sn = ?"

const updateEventSoftFailedSQL = "" +
	"UPDATE roomserver_events SET soft_failed = ? WHERE event_sn = ?"

const updateEventRedactedSQL = "" +
	"UPDATE roomserver_events SET redacted = ? WHERE event_id = ?"

const updateEventRejectedSQL = "" +
	"UPDATE roomserver_events SET rejection_reason = ? WHERE event_id = ?"

const updateEventNotOutlierSQL = "" +
	"UPDATE roomserver_events SET outlier = 0 WHERE event_id = ?"

const selectMaxSNSQL = "" +
	"SELECT COALESCE(MAX(event_sn), 0) FROM roomserver_events"

type eventStatements struct {
	db                        *sql.DB
	insertEventStmt           *sql.Stmt
	selectEventSNByIDStmt     *sql.Stmt
	selectEventByIDStmt       *sql.Stmt
	selectEventBySNStmt       *sql.Stmt
	selectTimelineAscStmt     *sql.Stmt
	selectTimelineDescStmt    *sql.Stmt
	updateEventFrameStmt      *sql.Stmt
	updateEventSoftFailedStmt *sql.Stmt
	updateEventRedactedStmt   *sql.Stmt
	updateEventRejectedStmt   *sql.Stmt
	updateEventNotOutlierStmt *sql.Stmt
	selectMaxSNStmt           *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{db: db}
	return s, sqlutil.StatementList{
		{Target: &s.insertEventStmt, SQL: insertEventSQL},
		{Target: &s.selectEventSNByIDStmt, SQL: selectEventSNByIDSQL},
		{Target: &s.selectEventByIDStmt, SQL: selectEventByIDSQL},
		{Target: &s.selectEventBySNStmt, SQL: selectEventBySNSQL},
		{Target: &s.selectTimelineAscStmt, SQL: selectTimelineAscSQL},
		{Target: &s.selectTimelineDescStmt, SQL: selectTimelineDescSQL},
		{Target: &s.updateEventFrameStmt, SQL: updateEventFrameSQL},
		{Target: &s.updateEventSoftFailedStmt, SQL: updateEventSoftFailedSQL},
		{Target: &s.updateEventRedactedStmt, SQL: updateEventRedactedSQL},
		{Target: &s.updateEventRejectedStmt, SQL: updateEventRejectedSQL},
		{Target: &s.updateEventNotOutlierStmt, SQL: updateEventNotOutlierSQL},
		{Target: &s.selectMaxSNStmt, SQL: selectMaxSNSQL},
	}.Prepare(db)
}

func (s *eventStatements) InsertEvent(ctx context.Context, txn *sql.Tx, row *tables.EventRow) (types.EventSN, bool, error) {
	var sn int64
	err := sqlutil.TxStmt(txn, s.insertEventStmt).QueryRowContext(ctx,
		row.EventID, row.RoomID, row.EventType, row.StateKey, row.Depth,
		row.Sender, row.OriginServerTS, row.FrameID, row.Outlier,
		row.SoftFailed, row.RejectionReason,
	).Scan(&sn)
	if err == nil {
		return types.EventSN(sn), true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, err
	}
	err = sqlutil.TxStmt(txn, s.selectEventSNByIDStmt).QueryRowContext(ctx, row.EventID).Scan(&sn)
	return types.EventSN(sn), false, err
}

func scanEventRow(scanner interface{ Scan(...interface{}) error }) (*tables.EventRow, error) {
	var row tables.EventRow
	err := scanner.Scan(
		&row.EventSN, &row.EventID, &row.RoomID, &row.EventType, &row.StateKey,
		&row.Depth, &row.Sender, &row.OriginServerTS, &row.FrameID,
		&row.Outlier, &row.SoftFailed, &row.Redacted, &row.RejectionReason,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func scanEventRows(rows *sql.Rows) ([]*tables.EventRow, error) {
	var out []*tables.EventRow
	for rows.Next() {
		row, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *eventStatements) SelectEventByID(ctx context.Context, txn *sql.Tx, eventID string) (*tables.EventRow, error) {
	row, err := scanEventRow(sqlutil.TxStmt(txn, s.selectEventByIDStmt).QueryRowContext(ctx, eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return row, err
}

func (s *eventStatements) SelectEventBySN(ctx context.Context, txn *sql.Tx, sn types.EventSN) (*tables.EventRow, error) {
	row, err := scanEventRow(sqlutil.TxStmt(txn, s.selectEventBySNStmt).QueryRowContext(ctx, sn))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return row, err
}

// queryContext runs a dynamically-built variadic query on the transaction
// when one is given.
func (s *eventStatements) queryContext(ctx context.Context, txn *sql.Tx, query string, args ...interface{}) (*sql.Rows, error) {
	if txn != nil {
		return txn.QueryContext(ctx, query, args...)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func (s *eventStatements) SelectEventsByIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]*tables.EventRow, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	rows, err := s.queryContext(ctx, txn, selectEventsByIDsSQL+sqlutil.QueryVariadic(len(eventIDs)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *eventStatements) SelectEventsBySNs(ctx context.Context, txn *sql.Tx, sns []types.EventSN) ([]*tables.EventRow, error) {
	if len(sns) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(sns))
	for i, sn := range sns {
		args[i] = int64(sn)
	}
	rows, err := s.queryContext(ctx, txn, selectEventsBySNsSQL+sqlutil.QueryVariadic(len(sns)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *eventStatements) SelectTimelineEvents(ctx context.Context, txn *sql.Tx, roomID string, fromSN, toSN types.EventSN, limit int, descending, includeSoftFailed bool) ([]*tables.EventRow, error) {
	var rows *sql.Rows
	var err error
	if descending {
		rows, err = sqlutil.TxStmt(txn, s.selectTimelineDescStmt).QueryContext(ctx, roomID, fromSN, fromSN, toSN, includeSoftFailed, limit)
	} else {
		rows, err = sqlutil.TxStmt(txn, s.selectTimelineAscStmt).QueryContext(ctx, roomID, fromSN, toSN, toSN, includeSoftFailed, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *eventStatements) UpdateEventFrame(ctx context.Context, txn *sql.Tx, sn types.EventSN, frameID types.FrameID) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventFrameStmt).ExecContext(ctx, frameID, sn)
	return err
}

func (s *eventStatements) UpdateEventSoftFailed(ctx context.Context, txn *sql.Tx, sn types.EventSN, softFailed bool) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventSoftFailedStmt).ExecContext(ctx, softFailed, sn)
	return err
}

func (s *eventStatements) UpdateEventRedacted(ctx context.Context, txn *sql.Tx, eventID string, redacted bool) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventRedactedStmt).ExecContext(ctx, redacted, eventID)
	return err
}

func (s *eventStatements) UpdateEventRejected(ctx context.Context, txn *sql.Tx, eventID string, reason string) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventRejectedStmt).ExecContext(ctx, reason, eventID)
	return err
}

func (s *eventStatements) UpdateEventNotOutlier(ctx context.Context, txn *sql.Tx, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventNotOutlierStmt).ExecContext(ctx, eventID)
	return err
}

func (s *eventStatements) SelectMaxSN(ctx context.Context, txn *sql.Tx) (types.EventSN, error) {
	var sn int64
	err := sqlutil.TxStmt(txn, s.selectMaxSNStmt).QueryRowContext(ctx).Scan(&sn)
	return types.EventSN(sn), err
}
