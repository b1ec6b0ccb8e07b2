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

// The event_sn default draws from a global sequence, giving every persisted
// event a strictly monotonic sequence number across all rooms (spec.md 4.3).
const eventsSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_event_sn_seq;

CREATE TABLE IF NOT EXISTS roomserver_events (
    event_sn BIGINT PRIMARY KEY DEFAULT nextval('roomserver_event_sn_seq'),
    event_id TEXT NOT NULL UNIQUE,
    room_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    state_key TEXT,
    depth BIGINT NOT NULL,
    sender TEXT NOT NULL,
    origin_server_ts BIGINT NOT NULL,
    frame_id BIGINT NOT NULL DEFAULT 0,
    outlier BOOLEAN NOT NULL DEFAULT FALSE,
    soft_failed BOOLEAN NOT NULL DEFAULT FALSE,
    redacted BOOLEAN NOT NULL DEFAULT FALSE,
    rejection_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_roomserver_events_room_sn
    ON roomserver_events(room_id, event_sn);
CREATE INDEX IF NOT EXISTS idx_roomserver_events_type
    ON roomserver_events(room_id, event_type);
`

const eventColumns = "event_sn, event_id, room_id, event_type, state_key, depth, sender, origin_server_ts, frame_id, outlier, soft_failed, redacted, rejection_reason"

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (event_id, room_id, event_type, state_key, depth, sender, origin_server_ts, frame_id, outlier, soft_failed, rejection_reason)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)" +
	" ON CONFLICT (event_id) DO NOTHING" +
	" RETURNING event_sn"

const selectEventSNByIDSQL = "" +
	"SELECT event_sn FROM roomserver_events WHERE event_id = $1"

const selectEventByIDSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events WHERE event_id = $1"

const selectEventBySNSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events WHERE event_sn = $1"

const selectEventsByIDsSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events WHERE event_id = ANY($1)"

const selectEventsBySNsSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events WHERE event_sn = ANY($1)"

const selectTimelineAscSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events" +
	" WHERE room_id = $1 AND event_sn > $2 AND ($3 = 0 OR event_sn < $3)" +
	" AND NOT outlier AND rejection_reason = '' AND (soft_failed = FALSE OR $4 = TRUE)" +
	" ORDER BY event_sn ASC LIMIT $5"

const selectTimelineDescSQL = "" +
	"SELECT " + eventColumns + " FROM roomserver_events" +
	" WHERE room_id = $1 AND ($2 = 0 OR event_sn < $2) AND event_sn > $3" +
	" AND NOT outlier AND rejection_reason = '' AND (soft_failed = FALSE OR $4 = TRUE)" +
	" ORDER BY event_sn DESC LIMIT $5"

const updateEventFrameSQL = "" +
	"UPDATE roomserver_events SET frame_id = $2 WHERE event_sn = $1"

const updateEventSoftFailedSQL = "" +
	"UPDATE roomserver_events SET soft_failed = $2 WHERE event_sn = $1"

const updateEventRedactedSQL = "" +
	"UPDATE roomserver_events SET redacted = $2 WHERE event_id = $1"

const updateEventRejectedSQL = "" +
	"UPDATE roomserver_events SET rejection_reason = $2 WHERE event_id = $1"

const updateEventNotOutlierSQL = "" +
	"UPDATE roomserver_events SET outlier = FALSE WHERE event_id = $1"

const selectMaxSNSQL = "" +
	"SELECT COALESCE(MAX(event_sn), 0) FROM roomserver_events"

type eventStatements struct {
	insertEventStmt           *sql.Stmt
	selectEventSNByIDStmt     *sql.Stmt
	selectEventByIDStmt       *sql.Stmt
	selectEventBySNStmt       *sql.Stmt
	selectEventsByIDsStmt     *sql.Stmt
	selectEventsBySNsStmt     *sql.Stmt
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
	s := &eventStatements{}
	return s, sqlutil.StatementList{
		{Target: &s.insertEventStmt, SQL: insertEventSQL},
		{Target: &s.selectEventSNByIDStmt, SQL: selectEventSNByIDSQL},
		{Target: &s.selectEventByIDStmt, SQL: selectEventByIDSQL},
		{Target: &s.selectEventBySNStmt, SQL: selectEventBySNSQL},
		{Target: &s.selectEventsByIDsStmt, SQL: selectEventsByIDsSQL},
		{Target: &s.selectEventsBySNsStmt, SQL: selectEventsBySNsSQL},
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
	// Conflict: the event already exists, return its original sn.
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

func (s *eventStatements) SelectEventsByIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]*tables.EventRow, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEventsByIDsStmt).QueryContext(ctx, pq.StringArray(eventIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *eventStatements) SelectEventsBySNs(ctx context.Context, txn *sql.Tx, sns []types.EventSN) ([]*tables.EventRow, error) {
	asInt64 := make(pq.Int64Array, len(sns))
	for i, sn := range sns {
		asInt64[i] = int64(sn)
	}
	rows, err := sqlutil.TxStmt(txn, s.selectEventsBySNsStmt).QueryContext(ctx, asInt64)
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
		rows, err = sqlutil.TxStmt(txn, s.selectTimelineDescStmt).QueryContext(ctx, roomID, fromSN, toSN, includeSoftFailed, limit)
	} else {
		rows, err = sqlutil.TxStmt(txn, s.selectTimelineAscStmt).QueryContext(ctx, roomID, fromSN, toSN, includeSoftFailed, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func (s *eventStatements) UpdateEventFrame(ctx context.Context, txn *sql.Tx, sn types.EventSN, frameID types.FrameID) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventFrameStmt).ExecContext(ctx, sn, frameID)
	return err
}

func (s *eventStatements) UpdateEventSoftFailed(ctx context.Context, txn *sql.Tx, sn types.EventSN, softFailed bool) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventSoftFailedStmt).ExecContext(ctx, sn, softFailed)
	return err
}

func (s *eventStatements) UpdateEventRedacted(ctx context.Context, txn *sql.Tx, eventID string, redacted bool) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventRedactedStmt).ExecContext(ctx, eventID, redacted)
	return err
}

func (s *eventStatements) UpdateEventRejected(ctx context.Context, txn *sql.Tx, eventID string, reason string) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventRejectedStmt).ExecContext(ctx, eventID, reason)
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
