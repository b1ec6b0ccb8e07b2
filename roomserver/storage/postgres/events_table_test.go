package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-server/palpo/roomserver/storage/tables"
	"github.com/palpo-server/palpo/roomserver/types"
)

func prepareMockEventsTable(t *testing.T) (tables.Events, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// One prepare per statement in eventStatements.
	for i := 0; i < 14; i++ {
		mock.ExpectPrepare(".+")
	}
	table, err := PrepareEventsTable(db)
	require.NoError(t, err)
	return table, mock
}

func TestInsertEventAllocatesSN(t *testing.T) {
	t.Parallel()
	table, mock := prepareMockEventsTable(t)

	mock.ExpectQuery("INSERT INTO roomserver_events").
		WillReturnRows(sqlmock.NewRows([]string{"event_sn"}).AddRow(42))

	sn, inserted, err := table.InsertEvent(context.Background(), nil, &tables.EventRow{
		EventID: "$abc", RoomID: "!r:a.test", EventType: "m.room.message",
		Depth: 3, Sender: "@u:a.test", OriginServerTS: 1000,
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, types.EventSN(42), sn)
	require.NoError(t, mock.ExpectationsWereMet())
}

// The idempotent-persist property: a conflicting insert returns the
// original sn with inserted=false.
func TestInsertEventIdempotent(t *testing.T) {
	t.Parallel()
	table, mock := prepareMockEventsTable(t)

	// ON CONFLICT DO NOTHING yields no RETURNING row.
	mock.ExpectQuery("INSERT INTO roomserver_events").
		WillReturnRows(sqlmock.NewRows([]string{"event_sn"}))
	mock.ExpectQuery("SELECT event_sn FROM roomserver_events").
		WillReturnRows(sqlmock.NewRows([]string{"event_sn"}).AddRow(42))

	sn, inserted, err := table.InsertEvent(context.Background(), nil, &tables.EventRow{
		EventID: "$abc", RoomID: "!r:a.test", EventType: "m.room.message",
		Depth: 3, Sender: "@u:a.test", OriginServerTS: 1000,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, types.EventSN(42), sn)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectEventByIDNotFound(t *testing.T) {
	t.Parallel()
	table, mock := prepareMockEventsTable(t)

	mock.ExpectQuery("SELECT .+ FROM roomserver_events WHERE event_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"event_sn", "event_id", "room_id", "event_type", "state_key", "depth",
			"sender", "origin_server_ts", "frame_id", "outlier", "soft_failed",
			"redacted", "rejection_reason",
		}))

	row, err := table.SelectEventByID(context.Background(), nil, "$missing")
	require.NoError(t, err)
	assert.Nil(t, row)
}
