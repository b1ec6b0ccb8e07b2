// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sqlite3 is the embedded roomserver storage backend, used for
// development and small deployments; the schema mirrors the postgres one.
package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/sqlutil"
	"github.com/palpo-server/palpo/roomserver/storage/shared"
	"github.com/palpo-server/palpo/roomserver/storage/sqlite3/deltas"
	"github.com/palpo-server/palpo/setup/config"
)

// Open opens (creating if needed) the sqlite database file and returns the
// shared database layer.
func Open(dbOpts *config.DatabaseOptions, caches *caching.Caches) (*shared.Database, error) {
	path := strings.TrimPrefix(dbOpts.ConnectionString, "file:")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite3: opening database: %w", err)
	}
	// sqlite serializes writers; concurrent write connections only produce
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	create := []func(*sql.DB) error{
		CreateEventsTable,
		CreateEventJSONTable,
		CreateRoomsTable,
		CreateStateFieldsTable,
		CreateStateFramesTable,
		CreateAuthChainsTable,
		CreateMembershipTable,
	}
	for _, fn := range create {
		if err = fn(db); err != nil {
			return nil, fmt.Errorf("sqlite3: creating schema: %w", err)
		}
	}

	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "roomserver: add frame_id to events",
		Up:      deltas.UpAddEventFrameID,
	})
	if err = m.Up(context.Background()); err != nil {
		return nil, fmt.Errorf("sqlite3: migrations: %w", err)
	}

	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, err
	}
	eventJSON, err := PrepareEventJSONTable(db)
	if err != nil {
		return nil, err
	}
	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, err
	}
	stateFields, err := PrepareStateFieldsTable(db)
	if err != nil {
		return nil, err
	}
	stateFrames, err := PrepareStateFramesTable(db)
	if err != nil {
		return nil, err
	}
	authChains, err := PrepareAuthChainsTable(db)
	if err != nil {
		return nil, err
	}
	memberships, err := PrepareMembershipTable(db)
	if err != nil {
		return nil, err
	}

	return &shared.Database{
		DB:          db,
		Caches:      caches,
		Events:      events,
		EventJSON:   eventJSON,
		Rooms:       rooms,
		StateFields: stateFields,
		StateFrames: stateFrames,
		AuthChains:  authChains,
		Memberships: memberships,
	}, nil
}
