// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package postgres is the PostgreSQL roomserver storage backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/sqlutil"
	"github.com/palpo-server/palpo/roomserver/storage/postgres/deltas"
	"github.com/palpo-server/palpo/roomserver/storage/shared"
	"github.com/palpo-server/palpo/setup/config"
)

// Open connects to the configured postgres database, creates or upgrades
// the schema and returns the shared database layer.
func Open(dbOpts *config.DatabaseOptions, caches *caching.Caches) (*shared.Database, error) {
	db, err := sql.Open("postgres", dbOpts.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: opening database: %w", err)
	}
	db.SetMaxOpenConns(dbOpts.MaxOpenConns)
	db.SetMaxIdleConns(dbOpts.MaxIdleConns)
	if dbOpts.ConnMaxLifetimeS > 0 {
		db.SetConnMaxLifetime(time.Duration(dbOpts.ConnMaxLifetimeS) * time.Second)
	}

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
			return nil, fmt.Errorf("postgres: creating schema: %w", err)
		}
	}

	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "roomserver: add frame_id to events",
		Up:      deltas.UpAddEventFrameID,
	})
	if err = m.Up(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres: migrations: %w", err)
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
