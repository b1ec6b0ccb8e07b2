// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package internal implements the roomserver: the incoming PDU pipeline,
// local event building, the bucketed auth-chain computation and the
// timeline/state query surface.
package internal

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/roomserver/api"
	"github.com/palpo-server/palpo/roomserver/state"
	"github.com/palpo-server/palpo/roomserver/storage/shared"
	"github.com/palpo-server/palpo/setup/config"
)

var (
	processRoomEventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "palpo",
			Subsystem: "roomserver",
			Name:      "process_room_event_duration_ms",
			Help:      "How long it takes the roomserver to process an event",
			Buckets: []float64{
				10, 25, 50, 75, 100, 250, 500,
				1000, 2000, 3000, 4000, 5000, 6000,
				7000, 8000, 9000, 10000, 15000, 20000,
			},
		},
		[]string{"room_id"},
	)
	softFailedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "palpo",
			Subsystem: "roomserver",
			Name:      "soft_failed_events_total",
			Help:      "Total number of events that soft-failed against current state",
		},
	)
)

var registerMetricsOnce sync.Once

func init() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(processRoomEventDuration, softFailedEvents)
	})
}

// RoomserverAPI ties the pipeline to its collaborators. Construct one per
// process with NewRoomserverAPI.
type RoomserverAPI struct {
	Cfg        *config.RoomServer
	DB         *shared.Database
	Caches     *caching.Caches
	Compressor *state.Compressor
	Verifier   api.EventVerifier
	Fetcher    api.MissingEventFetcher
	Publisher  api.OutputPublisher
	ServerName string

	locks *roomLocks

	// knownBad rate-limits reprocessing of events that recently failed
	// (spec.md 4.7 step 2).
	knownBadMu sync.Mutex
	knownBad   map[string]time.Time
}

// NewRoomserverAPI builds the roomserver over an opened database.
func NewRoomserverAPI(
	cfg *config.RoomServer,
	db *shared.Database,
	caches *caching.Caches,
	verifier api.EventVerifier,
	fetcher api.MissingEventFetcher,
	publisher api.OutputPublisher,
	serverName string,
) *RoomserverAPI {
	return &RoomserverAPI{
		Cfg:        cfg,
		DB:         db,
		Caches:     caches,
		Compressor: state.NewCompressor(db, caches),
		Verifier:   verifier,
		Fetcher:    fetcher,
		Publisher:  publisher,
		ServerName: serverName,
		locks:      newRoomLocks(),
		knownBad:   make(map[string]time.Time),
	}
}

// knownBadBackoff is how long a failed event id is short-circuited for.
const knownBadBackoff = 5 * time.Minute

func (r *RoomserverAPI) isKnownBad(eventID string) bool {
	r.knownBadMu.Lock()
	defer r.knownBadMu.Unlock()
	until, ok := r.knownBad[eventID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(r.knownBad, eventID)
		return false
	}
	return true
}

func (r *RoomserverAPI) markKnownBad(eventID string) {
	r.knownBadMu.Lock()
	defer r.knownBadMu.Unlock()
	r.knownBad[eventID] = time.Now().Add(knownBadBackoff)
}
