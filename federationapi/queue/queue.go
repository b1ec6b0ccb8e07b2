// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue is the outbound federation sender: per-destination queues
// batching PDUs and EDUs into signed transactions with retry and backoff
// (spec.md 4.10).
package queue

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/palpo-server/palpo/federationapi/client"
	"github.com/palpo-server/palpo/federationapi/storage/shared"
	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/types"
	"github.com/palpo-server/palpo/setup/config"
)

var (
	destinationQueueRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "palpo",
			Subsystem: "federationsender",
			Name:      "destination_queues_running",
			Help:      "Number of destination queues currently running",
		},
	)
	transactionsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "palpo",
			Subsystem: "federationsender",
			Name:      "transactions_sent_total",
			Help:      "Total transactions sent, by outcome",
		},
		[]string{"outcome"},
	)
)

var registerMetricsOnce sync.Once

func init() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(destinationQueueRunning, transactionsSent)
	})
}

// EventFetcher resolves queued event sns back to their JSON; the
// roomserver's shared database satisfies it.
type EventFetcher interface {
	EventsBySNs(ctx context.Context, sns []types.EventSN) ([]*types.Event, error)
}

// OutgoingQueues owns one destinationQueue per remote server.
type OutgoingQueues struct {
	Cfg    *config.FederationAPI
	DB     shared.Database
	Events EventFetcher
	Client *client.FederationClient
	Caches caching.FederationCache
	Origin eventcore.ServerName

	mu     sync.Mutex
	queues map[eventcore.ServerName]*destinationQueue
}

// NewOutgoingQueues builds the sender and resumes any destinations with
// work left over from a previous run.
func NewOutgoingQueues(
	cfg *config.FederationAPI,
	db shared.Database,
	events EventFetcher,
	fedClient *client.FederationClient,
	caches caching.FederationCache,
	origin eventcore.ServerName,
) *OutgoingQueues {
	queues := &OutgoingQueues{
		Cfg:    cfg,
		DB:     db,
		Events: events,
		Client: fedClient,
		Caches: caches,
		Origin: origin,
		queues: make(map[eventcore.ServerName]*destinationQueue),
	}
	if pending, err := db.GetPendingDestinations(context.Background()); err != nil {
		logrus.WithError(err).Error("Unable to resume pending federation destinations")
	} else {
		for _, destination := range pending {
			queues.getQueue(destination).wakeUp()
		}
	}
	return queues
}

func (q *OutgoingQueues) getQueue(destination eventcore.ServerName) *destinationQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue, ok := q.queues[destination]
	if !ok {
		queue = newDestinationQueue(q, destination)
		q.queues[destination] = queue
	}
	return queue
}

// SendEvent queues a persisted event for every remote destination of its
// room (spec.md 4.7 step 11).
func (q *OutgoingQueues) SendEvent(ctx context.Context, event *types.Event, destinations []eventcore.ServerName) error {
	destinations = q.filterLocal(destinations)
	if len(destinations) == 0 {
		return nil
	}
	if err := q.DB.AssociatePDUWithDestinations(ctx, destinations, event.SN); err != nil {
		return err
	}
	if event.PDU != nil {
		q.Caches.StoreFederationQueuedPDU(int64(event.SN), event.PDU)
	}
	for _, destination := range destinations {
		q.getQueue(destination).wakeUp()
	}
	return nil
}

// SendEDU queues an ephemeral payload. Typing and receipt EDUs replace any
// still-pending EDU for the same (room, user), so only the latest state is
// ever in flight (spec.md 4.10).
func (q *OutgoingQueues) SendEDU(ctx context.Context, eduType string, eduJSON []byte, destinations []eventcore.ServerName) error {
	destinations = q.filterLocal(destinations)
	if len(destinations) == 0 {
		return nil
	}
	if key := eduDedupKey(eduType, eduJSON); key != "" {
		for _, destination := range destinations {
			q.dropSupersededEDUs(ctx, destination, eduType, key)
		}
	}
	nid, err := q.DB.AssociateEDUWithDestinations(ctx, destinations, eduType, eduJSON)
	if err != nil {
		return err
	}
	q.Caches.StoreFederationQueuedEDU(nid, eduJSON)
	for _, destination := range destinations {
		q.getQueue(destination).wakeUp()
	}
	return nil
}

func (q *OutgoingQueues) filterLocal(destinations []eventcore.ServerName) []eventcore.ServerName {
	out := destinations[:0]
	for _, destination := range destinations {
		if destination != q.Origin && destination != "" {
			out = append(out, destination)
		}
	}
	return out
}

// eduDedupKey extracts the (room, user) identity of typing and receipt
// EDUs; other EDU kinds are never deduplicated.
func eduDedupKey(eduType string, eduJSON []byte) string {
	switch eduType {
	case "m.typing":
		roomID := gjson.GetBytes(eduJSON, "room_id").Str
		userID := gjson.GetBytes(eduJSON, "user_id").Str
		if roomID != "" && userID != "" {
			return roomID + "/" + userID
		}
	case "m.receipt":
		// Receipt EDU content is keyed by room id, then receipt type, then
		// user id.
		var roomID, userID string
		gjson.ParseBytes(eduJSON).ForEach(func(key, value gjson.Result) bool {
			roomID = key.Str
			value.Get(`m\.read`).ForEach(func(user, _ gjson.Result) bool {
				userID = user.Str
				return false
			})
			return false
		})
		if roomID != "" && userID != "" {
			return roomID + "/" + userID
		}
	}
	return ""
}

// dropSupersededEDUs removes pending EDUs of the same kind and dedup key.
func (q *OutgoingQueues) dropSupersededEDUs(ctx context.Context, destination eventcore.ServerName, eduType, key string) {
	pending, err := q.DB.GetPendingEDUs(ctx, destination, q.Cfg.MaxEDUsPerTransaction)
	if err != nil {
		return
	}
	var superseded []int64
	for _, edu := range pending {
		if edu.EDUType == eduType && eduDedupKey(edu.EDUType, edu.JSON) == key {
			superseded = append(superseded, edu.NID)
		}
	}
	if len(superseded) > 0 {
		if err := q.DB.CleanEDUs(ctx, destination, superseded); err != nil {
			logrus.WithError(err).WithField("destination", destination).Warn("Unable to drop superseded EDUs")
		}
	}
}
