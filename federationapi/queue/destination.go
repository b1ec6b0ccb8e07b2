package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/palpo-server/palpo/federationapi/client"
	"github.com/palpo-server/palpo/federationapi/storage/shared"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/types"
)

// destinationQueue drains one remote server's queue, one transaction at a
// time (spec.md 5, "Per-destination serialization").
type destinationQueue struct {
	parent      *OutgoingQueues
	destination eventcore.ServerName

	runningMu sync.Mutex
	running   bool
	notify    chan struct{}
}

func newDestinationQueue(parent *OutgoingQueues, destination eventcore.ServerName) *destinationQueue {
	return &destinationQueue{
		parent:      parent,
		destination: destination,
		notify:      make(chan struct{}, 1),
	}
}

// wakeUp starts the background worker if idle and signals new work.
func (d *destinationQueue) wakeUp() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	if !d.running {
		d.running = true
		destinationQueueRunning.Inc()
		go d.run()
	}
}

// idleTimeout stops the worker when a destination has been quiet.
const idleTimeout = 5 * time.Minute

func (d *destinationQueue) run() {
	defer func() {
		d.runningMu.Lock()
		d.running = false
		d.runningMu.Unlock()
		destinationQueueRunning.Dec()
	}()

	ctx := context.Background()
	for {
		// Respect the backoff schedule before attempting anything
		// (testable property: retries never outpace the schedule).
		state, err := d.parent.DB.GetRetryState(ctx, d.destination)
		if err != nil {
			logrus.WithError(err).WithField("destination", d.destination).Error("Unable to read retry state")
			return
		}
		if wait := time.Until(state.RetryAt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-d.notify:
				// New work does not bypass backoff; loop to re-check.
				continue
			}
		}

		sent, err := d.sendNextTransaction(ctx)
		if err != nil {
			d.scheduleRetry(ctx, state)
			continue
		}
		if sent {
			// Delivery succeeded; destination is healthy again.
			if state.FailureCount > 0 || !state.RetryAt.IsZero() {
				state.FailureCount = 0
				state.RetryAt = time.Time{}
				state.Blacklisted = false
				_ = d.parent.DB.SetRetryState(ctx, state)
			}
			continue
		}

		// Queue is empty; wait for more work or go idle.
		select {
		case <-d.notify:
		case <-time.After(idleTimeout):
			return
		}
	}
}

// scheduleRetry applies exponential backoff: base 30s doubling to the cap
// (spec.md 4.10), and marks the destination failing past the threshold.
func (d *destinationQueue) scheduleRetry(ctx context.Context, state *shared.RetryState) {
	state.FailureCount++
	delay := retryDelay(state.FailureCount,
		time.Duration(d.parent.Cfg.BackoffBaseMS)*time.Millisecond,
		time.Duration(d.parent.Cfg.BackoffCapMS)*time.Millisecond)
	state.RetryAt = time.Now().Add(delay)
	if state.FailureCount >= d.parent.Cfg.BlacklistThreshold {
		state.Blacklisted = true
	}
	if err := d.parent.DB.SetRetryState(ctx, state); err != nil {
		logrus.WithError(err).WithField("destination", d.destination).Error("Unable to store retry state")
	}
	logrus.WithFields(logrus.Fields{
		"destination":   d.destination,
		"failure_count": state.FailureCount,
		"retry_at":      state.RetryAt,
	}).Debug("Scheduled federation retry")
}

// retryDelay is the backoff schedule: min(base * 2^n, cap) for the nth
// consecutive failure.
func retryDelay(failureCount int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < failureCount && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

// sendNextTransaction batches pending work into one signed transaction.
// Returns false with nil error when there was nothing to send.
func (d *destinationQueue) sendNextTransaction(ctx context.Context) (bool, error) {
	pduSNs, err := d.parent.DB.GetPendingPDUs(ctx, d.destination, d.parent.Cfg.MaxPDUsPerTransaction)
	if err != nil {
		return false, err
	}
	edus, err := d.parent.DB.GetPendingEDUs(ctx, d.destination, d.parent.Cfg.MaxEDUsPerTransaction)
	if err != nil {
		return false, err
	}
	if len(pduSNs) == 0 && len(edus) == 0 {
		return false, nil
	}

	txn := &client.Transaction{
		Origin:         d.parent.Origin,
		OriginServerTS: time.Now().UnixMilli(),
	}
	var missingSNs []types.EventSN
	for _, sn := range pduSNs {
		if pdu, ok := d.parent.Caches.GetFederationQueuedPDU(int64(sn)); ok {
			txn.PDUs = append(txn.PDUs, json.RawMessage(pdu.JSON()))
			continue
		}
		missingSNs = append(missingSNs, sn)
	}
	if len(missingSNs) > 0 {
		events, ferr := d.parent.Events.EventsBySNs(ctx, missingSNs)
		if ferr != nil {
			return false, ferr
		}
		for _, event := range events {
			txn.PDUs = append(txn.PDUs, json.RawMessage(event.PDU.JSON()))
		}
	}
	for _, edu := range edus {
		wrapped, _ := json.Marshal(map[string]interface{}{
			"edu_type": edu.EDUType,
			"content":  json.RawMessage(edu.JSON),
		})
		txn.EDUs = append(txn.EDUs, wrapped)
	}

	// Transaction ids are unique per attempt batch; retries reuse the
	// same queue contents so delivery is idempotent at the remote.
	txnID := uuid.NewString()
	response, err := d.parent.Client.SendTransaction(ctx, d.destination, txnID, txn)
	if err != nil {
		if remoteErr, ok := err.(client.RemoteError); ok && !remoteErr.Retryable() {
			// Hard 4xx: drop the batch with a warning rather than retrying
			// forever (spec.md 4.10).
			logrus.WithError(err).WithFields(logrus.Fields{
				"destination": d.destination,
				"pdus":        len(txn.PDUs),
				"edus":        len(txn.EDUs),
			}).Warn("Remote rejected transaction, dropping batch")
			d.cleanBatch(ctx, pduSNs, edus)
			transactionsSent.WithLabelValues("rejected").Inc()
			return true, nil
		}
		transactionsSent.WithLabelValues("failed").Inc()
		return false, err
	}

	for eventID, result := range response.PDUs {
		if result.Error != "" {
			logrus.WithFields(logrus.Fields{
				"destination": d.destination,
				"event_id":    eventID,
				"error":       result.Error,
			}).Warn("Remote reported per-event failure")
		}
	}
	d.cleanBatch(ctx, pduSNs, edus)
	transactionsSent.WithLabelValues("ok").Inc()
	return true, nil
}

func (d *destinationQueue) cleanBatch(ctx context.Context, pduSNs []types.EventSN, edus []*shared.QueuedEDU) {
	if len(pduSNs) > 0 {
		if err := d.parent.DB.CleanPDUs(ctx, d.destination, pduSNs); err != nil {
			logrus.WithError(err).WithField("destination", d.destination).Error("Unable to clean sent PDUs")
		}
		for _, sn := range pduSNs {
			d.parent.Caches.EvictFederationQueuedPDU(int64(sn))
		}
	}
	if len(edus) > 0 {
		nids := make([]int64, len(edus))
		for i, edu := range edus {
			nids[i] = edu.NID
			d.parent.Caches.EvictFederationQueuedEDU(edu.NID)
		}
		if err := d.parent.DB.CleanEDUs(ctx, d.destination, nids); err != nil {
			logrus.WithError(err).WithField("destination", d.destination).Error("Unable to clean sent EDUs")
		}
	}
}
