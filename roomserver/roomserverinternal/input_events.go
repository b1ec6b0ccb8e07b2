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

package internal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/palpo-server/palpo/internal/eventauth"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/api"
	"github.com/palpo-server/palpo/roomserver/state"
	"github.com/palpo-server/palpo/roomserver/types"
)

// ProcessRoomEvent runs one event through the incoming pipeline
// (spec.md 4.7): envelope validation, verification, missing-event fetch,
// state-before computation, auth check, soft-fail check, persist, fan-out.
// It returns the assigned sequence number on success.
func (r *RoomserverAPI) ProcessRoomEvent(ctx context.Context, input *api.InputRoomEvent) (types.EventSN, error) {
	start := time.Now()
	defer func() {
		processRoomEventDuration.WithLabelValues(input.RoomID).Observe(float64(time.Since(start).Milliseconds()))
	}()

	event, roomInfo, err := r.parseAndVerify(ctx, input)
	if err != nil {
		return 0, err
	}

	// The room state lock covers everything from state computation to the
	// forward-extremity update (spec.md 5).
	unlock := r.locks.Lock(input.RoomID)
	defer unlock()

	return r.processParsedEvent(ctx, input, event, roomInfo)
}

// processParsedEvent runs pipeline steps 6-11 for an event that has passed
// envelope and signature checks. The caller must hold the room lock.
func (r *RoomserverAPI) processParsedEvent(ctx context.Context, input *api.InputRoomEvent, event *eventcore.PDU, roomInfo *types.RoomInfo) (types.EventSN, error) {
	var err error
	// Chase unknown prev/auth events before deciding state. Failure to
	// retrieve them leaves the event an outlier rather than failing it.
	isOutlier := false
	if event.Type() != "m.room.create" {
		if err = r.fetchMissingAuthEvents(ctx, input.Origin, roomInfo, event); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"event_id": event.EventID(),
				"room_id":  event.RoomID(),
			}).Warn("Unable to retrieve auth events, storing as outlier")
			isOutlier = true
		} else if missing, merr := r.missingPrevEvents(ctx, event); merr != nil {
			return 0, merr
		} else if len(missing) > 0 {
			if err = r.fetchMissingPrevEvents(ctx, input.Origin, roomInfo, missing); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"event_id": event.EventID(),
					"room_id":  event.RoomID(),
				}).Warn("Unable to retrieve prev events, storing as outlier")
				isOutlier = true
			}
		}
	}
	if isOutlier {
		sn, _, perr := r.DB.PersistEvent(ctx, event, true, false, "")
		return sn, perr
	}

	stateBefore, stateBeforeFrame, err := r.stateBeforeEvent(ctx, input.Origin, roomInfo, event)
	if err != nil {
		r.markKnownBad(event.EventID())
		return 0, err
	}

	// Auth against the state before the event (spec.md 4.7 step 8).
	if err = r.checkAllowed(ctx, event, stateBefore); err != nil {
		sn, _, perr := r.DB.PersistEvent(ctx, event, false, false, err.Error())
		if perr != nil {
			return 0, perr
		}
		r.markKnownBad(event.EventID())
		logrus.WithFields(logrus.Fields{
			"event_id": event.EventID(),
			"room_id":  event.RoomID(),
			"sender":   event.Sender(),
		}).WithError(err).Debug("Event rejected by auth rules")
		return sn, api.InputError{Kind: api.KindAuthFailed, Msg: err.Error()}
	}

	// Soft-fail: passed auth at its place in the graph but not against the
	// room as it stands now (spec.md 4.7 step 9).
	softFailed := false
	if input.IsTimeline && roomInfo != nil && roomInfo.CurrentFrameID != 0 && event.Type() != "m.room.create" {
		currentState, serr := r.stateMapAtFrame(ctx, roomInfo.CurrentFrameID)
		if serr != nil {
			return 0, serr
		}
		if err = r.checkAllowed(ctx, event, currentState); err != nil {
			softFailed = true
			softFailedEvents.Inc()
			logrus.WithFields(logrus.Fields{
				"event_id": event.EventID(),
				"room_id":  event.RoomID(),
			}).Debug("Event soft-failed against current state")
		}
	}

	return r.persistAndFanOut(ctx, input, event, roomInfo, stateBefore, stateBeforeFrame, softFailed)
}

// parseAndVerify covers pipeline steps 1-4: canonical parse, envelope
// checks, the known-bad shortcut and signature/hash verification.
func (r *RoomserverAPI) parseAndVerify(ctx context.Context, input *api.InputRoomEvent) (*eventcore.PDU, *types.RoomInfo, error) {
	roomInfo, err := r.DB.RoomInfo(ctx, input.RoomID)
	if err != nil {
		return nil, nil, err
	}

	var envelope struct {
		RoomID  string `json:"room_id"`
		Type    string `json:"type"`
		Content struct {
			RoomVersion string `json:"room_version"`
		} `json:"content"`
	}
	if err = json.Unmarshal(input.EventJSON, &envelope); err != nil {
		return nil, nil, api.InputError{Kind: api.KindBadJSON, Msg: "event is not valid JSON"}
	}
	if envelope.RoomID != input.RoomID {
		return nil, nil, api.InputError{Kind: api.KindBadJSON, Msg: "room_id does not match transaction"}
	}

	var roomVersion eventcore.RoomVersion
	switch {
	case roomInfo != nil:
		if roomInfo.Disabled {
			return nil, nil, api.InputError{Kind: api.KindAclBlocked, Msg: "room is disabled on this server"}
		}
		roomVersion = roomInfo.Version
	case envelope.Type == "m.room.create":
		roomVersion = eventcore.RoomVersion(envelope.Content.RoomVersion)
		if roomVersion == "" {
			roomVersion = eventcore.RoomVersionV1
		}
		if !eventcore.Supported(roomVersion) {
			return nil, nil, api.InputError{Kind: api.KindUnsupportedRoomVersion, Msg: "unsupported room version " + string(roomVersion)}
		}
	default:
		return nil, nil, api.InputError{Kind: api.KindUnknownRoom, Msg: "room " + input.RoomID + " is not known"}
	}

	canonical, err := eventcore.CanonicalJSON(input.EventJSON)
	if err != nil {
		return nil, nil, api.InputError{Kind: api.KindBadJSON, Msg: err.Error()}
	}
	event, err := eventcore.NewPDUFromTrustedJSON(canonical, roomVersion)
	if err != nil {
		return nil, nil, api.InputError{Kind: api.KindBadJSON, Msg: err.Error()}
	}
	if input.EventID != "" && input.EventID != event.EventID() {
		return nil, nil, api.InputError{Kind: api.KindBadJSON, Msg: "event_id does not match content"}
	}
	if r.isKnownBad(event.EventID()) {
		return nil, nil, api.InputError{Kind: api.KindRejected, Msg: "event recently failed processing, backing off"}
	}
	if !input.AlreadyVerified {
		if err = r.Verifier.VerifyEvent(ctx, event); err != nil {
			r.markKnownBad(event.EventID())
			return nil, nil, api.InputError{Kind: api.KindBadJSON, Msg: err.Error()}
		}
	}
	return event, roomInfo, nil
}

// missingPrevEvents returns the prev_events this server has never stored.
func (r *RoomserverAPI) missingPrevEvents(ctx context.Context, event *eventcore.PDU) ([]string, error) {
	var missing []string
	for _, id := range event.PrevEventIDs() {
		stored, err := r.DB.EventByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// fetchMissingAuthEvents retrieves and persists (as outliers) any auth
// events this server has not seen, so the auth chain is complete before the
// event is checked.
func (r *RoomserverAPI) fetchMissingAuthEvents(ctx context.Context, origin eventcore.ServerName, roomInfo *types.RoomInfo, event *eventcore.PDU) error {
	if roomInfo == nil {
		return nil
	}
	for _, id := range event.AuthEventIDs() {
		stored, err := r.DB.EventByID(ctx, id)
		if err != nil {
			return err
		}
		if stored != nil {
			continue
		}
		if origin == "" || r.Fetcher == nil {
			return api.InputError{Kind: api.KindNotFound, Msg: "auth event " + id + " unknown and unfetchable"}
		}
		fetched, err := r.Fetcher.FetchEvent(ctx, origin, roomInfo.Version, id)
		if err != nil {
			return err
		}
		if err = r.Verifier.VerifyEvent(ctx, fetched); err != nil {
			return err
		}
		// Recurse so the fetched event's own auth chain lands first.
		if err = r.fetchMissingAuthEvents(ctx, origin, roomInfo, fetched); err != nil {
			return err
		}
		if _, _, err = r.DB.PersistEvent(ctx, fetched, true, false, ""); err != nil {
			return err
		}
	}
	return nil
}

// fetchMissingPrevEvents walks backwards fetching unknown prev events, up
// to the configured recursion bound, running each through the pipeline as a
// non-timeline event.
func (r *RoomserverAPI) fetchMissingPrevEvents(ctx context.Context, origin eventcore.ServerName, roomInfo *types.RoomInfo, missing []string) error {
	if origin == "" || r.Fetcher == nil || roomInfo == nil {
		return api.InputError{Kind: api.KindNotFound, Msg: "prev events unknown and unfetchable"}
	}
	fetched := 0
	queue := append([]string{}, missing...)
	seen := map[string]struct{}{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if fetched >= r.Cfg.MissingEventRecursionLimit {
			return api.InputError{Kind: api.KindNotFound, Msg: "too many missing events"}
		}
		stored, err := r.DB.EventByID(ctx, id)
		if err != nil {
			return err
		}
		if stored != nil {
			continue
		}
		event, err := r.Fetcher.FetchEvent(ctx, origin, roomInfo.Version, id)
		if err != nil {
			return err
		}
		fetched++
		// Cycle detection: an event citing itself transitively would loop
		// forever without the seen set; citing a seen id is fine, citing
		// itself directly is rejected.
		for _, prevID := range event.PrevEventIDs() {
			if prevID == event.EventID() {
				return api.InputError{Kind: api.KindBadJSON, Msg: "event graph cycle detected"}
			}
			queue = append(queue, prevID)
		}
		// The caller already holds this room's lock, so the event runs
		// through the pipeline directly rather than via ProcessRoomEvent.
		prevInput := &api.InputRoomEvent{
			Origin:     origin,
			EventID:    event.EventID(),
			RoomID:     roomInfo.RoomID,
			EventJSON:  event.JSON(),
			IsTimeline: false,
		}
		parsed, parsedInfo, perr := r.parseAndVerify(ctx, prevInput)
		if perr == nil {
			_, perr = r.processParsedEvent(ctx, prevInput, parsed, parsedInfo)
		}
		if perr != nil {
			// A rejected historic event does not block its descendants.
			if api.ErrorKindOf(perr) == 0 {
				return perr
			}
		}
	}
	return nil
}

// stateBeforeEvent computes the room state the event should be authed
// against (spec.md 4.7 step 7) and the stored frame holding exactly that
// state, or 0 when the state was resolved across forks or fetched remotely.
func (r *RoomserverAPI) stateBeforeEvent(ctx context.Context, origin eventcore.ServerName, roomInfo *types.RoomInfo, event *eventcore.PDU) (state.StateMap, types.FrameID, error) {
	if event.Type() == "m.room.create" && len(event.PrevEventIDs()) == 0 {
		return state.StateMap{}, 0, nil
	}
	if roomInfo == nil {
		return nil, 0, api.InputError{Kind: api.KindUnknownRoom, Msg: "no room for non-create event"}
	}

	prevIDs := event.PrevEventIDs()
	prevs, err := r.DB.EventsByIDs(ctx, prevIDs)
	if err != nil {
		return nil, 0, err
	}

	type fork struct {
		frameID types.FrameID
	}
	var forks []fork
	allKnown := len(prevs) == len(prevIDs)
	for _, prev := range prevs {
		frameID := types.FrameID(0)
		if row, rerr := r.DB.Events.SelectEventByID(ctx, nil, prev.PDU.EventID()); rerr == nil && row != nil {
			frameID = row.FrameID
		}
		if frameID == 0 {
			allKnown = false
			continue
		}
		forks = append(forks, fork{frameID: frameID})
	}

	switch {
	case allKnown && len(forks) == 1:
		stateMap, serr := r.stateMapAtFrame(ctx, forks[0].frameID)
		return stateMap, forks[0].frameID, serr
	case allKnown && len(forks) > 1:
		forkMaps := make([]state.StateMap, len(forks))
		authChains := make([][]string, len(forks))
		for i, f := range forks {
			if forkMaps[i], err = r.stateMapAtFrame(ctx, f.frameID); err != nil {
				return nil, 0, err
			}
			if authChains[i], err = r.authChainIDsForState(ctx, event.RoomID(), forkMaps[i]); err != nil {
				return nil, 0, err
			}
		}
		resolved, rerr := state.Resolve(roomInfo.Version, forkMaps, authChains, r.eventLoader(ctx, event))
		if rerr != nil {
			return nil, 0, rerr
		}
		// No stored frame holds the resolved state; the caller writes one.
		return resolved, 0, nil
	default:
		// State at one or more prev events is unknown; ask the origin
		// (spec.md 4.7 step 7, /state_ids path).
		return r.stateFromRemote(ctx, origin, roomInfo, event)
	}
}

// authChainIDsForState maps a fork's state events to the event ids of
// their combined auth chain, the shape the resolver consumes.
func (r *RoomserverAPI) authChainIDsForState(ctx context.Context, roomID string, stateMap state.StateMap) ([]string, error) {
	ids := make([]string, 0, len(stateMap))
	for _, id := range stateMap {
		ids = append(ids, id)
	}
	sns, err := r.AuthChainSNs(ctx, roomID, ids)
	if err != nil {
		return nil, err
	}
	events, err := r.DB.EventsBySNs(ctx, sns)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(events))
	for _, event := range events {
		out = append(out, event.PDU.EventID())
	}
	return out, nil
}

// stateFromRemote fetches /state_ids at the event from its origin, pulls
// any events we lack, and cross-checks by resolving against known forks.
func (r *RoomserverAPI) stateFromRemote(ctx context.Context, origin eventcore.ServerName, roomInfo *types.RoomInfo, event *eventcore.PDU) (state.StateMap, types.FrameID, error) {
	if origin == "" || r.Fetcher == nil {
		return nil, 0, api.InputError{Kind: api.KindNotFound, Msg: "state at event unknown"}
	}
	stateIDs, authChainIDs, err := r.Fetcher.FetchStateIDs(ctx, origin, event.RoomID(), event.EventID())
	if err != nil {
		return nil, 0, err
	}
	for _, id := range append(append([]string{}, authChainIDs...), stateIDs...) {
		stored, serr := r.DB.EventByID(ctx, id)
		if serr != nil {
			return nil, 0, serr
		}
		if stored != nil {
			continue
		}
		fetched, ferr := r.Fetcher.FetchEvent(ctx, origin, roomInfo.Version, id)
		if ferr != nil {
			return nil, 0, ferr
		}
		if ferr = r.Verifier.VerifyEvent(ctx, fetched); ferr != nil {
			return nil, 0, ferr
		}
		if _, _, ferr = r.DB.PersistEvent(ctx, fetched, true, false, ""); ferr != nil {
			return nil, 0, ferr
		}
	}
	stateMap := state.StateMap{}
	events, err := r.DB.EventsByIDs(ctx, stateIDs)
	if err != nil {
		return nil, 0, err
	}
	for _, stored := range events {
		if stored.PDU.IsState() {
			stateMap[stored.PDU.StateKeyTuple()] = stored.PDU.EventID()
		}
	}
	return stateMap, 0, nil
}

// checkAllowed runs the auth rules with auth events drawn from a state map.
func (r *RoomserverAPI) checkAllowed(ctx context.Context, event *eventcore.PDU, stateMap state.StateMap) error {
	needed := eventauth.AuthEventsForBuilder(event.Type(), event.StateKey(), event.Sender(), event.Content())
	auth := eventauth.NewAuthEvents(nil)
	var ids []string
	for _, tuple := range needed {
		if id, ok := stateMap[tuple]; ok {
			ids = append(ids, id)
		}
	}
	events, err := r.DB.EventsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, stored := range events {
		_ = auth.AddEvent(stored.PDU)
	}
	return eventauth.Allowed(event, auth)
}
