package internal

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/api"
	"github.com/palpo-server/palpo/roomserver/state"
	"github.com/palpo-server/palpo/roomserver/types"
)

// persistAndFanOut covers pipeline steps 10-11: durable persist, state
// frame stamping, forward-extremity update, membership derivation,
// redaction application and the output broadcast. The caller holds the
// room lock.
func (r *RoomserverAPI) persistAndFanOut(
	ctx context.Context,
	input *api.InputRoomEvent,
	event *eventcore.PDU,
	roomInfo *types.RoomInfo,
	stateBefore state.StateMap,
	stateBeforeFrame types.FrameID,
	softFailed bool,
) (types.EventSN, error) {
	if event.Type() == "m.room.create" && roomInfo == nil {
		if err := r.DB.CreateRoomIfNotExists(ctx, event.RoomID(), event.RoomVersion()); err != nil {
			return 0, err
		}
		var err error
		if roomInfo, err = r.DB.RoomInfo(ctx, event.RoomID()); err != nil {
			return 0, err
		}
	}

	sn, inserted, err := r.DB.PersistEvent(ctx, event, false, softFailed, "")
	if err != nil {
		return 0, err
	}
	if !inserted {
		// Idempotent persist (spec.md 4.3): the event was fully processed
		// before, nothing further to do.
		if stored, serr := r.DB.EventByID(ctx, event.EventID()); serr == nil && stored != nil && !stored.Outlier {
			return sn, nil
		}
		// A previously-stored outlier is now on the timeline.
		if err = r.DB.MarkEventNotOutlier(ctx, event.EventID()); err != nil {
			return 0, err
		}
	}

	// State after this event: state before, plus the event itself when it
	// is a state event.
	stateAfter := stateBefore
	if event.IsState() {
		stateAfter = make(state.StateMap, len(stateBefore)+1)
		for k, v := range stateBefore {
			stateAfter[k] = v
		}
		stateAfter[event.StateKeyTuple()] = event.EventID()
	}
	frameID := stateBeforeFrame
	if event.IsState() || stateBeforeFrame == 0 {
		if frameID, err = r.frameForState(ctx, event.RoomID(), stateBeforeFrame, r.frameStateOrEmpty(ctx, stateBeforeFrame), stateAfter); err != nil {
			return 0, err
		}
	}
	if err = r.DB.SetEventFrame(ctx, sn, frameID); err != nil {
		return 0, err
	}

	// Seed the auth-chain cache while the event is hot (spec.md 4.7
	// step 10).
	if _, err = r.AuthChainSNs(ctx, event.RoomID(), []string{event.EventID()}); err != nil {
		logrus.WithError(err).WithField("event_id", event.EventID()).Warn("Unable to seed auth chain cache")
	}

	if input.IsTimeline && !softFailed {
		if err = r.updateForwardExtremities(ctx, roomInfo, event, frameID); err != nil {
			return 0, err
		}
	}

	stored := &types.Event{SN: sn, PDU: event, SoftFailed: softFailed}
	if err = r.DB.UpdateMembership(ctx, stored); err != nil {
		return 0, err
	}
	if event.Type() == "m.room.redaction" {
		r.applyRedaction(ctx, event)
	}

	if r.Publisher != nil {
		output := &api.OutputRoomEvent{
			EventSN:    sn,
			EventID:    event.EventID(),
			RoomID:     event.RoomID(),
			EventType:  event.Type(),
			Sender:     event.Sender(),
			SoftFailed: softFailed,
			EventJSON:  event.JSON(),
		}
		if event.Type() == "m.room.member" && event.IsState() {
			output.TargetUserID = *event.StateKey()
		}
		if err = r.Publisher.PublishRoomEvent(ctx, output); err != nil {
			// The event is durable; a broadcast failure only delays
			// delivery until the next poll.
			logrus.WithError(err).WithField("event_id", event.EventID()).Warn("Unable to publish room event")
		}
	}
	return sn, nil
}

// frameStateOrEmpty is stateMapAtFrame tolerating frame 0 and errors; used
// only for delta computation where a miss degrades to a fuller delta.
func (r *RoomserverAPI) frameStateOrEmpty(ctx context.Context, frameID types.FrameID) state.StateMap {
	if frameID == 0 {
		return state.StateMap{}
	}
	stateMap, err := r.stateMapAtFrame(ctx, frameID)
	if err != nil {
		return state.StateMap{}
	}
	return stateMap
}

// updateForwardExtremities replaces the prev_events this event consumes
// with the event itself (spec.md 3, "Forward extremity"). Soft-failed
// events never reach here, keeping them out of prev_events selection.
func (r *RoomserverAPI) updateForwardExtremities(ctx context.Context, roomInfo *types.RoomInfo, event *eventcore.PDU, frameID types.FrameID) error {
	consumed := make(map[string]struct{}, len(event.PrevEventIDs()))
	for _, id := range event.PrevEventIDs() {
		consumed[id] = struct{}{}
	}
	var latest []string
	if roomInfo != nil {
		for _, id := range roomInfo.LatestEventIDs {
			if _, gone := consumed[id]; !gone {
				latest = append(latest, id)
			}
		}
	}
	latest = append(latest, event.EventID())
	if max := r.Cfg.MaxPrevEvents; len(latest) > max {
		latest = latest[len(latest)-max:]
	}
	depth := event.Depth()
	if roomInfo != nil && roomInfo.Depth > depth {
		depth = roomInfo.Depth
	}
	return r.DB.SetRoomLatest(ctx, event.RoomID(), latest, frameID, depth)
}

// applyRedaction validates and applies a redaction to its target
// (spec.md 4.7 step 5): same room, and the target must already exist. The
// redacted copy is computed to validate the redaction algorithm against
// the original; the store keeps the original JSON and the redacted flag.
func (r *RoomserverAPI) applyRedaction(ctx context.Context, event *eventcore.PDU) {
	targetID := event.Redacts()
	if targetID == "" {
		var content struct {
			Redacts string `json:"redacts"`
		}
		_ = json.Unmarshal(event.Content(), &content)
		targetID = content.Redacts
	}
	if targetID == "" {
		return
	}
	target, err := r.DB.EventByID(ctx, targetID)
	if err != nil || target == nil {
		return
	}
	if target.PDU.RoomID() != event.RoomID() {
		logrus.WithFields(logrus.Fields{
			"event_id": event.EventID(),
			"redacts":  targetID,
			"room_id":  event.RoomID(),
		}).Warn("Redaction crosses rooms, ignoring")
		return
	}
	if _, err = eventcore.RedactEvent(target.PDU); err != nil {
		logrus.WithError(err).WithField("event_id", targetID).Warn("Unable to redact event")
		return
	}
	if err = r.DB.MarkEventRedacted(ctx, targetID); err != nil {
		logrus.WithError(err).WithField("event_id", targetID).Warn("Unable to mark event redacted")
	}
}
