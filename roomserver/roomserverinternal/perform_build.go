package internal

import (
	"context"
	"time"

	"github.com/palpo-server/palpo/internal/eventauth"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/api"
	"github.com/palpo-server/palpo/roomserver/types"
)

// BuildAndAppend builds a local event from current room state and runs it
// through the tail of the incoming pipeline (spec.md 4.7, "Stages for
// local build"). The room state lock is held across the whole critical
// section so concurrent sends in one room serialize.
func (r *RoomserverAPI) BuildAndAppend(
	ctx context.Context,
	builder *eventcore.Builder,
	origin eventcore.ServerName,
	keyPair eventcore.KeyPair,
) (types.EventSN, *eventcore.PDU, error) {
	unlock := r.locks.Lock(builder.RoomID)
	defer unlock()

	roomInfo, err := r.DB.RoomInfo(ctx, builder.RoomID)
	if err != nil {
		return 0, nil, err
	}

	var roomVersion eventcore.RoomVersion
	switch {
	case roomInfo != nil:
		roomVersion = roomInfo.Version
	case builder.Type == "m.room.create":
		roomVersion = eventcore.RoomVersion(r.Cfg.DefaultRoomVersion)
	default:
		return 0, nil, api.InputError{Kind: api.KindUnknownRoom, Msg: "room " + builder.RoomID + " is not known"}
	}

	if builder.Type != "m.room.create" {
		// Step B: prev_events are the current forward extremities,
		// bounded; depth is one past the deepest known.
		prevs := roomInfo.LatestEventIDs
		if len(prevs) > r.Cfg.MaxPrevEvents {
			prevs = prevs[len(prevs)-r.Cfg.MaxPrevEvents:]
		}
		if len(prevs) == 0 {
			return 0, nil, api.InputError{Kind: api.KindUnknownRoom, Msg: "room has no forward extremities"}
		}
		builder.PrevEvents = prevs
		builder.Depth = roomInfo.Depth + 1

		// Step C: auth_events selected from current state by the
		// room-version rules.
		currentState, serr := r.stateMapAtFrame(ctx, roomInfo.CurrentFrameID)
		if serr != nil {
			return 0, nil, serr
		}
		var authIDs []string
		for _, tuple := range eventauth.AuthEventsForBuilder(builder.Type, builder.StateKey, builder.Sender, builder.Content) {
			if id, ok := currentState[tuple]; ok {
				authIDs = append(authIDs, id)
			}
		}
		builder.AuthEvents = authIDs
	}

	// Step D: canonicalize, hash, sign.
	event, err := builder.Build(time.Now(), origin, keyPair, roomVersion)
	if err != nil {
		return 0, nil, err
	}

	// Step E: the remainder of the incoming pipeline, signature checks
	// skipped since we just signed it ourselves.
	input := &api.InputRoomEvent{
		EventID:         event.EventID(),
		RoomID:          event.RoomID(),
		EventJSON:       event.JSON(),
		IsTimeline:      true,
		AlreadyVerified: true,
	}
	sn, err := r.processParsedEvent(ctx, input, event, roomInfo)
	if err != nil {
		return 0, nil, err
	}
	return sn, event, nil
}
