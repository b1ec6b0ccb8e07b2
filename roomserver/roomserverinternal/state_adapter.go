package internal

import (
	"context"
	"fmt"

	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/roomserver/state"
	"github.com/palpo-server/palpo/roomserver/types"
)

// stateMapAtFrame materializes the full state at a frame as the resolver's
// (type, state_key) → event-id shape.
func (r *RoomserverAPI) stateMapAtFrame(ctx context.Context, frameID types.FrameID) (state.StateMap, error) {
	if frameID == 0 {
		return state.StateMap{}, nil
	}
	entries, err := r.Compressor.GetFullState(ctx, frameID)
	if err != nil {
		return nil, err
	}
	sns := make([]types.EventSN, len(entries))
	for i, entry := range entries {
		sns[i] = entry.EventSN
	}
	events, err := r.DB.EventsBySNs(ctx, sns)
	if err != nil {
		return nil, err
	}
	out := make(state.StateMap, len(events))
	for _, event := range events {
		if event.PDU.IsState() {
			out[event.PDU.StateKeyTuple()] = event.PDU.EventID()
		}
	}
	return out, nil
}

// frameForState writes the frame holding newState, deltaed against parent
// (whose state is prevState). Both maps use the resolver shape.
func (r *RoomserverAPI) frameForState(
	ctx context.Context, roomID string, parent types.FrameID,
	prevState, newState state.StateMap,
) (types.FrameID, error) {
	var added, removed []types.StateEntry
	toEntry := func(tuple eventcore.StateKeyTuple, eventID string) (types.StateEntry, error) {
		fieldNID, err := r.DB.AssignFieldNID(ctx, tuple.EventType, tuple.StateKey)
		if err != nil {
			return types.StateEntry{}, err
		}
		sn, err := r.DB.EventSN(ctx, eventID)
		if err != nil {
			return types.StateEntry{}, err
		}
		if sn == 0 {
			return types.StateEntry{}, fmt.Errorf("internal: state event %s not persisted", eventID)
		}
		return types.StateEntry{FieldNID: fieldNID, EventSN: sn}, nil
	}
	for tuple, eventID := range newState {
		if prevState[tuple] == eventID {
			continue
		}
		entry, err := toEntry(tuple, eventID)
		if err != nil {
			return 0, err
		}
		added = append(added, entry)
		if oldID, ok := prevState[tuple]; ok {
			oldEntry, err := toEntry(tuple, oldID)
			if err != nil {
				return 0, err
			}
			removed = append(removed, oldEntry)
		}
	}
	for tuple, eventID := range prevState {
		if _, still := newState[tuple]; !still {
			entry, err := toEntry(tuple, eventID)
			if err != nil {
				return 0, err
			}
			removed = append(removed, entry)
		}
	}
	return r.Compressor.NewFrame(ctx, roomID, parent, added, removed)
}

// eventLoader returns a state.EventLoader backed by storage with a
// per-resolution memo, optionally seeded with events not yet persisted.
func (r *RoomserverAPI) eventLoader(ctx context.Context, seed ...*eventcore.PDU) state.EventLoader {
	memo := map[string]*eventcore.PDU{}
	for _, e := range seed {
		if e != nil {
			memo[e.EventID()] = e
		}
	}
	return func(eventID string) (*eventcore.PDU, error) {
		if e, ok := memo[eventID]; ok {
			return e, nil
		}
		event, err := r.DB.EventByID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if event == nil {
			return nil, fmt.Errorf("internal: event %s not found", eventID)
		}
		memo[eventID] = event.PDU
		return event.PDU, nil
	}
}

// loadStateEvents resolves a state map's event ids into PDUs.
func (r *RoomserverAPI) loadStateEvents(ctx context.Context, stateMap state.StateMap) ([]*eventcore.PDU, error) {
	ids := make([]string, 0, len(stateMap))
	for _, id := range stateMap {
		ids = append(ids, id)
	}
	events, err := r.DB.EventsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*eventcore.PDU, 0, len(events))
	for _, event := range events {
		out = append(out, event.PDU)
	}
	return out, nil
}
