package state

import (
	"context"
	"fmt"

	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/roomserver/types"
)

// snapshotThreshold bounds the delta chain length: once a walk would exceed
// this many frames, the next frame written for that chain is a full
// snapshot instead of a delta (spec.md 4.5).
const snapshotThreshold = 64

// FrameStore is the durable side of the state compressor.
type FrameStore interface {
	// SelectStateFrame returns a frame by id.
	SelectStateFrame(ctx context.Context, frameID types.FrameID) (*types.StateFrame, error)
	// InsertStateFrame persists a new frame, assigning its FrameID.
	InsertStateFrame(ctx context.Context, frame *types.StateFrame) (types.FrameID, error)
}

// Compressor stores room state as deltas against parent frames, interning
// nothing itself: field ids come from the storage layer's field table.
type Compressor struct {
	store  FrameStore
	caches caching.StateFrameCache
}

// NewCompressor builds a Compressor over the given durable store and cache.
func NewCompressor(store FrameStore, caches caching.StateFrameCache) *Compressor {
	return &Compressor{store: store, caches: caches}
}

func (c *Compressor) frame(ctx context.Context, frameID types.FrameID) (*types.StateFrame, error) {
	if frame, ok := c.caches.GetStateFrame(frameID); ok {
		return frame, nil
	}
	frame, err := c.store.SelectStateFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	c.caches.StoreStateFrame(frame)
	return frame, nil
}

// GetFullState materializes the complete state at frameID by walking the
// parent chain and applying each frame's add/remove sets.
func (c *Compressor) GetFullState(ctx context.Context, frameID types.FrameID) ([]types.StateEntry, error) {
	chain, err := c.parentChain(ctx, frameID)
	if err != nil {
		return nil, err
	}
	// chain is leaf-first; apply from the root down.
	state := map[types.FieldNID]types.EventSN{}
	for i := len(chain) - 1; i >= 0; i-- {
		frame := chain[i]
		for _, entry := range frame.Removed {
			delete(state, entry.FieldNID)
		}
		for _, entry := range frame.Added {
			state[entry.FieldNID] = entry.EventSN
		}
	}
	out := make([]types.StateEntry, 0, len(state))
	for fieldNID, eventSN := range state {
		out = append(out, types.StateEntry{FieldNID: fieldNID, EventSN: eventSN})
	}
	types.SortStateEntries(out)
	return out, nil
}

// GetStateField returns the event occupying one state slot at frameID,
// short-circuiting as soon as a delta on the walk mentions the field.
func (c *Compressor) GetStateField(ctx context.Context, frameID types.FrameID, fieldNID types.FieldNID) (types.EventSN, bool, error) {
	for frameID != 0 {
		frame, err := c.frame(ctx, frameID)
		if err != nil {
			return 0, false, err
		}
		for _, entry := range frame.Added {
			if entry.FieldNID == fieldNID {
				return entry.EventSN, true, nil
			}
		}
		for _, entry := range frame.Removed {
			if entry.FieldNID == fieldNID {
				return 0, false, nil
			}
		}
		if frame.IsFull {
			return 0, false, nil
		}
		frameID = frame.ParentID
	}
	return 0, false, nil
}

// NewFrame persists the state after an event as a delta against parent,
// materializing a full snapshot instead when the parent chain has grown
// past the threshold (or when there is no parent).
func (c *Compressor) NewFrame(
	ctx context.Context, roomID string, parent types.FrameID,
	added, removed []types.StateEntry,
) (types.FrameID, error) {
	types.SortStateEntries(added)
	types.SortStateEntries(removed)
	added = types.DeduplicateStateEntries(added)
	removed = types.DeduplicateStateEntries(removed)

	frame := &types.StateFrame{
		RoomID:   roomID,
		ParentID: parent,
		Added:    added,
		Removed:  removed,
	}
	if parent == 0 {
		frame.IsFull = true
		frame.ParentID = 0
	} else if depth, err := c.chainDepth(ctx, parent); err != nil {
		return 0, err
	} else if depth >= snapshotThreshold {
		// Materialize: fold parent state and this delta into one snapshot.
		parentState, err := c.GetFullState(ctx, parent)
		if err != nil {
			return 0, err
		}
		state := map[types.FieldNID]types.EventSN{}
		for _, entry := range parentState {
			state[entry.FieldNID] = entry.EventSN
		}
		for _, entry := range removed {
			delete(state, entry.FieldNID)
		}
		for _, entry := range added {
			state[entry.FieldNID] = entry.EventSN
		}
		full := make([]types.StateEntry, 0, len(state))
		for fieldNID, eventSN := range state {
			full = append(full, types.StateEntry{FieldNID: fieldNID, EventSN: eventSN})
		}
		types.SortStateEntries(full)
		frame.IsFull = true
		frame.ParentID = 0
		frame.Added = full
		frame.Removed = nil
	}

	frameID, err := c.store.InsertStateFrame(ctx, frame)
	if err != nil {
		return 0, fmt.Errorf("state: inserting frame: %w", err)
	}
	frame.FrameID = frameID
	c.caches.StoreStateFrame(frame)
	return frameID, nil
}

// parentChain returns the frames from frameID up to (and including) the
// first full snapshot, leaf-first.
func (c *Compressor) parentChain(ctx context.Context, frameID types.FrameID) ([]*types.StateFrame, error) {
	var chain []*types.StateFrame
	for frameID != 0 {
		frame, err := c.frame(ctx, frameID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, frame)
		if frame.IsFull {
			break
		}
		frameID = frame.ParentID
		if len(chain) > snapshotThreshold*4 {
			return nil, fmt.Errorf("state: frame chain too long at %d, graph corrupt", frameID)
		}
	}
	return chain, nil
}

func (c *Compressor) chainDepth(ctx context.Context, frameID types.FrameID) (int, error) {
	chain, err := c.parentChain(ctx, frameID)
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}
