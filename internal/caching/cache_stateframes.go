package caching

import (
	"github.com/palpo-server/palpo/roomserver/types"
)

// StateFrameCache keeps recently-walked frames of the state delta graph in
// RAM; frames are immutable once written so the partition never needs
// invalidation.
type StateFrameCache interface {
	GetStateFrame(frameID types.FrameID) (frame *types.StateFrame, ok bool)
	StoreStateFrame(frame *types.StateFrame)
}

func (c Caches) GetStateFrame(frameID types.FrameID) (*types.StateFrame, bool) {
	return c.StateFrames.Get(int64(frameID))
}

func (c Caches) StoreStateFrame(frame *types.StateFrame) {
	c.StateFrames.Set(int64(frame.FrameID), frame)
}
