package caching

import (
	"github.com/palpo-server/palpo/internal/eventcore"
)

// RoomVersionCache avoids a database round trip per incoming event just to
// learn which rule set the room follows. Room versions are immutable after
// creation so this partition never needs invalidation.
type RoomVersionCache interface {
	GetRoomVersion(roomID string) (version eventcore.RoomVersion, ok bool)
	StoreRoomVersion(roomID string, version eventcore.RoomVersion)
}

func (c Caches) GetRoomVersion(roomID string) (eventcore.RoomVersion, bool) {
	return c.RoomVersions.Get(roomID)
}

func (c Caches) StoreRoomVersion(roomID string, version eventcore.RoomVersion) {
	c.RoomVersions.Set(roomID, version)
}
