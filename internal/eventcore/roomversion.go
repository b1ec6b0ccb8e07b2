package eventcore

// RoomVersion identifies the room-version-specific rules (event ID format,
// auth rules, redaction algorithm, state resolution algorithm) an event or
// room follows.
type RoomVersion string

const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"

	// DefaultRoomVersion is used by room creation when the client does not
	// specify one (spec.md scenario 1).
	DefaultRoomVersion = RoomVersionV10
)

// EventIDFormat distinguishes the two event-id wire shapes across room
// versions.
type EventIDFormat int

const (
	// EventIDFormatV1 is the opaque "$opaque:server" form used by v1/v2 rooms.
	EventIDFormatV1 EventIDFormat = iota
	// EventIDFormatV3 is the content-addressed "$hash" form used by v3+.
	EventIDFormatV3
)

// EventIDFormat reports which event-id shape this room version uses.
func (v RoomVersion) EventIDFormat() EventIDFormat {
	switch v {
	case RoomVersionV1, RoomVersionV2:
		return EventIDFormatV1
	default:
		return EventIDFormatV3
	}
}

// StateResAlgorithm identifies which state resolution algorithm a room
// version uses.
type StateResAlgorithm int

const (
	StateResV1 StateResAlgorithm = iota
	StateResV2
)

// StateResAlgorithm reports which state resolution algorithm applies.
func (v RoomVersion) StateResAlgorithm() StateResAlgorithm {
	switch v {
	case RoomVersionV1, RoomVersionV2:
		return StateResV1
	default:
		return StateResV2
	}
}

// AllowKnock reports whether the room version permits knocking, used by
// auth rule dispatch and /knock handling.
func (v RoomVersion) AllowKnock() bool {
	switch v {
	case RoomVersionV1, RoomVersionV2, RoomVersionV3, RoomVersionV4, RoomVersionV5, RoomVersionV6:
		return false
	default:
		return true
	}
}

// AllowRestrictedJoinRule reports whether the room version supports
// "restricted" and "knock_restricted" join rules and the
// join_authorised_via_users_server mechanism (spec.md 4.7 edge cases).
func (v RoomVersion) AllowRestrictedJoinRule() bool {
	switch v {
	case RoomVersionV8, RoomVersionV9, RoomVersionV10, RoomVersionV11:
		return true
	default:
		return false
	}
}

// PowerLevelsIncludeNotifications reports whether the room version expects
// the power_levels event to validate a "notifications" sub-object (room
// versions 6+).
func (v RoomVersion) PowerLevelsIncludeNotifications() bool {
	switch v {
	case RoomVersionV1, RoomVersionV2, RoomVersionV3, RoomVersionV4, RoomVersionV5:
		return false
	default:
		return true
	}
}

// Supported lists every room version this server accepts for new rooms or
// federation, used to answer M_UNSUPPORTED_ROOM_VERSION.
func Supported(v RoomVersion) bool {
	switch v {
	case RoomVersionV1, RoomVersionV2, RoomVersionV3, RoomVersionV4, RoomVersionV5,
		RoomVersionV6, RoomVersionV7, RoomVersionV8, RoomVersionV9, RoomVersionV10, RoomVersionV11:
		return true
	default:
		return false
	}
}
