package config

// RoomServer tunes the event pipeline and timeline behaviour.
type RoomServer struct {
	// DefaultRoomVersion is used when room creation does not name one.
	DefaultRoomVersion string `toml:"default_room_version"`

	// MaxPrevEvents bounds how many forward extremities a locally-built
	// event cites as prev_events.
	MaxPrevEvents int `toml:"max_prev_events"`

	// MissingEventRecursionLimit bounds how deep the incoming pipeline
	// chases unknown prev_events before storing an outlier.
	MissingEventRecursionLimit int `toml:"missing_event_recursion_limit"`
}

func (c *RoomServer) Defaults() {
	c.DefaultRoomVersion = "10"
	c.MaxPrevEvents = 20
	c.MissingEventRecursionLimit = 100
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "room_server.default_room_version", c.DefaultRoomVersion)
	checkPositive(configErrs, "room_server.max_prev_events", int64(c.MaxPrevEvents))
	checkPositive(configErrs, "room_server.missing_event_recursion_limit", int64(c.MissingEventRecursionLimit))
}
