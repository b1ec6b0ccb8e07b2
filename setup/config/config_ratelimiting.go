package config

// RateLimiting tunes the client-facing rate limiter.
type RateLimiting struct {
	// Enabled turns rate limiting on.
	Enabled bool `toml:"enabled"`

	// Threshold is how many requests a caller may make in a burst before
	// limiting starts.
	Threshold int64 `toml:"threshold"`

	// CooloffMS is the interval at which a limited caller regains one
	// request; it is also the retry_after_ms sent back when limiting.
	CooloffMS int64 `toml:"cooloff_ms"`

	// ExemptUserIDs are never rate limited (application services, admins).
	ExemptUserIDs []string `toml:"exempt_user_ids"`
}

func (c *RateLimiting) Defaults() {
	c.Enabled = true
	c.Threshold = 20
	c.CooloffMS = 500
}

func (c *RateLimiting) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkPositive(configErrs, "rate_limiting.threshold", c.Threshold)
		checkPositive(configErrs, "rate_limiting.cooloff_ms", c.CooloffMS)
	}
}
