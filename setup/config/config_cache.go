package config

import "time"

// CacheOptions sizes the in-memory caches (server keys, auth chains, state
// frames, outbound queue entries).
type CacheOptions struct {
	// EstimatedMaxSizeMB bounds the total in-memory cache cost.
	EstimatedMaxSizeMB int64 `toml:"max_size_estimated_mb"`
	// MaxAgeMinutes bounds how long any entry may live.
	MaxAgeMinutes int64 `toml:"max_age_minutes"`
	// EnablePrometheus registers cache hit/miss metrics.
	EnablePrometheus bool `toml:"enable_prometheus"`
}

func (c *CacheOptions) Defaults() {
	c.EstimatedMaxSizeMB = 1024
	c.MaxAgeMinutes = 60
}

func (c *CacheOptions) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "cache.max_size_estimated_mb", c.EstimatedMaxSizeMB)
	checkPositive(configErrs, "cache.max_age_minutes", c.MaxAgeMinutes)
}

// MaxSize returns the configured size in bytes.
func (c *CacheOptions) MaxSize() DataUnit {
	return DataUnit(c.EstimatedMaxSizeMB) * MiB
}

// MaxAge returns the configured maximum entry age.
func (c *CacheOptions) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}
