// Package config loads and validates the palpo configuration: a TOML file
// whose path comes from the PALPO_CONFIG environment variable (defaulting to
// ./palpo.toml), overlaid by PALPO_* environment variables.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DataUnit is a number of bytes for cache sizing and similar knobs.
type DataUnit int64

const (
	KiB DataUnit = 1024
	MiB          = KiB * 1024
	GiB          = MiB * 1024
)

// ConfigErrors collects every problem found while verifying a config so the
// operator sees all of them at once rather than one per restart.
type ConfigErrors []string

// Add appends a problem description.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid config key %q: must be greater than zero", key))
	}
}

// Config is the root of the palpo configuration.
type Config struct {
	Global        Global        `toml:"global"`
	RoomServer    RoomServer    `toml:"room_server"`
	FederationAPI FederationAPI `toml:"federation_api"`
	Cache         CacheOptions  `toml:"cache"`
	RateLimiting  RateLimiting  `toml:"rate_limiting"`
	Logging       Logging       `toml:"logging"`
}

// Defaults fills in every field not required from the operator.
func (c *Config) Defaults() {
	c.Global.Defaults()
	c.RoomServer.Defaults()
	c.FederationAPI.Defaults()
	c.Cache.Defaults()
	c.RateLimiting.Defaults()
	c.Logging.Defaults()
}

// Verify checks the whole configuration, collecting every problem.
func (c *Config) Verify(configErrs *ConfigErrors) {
	c.Global.Verify(configErrs)
	c.RoomServer.Verify(configErrs)
	c.FederationAPI.Verify(configErrs)
	c.Cache.Verify(configErrs)
	c.RateLimiting.Verify(configErrs)
	c.Logging.Verify(configErrs)
}

// ConfigPathEnv names the environment variable holding the config file path.
const ConfigPathEnv = "PALPO_CONFIG"

// DefaultConfigPath is used when PALPO_CONFIG is unset.
const DefaultConfigPath = "./palpo.toml"

// Load reads the TOML file at path (or the PALPO_CONFIG / default path when
// path is empty), applies defaults for missing keys, overlays PALPO_* env
// vars and verifies the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path == "" {
		path = DefaultConfigPath
	}
	var cfg Config
	cfg.Defaults()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	applyEnvOverrides(&cfg, os.Environ())

	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &cfg, nil
}
