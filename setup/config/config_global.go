package config

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/palpo-server/palpo/internal/eventcore"
)

// Global carries the identity and wiring every component needs: who this
// server is, how it signs, where it stores data and where the internal bus
// lives.
type Global struct {
	// ServerName is this homeserver's name as it appears in user IDs and
	// event signatures, e.g. "example.com".
	ServerName string `toml:"server_name"`

	// PrivateKeyPath points at a PEM-encoded Ed25519 signing key. The key id
	// is taken from the PEM block's "Key-ID" header.
	PrivateKeyPath string `toml:"private_key"`

	// KeyValidityPeriodMS is how far in the future this server asserts its
	// own keys remain valid when answering /_matrix/key/v2/server.
	KeyValidityPeriodMS int64 `toml:"key_validity_period_ms"`

	// BindAddress is the listen address for the HTTP surface.
	BindAddress string `toml:"bind_address"`

	// Database configures the relational store shared by all components.
	Database DatabaseOptions `toml:"database"`

	// JetStream configures the internal NATS bus.
	JetStream JetStream `toml:"jetstream"`

	// Loaded at startup, not from TOML.
	KeyID      eventcore.KeyID    `toml:"-"`
	PrivateKey ed25519.PrivateKey `toml:"-"`
}

func (c *Global) Defaults() {
	c.KeyValidityPeriodMS = 1000 * 60 * 60 * 24 * 7
	c.BindAddress = ":8008"
	c.Database.Defaults()
	c.JetStream.Defaults()
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", c.ServerName)
	checkNotEmpty(configErrs, "global.private_key", c.PrivateKeyPath)
	checkPositive(configErrs, "global.key_validity_period_ms", c.KeyValidityPeriodMS)
	c.Database.Verify(configErrs)
	c.JetStream.Verify(configErrs)
}

// IsLocalServerName reports whether serverName refers to this homeserver.
func (c *Global) IsLocalServerName(serverName eventcore.ServerName) bool {
	return string(serverName) == c.ServerName
}

// LoadSigningKey parses the PEM file at PrivateKeyPath into PrivateKey and
// KeyID. Called once at startup, after Load.
func (c *Global) LoadSigningKey() error {
	data, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("config: reading signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "MATRIX PRIVATE KEY" {
		return fmt.Errorf("config: %s does not contain a MATRIX PRIVATE KEY block", c.PrivateKeyPath)
	}
	keyID := block.Headers["Key-ID"]
	if !strings.HasPrefix(keyID, "ed25519:") {
		return fmt.Errorf("config: signing key id %q must start with ed25519:", keyID)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return fmt.Errorf("config: signing key must be a %d byte ed25519 seed", ed25519.SeedSize)
	}
	c.KeyID = eventcore.KeyID(keyID)
	c.PrivateKey = ed25519.NewKeyFromSeed(block.Bytes)
	return nil
}

// KeyPair returns the server's signing identity for eventcore.SignJSON.
func (c *Global) KeyPair() eventcore.KeyPair {
	return eventcore.KeyPair{KeyID: c.KeyID, PrivateKey: c.PrivateKey}
}

// DatabaseOptions selects and tunes the SQL backend.
type DatabaseOptions struct {
	// ConnectionString is either a postgres:// URL or a file: path for
	// sqlite3.
	ConnectionString string `toml:"connection_string"`
	MaxOpenConns     int    `toml:"max_open_conns"`
	MaxIdleConns     int    `toml:"max_idle_conns"`
	ConnMaxLifetimeS int    `toml:"conn_max_lifetime_s"`
}

func (c *DatabaseOptions) Defaults() {
	c.ConnectionString = "file:palpo.db"
	c.MaxOpenConns = 90
	c.MaxIdleConns = 5
	c.ConnMaxLifetimeS = -1
}

func (c *DatabaseOptions) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.database.connection_string", c.ConnectionString)
}

// IsPostgres reports whether the connection string selects the postgres
// driver rather than sqlite3.
func (c *DatabaseOptions) IsPostgres() bool {
	return strings.HasPrefix(c.ConnectionString, "postgres://") ||
		strings.HasPrefix(c.ConnectionString, "postgresql://")
}

// JetStream configures the internal NATS bus: either an embedded server
// (the default, zero external processes) or external addresses.
type JetStream struct {
	// Addresses of an external NATS deployment; when empty an embedded
	// server is started in-process.
	Addresses []string `toml:"addresses"`
	// StoragePath is where the embedded server keeps stream data.
	StoragePath string `toml:"storage_path"`
	// InMemory disables durable storage for the embedded server; used by
	// tests.
	InMemory bool `toml:"in_memory"`
	// TopicPrefix namespaces subjects so several palpo instances can share
	// one NATS deployment.
	TopicPrefix string `toml:"topic_prefix"`
}

func (c *JetStream) Defaults() {
	c.StoragePath = "./jetstream"
	c.TopicPrefix = "Palpo"
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.jetstream.topic_prefix", c.TopicPrefix)
}

// Prefixed returns a subject name under this deployment's topic prefix.
func (c *JetStream) Prefixed(name string) string {
	return c.TopicPrefix + name
}

// Logging selects log level and format.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

func (c *Logging) Defaults() {
	c.Level = "info"
	c.Format = "text"
}

func (c *Logging) Verify(configErrs *ConfigErrors) {
	switch c.Format {
	case "text", "json":
	default:
		configErrs.Add(fmt.Sprintf("invalid config key %q: must be \"text\" or \"json\"", "logging.format"))
	}
}
