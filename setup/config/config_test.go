package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "palpo.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[global]
server_name = "a.test"
private_key = "/etc/palpo/signing.key"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "a.test", cfg.Global.ServerName)
	assert.Equal(t, ":8008", cfg.Global.BindAddress)
	assert.Equal(t, "10", cfg.RoomServer.DefaultRoomVersion)
	assert.Equal(t, int64(30*1000), cfg.FederationAPI.BackoffBaseMS)
	assert.Equal(t, int64(24*60*60*1000), cfg.FederationAPI.BackoffCapMS)
	assert.Equal(t, 50, cfg.FederationAPI.MaxPDUsPerTransaction)
	assert.Equal(t, 100, cfg.FederationAPI.MaxEDUsPerTransaction)
	assert.True(t, cfg.RateLimiting.Enabled)
}

func TestLoadMissingServerNameFails(t *testing.T) {
	path := writeConfigFile(t, `
[global]
private_key = "/etc/palpo/signing.key"
`)
	_, err := Load(path)
	var configErrs ConfigErrors
	require.ErrorAs(t, err, &configErrs)
}

func TestEnvOverlay(t *testing.T) {
	var cfg Config
	cfg.Defaults()
	cfg.Global.ServerName = "a.test"

	applyEnvOverrides(&cfg, []string{
		"PALPO_GLOBAL_SERVER_NAME=b.test",
		"PALPO_GLOBAL_DATABASE_CONNECTION_STRING=postgres://palpo@localhost/palpo",
		"PALPO_FEDERATION_API_BACKOFF_BASE_MS=1000",
		"PALPO_RATE_LIMITING_ENABLED=false",
		"PALPO_FEDERATION_API_NOTARY_SERVERS=matrix.org, example.com",
		"UNRELATED=x",
	})

	assert.Equal(t, "b.test", cfg.Global.ServerName)
	assert.Equal(t, "postgres://palpo@localhost/palpo", cfg.Global.Database.ConnectionString)
	assert.True(t, cfg.Global.Database.IsPostgres())
	assert.Equal(t, int64(1000), cfg.FederationAPI.BackoffBaseMS)
	assert.False(t, cfg.RateLimiting.Enabled)
	assert.Equal(t, []string{"matrix.org", "example.com"}, cfg.FederationAPI.NotaryServers)
}

func TestKeyFetchStrategyValidation(t *testing.T) {
	var cfg Config
	cfg.Defaults()
	cfg.Global.ServerName = "a.test"
	cfg.Global.PrivateKeyPath = "/k"
	cfg.FederationAPI.KeyFetchStrategy = "bogus"

	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	require.NotEmpty(t, configErrs)
}
