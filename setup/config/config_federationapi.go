package config

// KeyFetchStrategy names one of the three ways acquire_pubkeys can obtain a
// remote server's signing keys.
type KeyFetchStrategy string

const (
	// KeyFetchDirect queries the origin server's /_matrix/key/v2/server.
	KeyFetchDirect KeyFetchStrategy = "direct"
	// KeyFetchNotaryFirst batches lookups through the configured notaries
	// before trying the origin.
	KeyFetchNotaryFirst KeyFetchStrategy = "notary_first"
	// KeyFetchNotaryFallback tries the origin first and the notaries only
	// when that fails.
	KeyFetchNotaryFallback KeyFetchStrategy = "notary_fallback"
)

// FederationAPI tunes outbound federation and key fetching.
type FederationAPI struct {
	// KeyFetchStrategy selects the order of key acquisition attempts.
	KeyFetchStrategy KeyFetchStrategy `toml:"key_fetch_strategy"`

	// NotaryServers are trusted key notaries for notary-based strategies.
	NotaryServers []string `toml:"notary_servers"`

	// DisableTLSValidation turns off certificate checking for outbound
	// federation; only for test deployments.
	DisableTLSValidation bool `toml:"disable_tls_validation"`

	// Timeouts, all in milliseconds.
	KeyRequestTimeoutMS      int64 `toml:"key_request_timeout_ms"`
	WellKnownTimeoutMS       int64 `toml:"well_known_timeout_ms"`
	RemoteCallTimeoutMS      int64 `toml:"remote_call_timeout_ms"`
	SendTransactionTimeoutMS int64 `toml:"send_transaction_timeout_ms"`
	BackfillTimeoutMS        int64 `toml:"backfill_timeout_ms"`

	// Retry schedule for failing destinations.
	BackoffBaseMS int64 `toml:"backoff_base_ms"`
	BackoffCapMS  int64 `toml:"backoff_cap_ms"`

	// BlacklistThreshold is how many consecutive failures mark a
	// destination as failing.
	BlacklistThreshold int `toml:"blacklist_threshold"`

	// Transaction batching caps.
	MaxPDUsPerTransaction int `toml:"max_pdus_per_transaction"`
	MaxEDUsPerTransaction int `toml:"max_edus_per_transaction"`
}

func (c *FederationAPI) Defaults() {
	c.KeyFetchStrategy = KeyFetchNotaryFallback
	c.KeyRequestTimeoutMS = 45 * 1000
	c.WellKnownTimeoutMS = 10 * 1000
	c.RemoteCallTimeoutMS = 30 * 1000
	c.SendTransactionTimeoutMS = 180 * 1000
	c.BackfillTimeoutMS = 60 * 1000
	c.BackoffBaseMS = 30 * 1000
	c.BackoffCapMS = 24 * 60 * 60 * 1000
	c.BlacklistThreshold = 16
	c.MaxPDUsPerTransaction = 50
	c.MaxEDUsPerTransaction = 100
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	switch c.KeyFetchStrategy {
	case KeyFetchDirect:
	case KeyFetchNotaryFirst, KeyFetchNotaryFallback:
		if len(c.NotaryServers) == 0 && c.KeyFetchStrategy == KeyFetchNotaryFirst {
			configErrs.Add("federation_api.notary_servers must be set when key_fetch_strategy is notary_first")
		}
	default:
		configErrs.Add("federation_api.key_fetch_strategy must be direct, notary_first or notary_fallback")
	}
	checkPositive(configErrs, "federation_api.key_request_timeout_ms", c.KeyRequestTimeoutMS)
	checkPositive(configErrs, "federation_api.backoff_base_ms", c.BackoffBaseMS)
	checkPositive(configErrs, "federation_api.backoff_cap_ms", c.BackoffCapMS)
	checkPositive(configErrs, "federation_api.max_pdus_per_transaction", int64(c.MaxPDUsPerTransaction))
	checkPositive(configErrs, "federation_api.max_edus_per_transaction", int64(c.MaxEDUsPerTransaction))
}
