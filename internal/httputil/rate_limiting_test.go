package httputil

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitsDisabledAllowsEverything(t *testing.T) {
	t.Parallel()

	limits := NewRateLimits(&RateLimitConfig{Enabled: false})
	req := httptest.NewRequest("GET", "/_matrix/client/v3/sync", nil)
	for i := 0; i < 1000; i++ {
		assert.Nil(t, limits.Limit(req, "@alice:a.test"))
	}
}

func TestRateLimitsRejectsBeyondThreshold(t *testing.T) {
	t.Parallel()

	limits := NewRateLimits(&RateLimitConfig{Enabled: true, Threshold: 5, CooloffMS: 60000})
	defer limits.Stop()
	req := httptest.NewRequest("GET", "/_matrix/client/v3/sync", nil)

	for i := 0; i < 5; i++ {
		require.Nil(t, limits.Limit(req, "@alice:a.test"), "request %d within burst", i)
	}
	res := limits.Limit(req, "@alice:a.test")
	require.NotNil(t, res)
	assert.Equal(t, 429, res.Code)

	// A different caller has its own bucket.
	assert.Nil(t, limits.Limit(req, "@bob:a.test"))
}

func TestRateLimitsExemptUsers(t *testing.T) {
	t.Parallel()

	limits := NewRateLimits(&RateLimitConfig{
		Enabled: true, Threshold: 1, CooloffMS: 60000,
		ExemptUserIDs: []string{"@appservice:a.test"},
	})
	defer limits.Stop()
	req := httptest.NewRequest("GET", "/_matrix/client/v3/sync", nil)

	for i := 0; i < 100; i++ {
		assert.Nil(t, limits.Limit(req, "@appservice:a.test"))
	}
}
