package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// The backoff schedule never retries faster than min(base * 2^N, cap)
// (testable property, spec backoff invariant).
func TestRetryDelaySchedule(t *testing.T) {
	t.Parallel()

	base := 30 * time.Second
	max := 24 * time.Hour

	assert.Equal(t, 60*time.Second, retryDelay(1, base, max))
	assert.Equal(t, 120*time.Second, retryDelay(2, base, max))
	assert.Equal(t, 240*time.Second, retryDelay(3, base, max))
	assert.Equal(t, 480*time.Second, retryDelay(4, base, max))

	// Monotone non-decreasing and capped.
	prev := time.Duration(0)
	for n := 1; n < 40; n++ {
		delay := retryDelay(n, base, max)
		assert.GreaterOrEqual(t, delay, prev)
		assert.LessOrEqual(t, delay, max)
		prev = delay
	}
	assert.Equal(t, max, retryDelay(40, base, max))
}

func TestEDUDedupKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "!r:a.test/@u:a.test",
		eduDedupKey("m.typing", []byte(`{"room_id":"!r:a.test","user_id":"@u:a.test","typing":true}`)))
	assert.Equal(t, "!r:a.test/@u:a.test",
		eduDedupKey("m.receipt", []byte(`{"!r:a.test":{"m.read":{"@u:a.test":{"event_ids":["$e"]}}}}`)))
	assert.Equal(t, "", eduDedupKey("m.presence", []byte(`{"push":[]}`)))
	assert.Equal(t, "", eduDedupKey("m.typing", []byte(`{}`)))
}
