package httputil

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/palpo-server/palpo/setup/config"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "palpo",
			Subsystem: "clientapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "palpo",
			Subsystem: "clientapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitConfig is the subset of configuration the limiter needs;
// setup/config.RateLimiting maps onto it.
type RateLimitConfig struct {
	Enabled       bool
	Threshold     int64
	CooloffMS     int64
	ExemptUserIDs []string
}

// RateLimits applies a token-bucket limit per caller (spec.md 6,
// M_LIMIT_EXCEEDED with retry_after_ms).
type RateLimits struct {
	mutex         sync.RWMutex
	limits        map[string]*limiterEntry
	enabled       bool
	threshold     int64
	cooloff       time.Duration
	exemptUserIDs map[string]struct{}
	stopCleanup   chan struct{}
}

// NewRateLimitsFromConfig maps the loaded configuration section onto the
// limiter.
func NewRateLimitsFromConfig(cfg *config.RateLimiting) *RateLimits {
	return NewRateLimits(&RateLimitConfig{
		Enabled:       cfg.Enabled,
		Threshold:     cfg.Threshold,
		CooloffMS:     cfg.CooloffMS,
		ExemptUserIDs: cfg.ExemptUserIDs,
	})
}

// NewRateLimits builds a limiter and starts its idle-entry cleanup.
func NewRateLimits(cfg *RateLimitConfig) *RateLimits {
	l := &RateLimits{
		limits:        make(map[string]*limiterEntry),
		enabled:       cfg.Enabled,
		threshold:     cfg.Threshold,
		cooloff:       time.Duration(cfg.CooloffMS) * time.Millisecond,
		exemptUserIDs: map[string]struct{}{},
		stopCleanup:   make(chan struct{}),
	}
	for _, userID := range cfg.ExemptUserIDs {
		l.exemptUserIDs[userID] = struct{}{}
	}
	if l.enabled {
		go l.cleanup()
	}
	return l
}

// Stop terminates the cleanup goroutine.
func (l *RateLimits) Stop() {
	close(l.stopCleanup)
}

const cleanupInterval = 10 * time.Minute

func (l *RateLimits) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cleanupInterval)
			l.mutex.Lock()
			for key, entry := range l.limits {
				if entry.lastSeen.Before(cutoff) {
					delete(l.limits, key)
				}
			}
			l.mutex.Unlock()
		}
	}
}

func (l *RateLimits) limiterFor(caller string) *rate.Limiter {
	l.mutex.RLock()
	entry, ok := l.limits[caller]
	l.mutex.RUnlock()
	if ok {
		l.mutex.Lock()
		entry.lastSeen = time.Now()
		l.mutex.Unlock()
		return entry.limiter
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if entry, ok = l.limits[caller]; ok {
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Every(l.cooloff), int(l.threshold))
	l.limits[caller] = &limiterEntry{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

// Limit checks one request attributed to caller (an access token's user id
// or, unauthenticated, the remote address). A nil return means allowed;
// otherwise the response to send.
func (l *RateLimits) Limit(req *http.Request, caller string) *JSONResponse {
	if !l.enabled {
		return nil
	}
	if _, exempt := l.exemptUserIDs[caller]; exempt {
		return nil
	}
	endpoint := req.URL.Path
	if route := mux.CurrentRoute(req); route != nil {
		if name := route.GetName(); name != "" {
			endpoint = name
		}
	}
	if l.limiterFor(caller).Allow() {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}
	rateLimitRejections.WithLabelValues(endpoint).Inc()
	res := LimitExceeded("Too many requests", l.cooloff.Milliseconds())
	return &res
}
