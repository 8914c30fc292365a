// Package delivery moves session progress events to watchers: durable
// journal append first, then best-effort pub/sub broadcast. Watchers read
// the live broadcast while the fast store is healthy and fall back to
// polling the journal behind a circuit breaker when it is not.
package delivery

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/symposium-ai/symposium/internal/services/control/faststore"
)

const eventChannelPrefix = "symposium:events:session:"

// EventChannel returns the pub/sub channel carrying a session's events.
func EventChannel(sessionID string) string {
	return eventChannelPrefix + sessionID
}

// GateConfig tunes the fast-store health gate. Zero values get defaults.
type GateConfig struct {
	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration
	// OpenTimeout is how long the breaker stays open before letting a
	// probe through again.
	OpenTimeout time.Duration
	// TripAfter is the consecutive probe failures that open the breaker.
	TripAfter uint32
}

func (c GateConfig) withDefaults() GateConfig {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.TripAfter == 0 {
		c.TripAfter = 3
	}
	return c
}

// Gate reports fast-store health through a circuit breaker so a flapping
// store does not get hammered with probes by every watcher.
type Gate struct {
	fast         faststore.Store
	breaker      *gobreaker.CircuitBreaker[struct{}]
	probeTimeout time.Duration
}

// NewGate creates a health gate over fast.
func NewGate(fast faststore.Store, cfg GateConfig) *Gate {
	cfg = cfg.withDefaults()
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "faststore",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TripAfter
		},
	})
	return &Gate{fast: fast, breaker: breaker, probeTimeout: cfg.ProbeTimeout}
}

// Healthy probes the fast store through the breaker. An open breaker or a
// failed probe both report unhealthy.
func (g *Gate) Healthy(ctx context.Context) bool {
	_, err := g.breaker.Execute(func() (struct{}, error) {
		probeCtx, cancel := context.WithTimeout(ctx, g.probeTimeout)
		defer cancel()
		return struct{}{}, g.fast.Ping(probeCtx)
	})
	return err == nil
}
