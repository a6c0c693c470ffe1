package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var errTranscoderMissing = errors.New("transcoder binary not found")

// UpstreamProbe is the upstream call used for readiness.
type UpstreamProbe interface {
	Health(ctx context.Context) (map[string]interface{}, error)
}

type TranscoderProbe interface {
	Available() bool
}

// AddUpstreamCheck marks the gateway unready while the platform API is unreachable.
func (h *HealthChecker) AddUpstreamCheck(probe UpstreamProbe, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:     "upstream",
		Timeout:  timeout,
		Critical: true,
		Check: func(ctx context.Context) error {
			if _, err := probe.Health(ctx); err != nil {
				return fmt.Errorf("upstream health: %w", err)
			}
			return nil
		},
	})
}

// AddTranscoderCheck degrades the gateway when video relay is impossible;
// screenshots still work without it.
func (h *HealthChecker) AddTranscoderCheck(probe TranscoderProbe) {
	h.AddCheck(HealthCheck{
		Name: "transcoder",
		Check: func(context.Context) error {
			if !probe.Available() {
				return errTranscoderMissing
			}
			return nil
		},
	})
}

// AddRedisCheck degrades the gateway when the event bus cannot reach Redis.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:    "redis",
		Timeout: timeout,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	})
}
