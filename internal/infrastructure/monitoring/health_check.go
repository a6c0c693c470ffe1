package monitoring

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck is one dependency probe. A failing critical check makes the
// gateway unready; other failures only degrade it.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Timeout  time.Duration
	Critical bool
}

type CheckResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	last    *HealthStatus
	started time.Time
	now     func() time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now(), now: time.Now}
}

func (h *HealthChecker) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Liveness reports the process itself without touching dependencies.
func (h *HealthChecker) Liveness() HealthStatus {
	now := h.now()
	return HealthStatus{
		Status:    StatusHealthy,
		Timestamp: now,
		Uptime:    now.Sub(h.started).Round(time.Second).String(),
	}
}

// CheckAll runs every check concurrently, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			results[i] = h.run(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	status := h.Liveness()
	status.Checks = make(map[string]CheckResult, len(checks))
	for i, check := range checks {
		res := results[i]
		status.Checks[check.Name] = res
		if res.Status == StatusHealthy {
			continue
		}
		if check.Critical {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	h.mu.Lock()
	h.last = &status
	h.mu.Unlock()
	return status
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) CheckResult {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	start := h.now()
	err := check.Check(ctx)
	res := CheckResult{Status: StatusHealthy, DurationMS: h.now().Sub(start).Milliseconds()}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}

// IsReady is false only when a critical check fails.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status != StatusUnhealthy
}

// Last returns the most recent CheckAll result.
func (h *HealthChecker) Last() (HealthStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return HealthStatus{}, false
	}
	return *h.last, true
}

// StartBackgroundChecks refreshes Last every interval until ctx ends.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.CheckAll(ctx)
			}
		}
	}()
}
