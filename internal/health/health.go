// Package health aggregates component probes for the liveness and readiness
// endpoints. The process is live as long as it can answer; it is ready only
// when every critical component passes its check.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Status of a single component or of the service overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's probe outcome.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	Critical() bool
}

// Report is the aggregate served by the readiness endpoint.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

const checkTimeout = 5 * time.Second

// Manager runs registered checkers on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
	m.logger.Info("health checker registered",
		zap.String("component", c.Name()),
		zap.Bool("critical", c.Critical()),
	)
}

// Check probes every component. A failing critical component makes the
// report unready; a failing non-critical one only degrades it.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy,
		Ready:      true,
		Components: make(map[string]CheckResult, len(checkers)),
		Timestamp:  time.Now(),
	}

	for _, c := range checkers {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		result := CheckResult{
			Component: c.Name(),
			Status:    StatusHealthy,
			Critical:  c.Critical(),
			Duration:  time.Since(start),
			Timestamp: start,
		}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			if c.Critical() {
				report.Status = StatusUnhealthy
				report.Ready = false
			} else if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
			m.logger.Warn("health check failed",
				zap.String("component", c.Name()),
				zap.Bool("critical", c.Critical()),
				zap.Error(err),
			)
		}
		report.Components[c.Name()] = result
	}
	return report
}

// Ready reports whether all critical components pass.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Check(ctx).Ready
}

// RedisChecker probes the thread store connection. Non-critical: the service
// degrades to threadless operation when Redis is away.
type RedisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string   { return "redis" }
func (c *RedisChecker) Critical() bool { return false }

func (c *RedisChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// CheckerFunc adapts a probe function into a Checker.
type CheckerFunc struct {
	ComponentName string
	IsCritical    bool
	Probe         func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.ComponentName }
func (c CheckerFunc) Critical() bool                  { return c.IsCritical }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Probe(ctx) }
