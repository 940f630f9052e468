package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check result
type Check struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// ProbeFunc reports whether a component is reachable. A nil error means
// healthy.
type ProbeFunc func(ctx context.Context) error

type probe struct {
	name     string
	critical bool
	fn       ProbeFunc
}

// Checker performs health checks against registered component probes.
type Checker struct {
	logger *zap.Logger

	mu     sync.RWMutex
	probes []probe
}

// New creates a new health checker
func New(logger *zap.Logger) *Checker {
	return &Checker{logger: logger}
}

// Register adds a component probe. Critical probes mark the whole process
// unhealthy when they fail; non-critical probes only degrade it. The storage
// backends register as non-critical because the dual-write path is designed
// to keep serving when one backend is down.
func (c *Checker) Register(name string, critical bool, fn ProbeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, probe{name: name, critical: critical, fn: fn})
}

// CheckAll performs all health checks
func (c *Checker) CheckAll(ctx context.Context) (Status, []Check) {
	c.mu.RLock()
	probes := make([]probe, len(c.probes))
	copy(probes, c.probes)
	c.mu.RUnlock()

	checks := make([]Check, 0, len(probes))
	failed := 0
	criticalFailed := false

	for _, p := range probes {
		check := c.runProbe(ctx, p)
		checks = append(checks, check)
		if check.Status != StatusHealthy {
			failed++
			if p.critical {
				criticalFailed = true
			}
		}
	}

	// Determine overall status. A single backend failure degrades the
	// pipeline; losing every probe means nothing is serving.
	overallStatus := StatusHealthy
	switch {
	case criticalFailed:
		overallStatus = StatusUnhealthy
	case len(probes) > 0 && failed == len(probes):
		overallStatus = StatusUnhealthy
	case failed > 0:
		overallStatus = StatusDegraded
	}

	return overallStatus, checks
}

func (c *Checker) runProbe(ctx context.Context, p probe) Check {
	start := time.Now()
	check := Check{
		Name:      p.name,
		Timestamp: start,
	}

	// Use a short timeout for health checks
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := p.fn(checkCtx)
	check.Duration = time.Since(start)

	if err != nil {
		if p.critical {
			check.Status = StatusUnhealthy
		} else {
			check.Status = StatusDegraded
		}
		check.Message = fmt.Sprintf("%s unreachable: %v", p.name, err)
		c.logger.Warn("Health check failed",
			zap.String("probe", p.name),
			zap.Error(err),
			zap.Duration("duration", check.Duration),
		)
	} else {
		check.Status = StatusHealthy
		check.Message = fmt.Sprintf("%s reachable", p.name)
		c.logger.Debug("Health check passed",
			zap.String("probe", p.name),
			zap.Duration("duration", check.Duration),
		)
	}

	return check
}
