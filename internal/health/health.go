// Package health aggregates dependency checks into one report.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 3 * time.Second

// Aggregate statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Per-service states.
const (
	StateUp   = "up"
	StateDown = "down"
)

// Check tests one dependency. A nil error means up.
type Check func(ctx context.Context) error

// Service is one dependency's result.
type Service struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Report is the aggregate health.
type Report struct {
	Status   string             `json:"status"`
	Services map[string]Service `json:"services"`
}

// Healthy reports whether every dependency is up.
func (r Report) Healthy() bool { return r.Status == StatusHealthy }

// Checker runs registered checks concurrently.
type Checker struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Check
}

// NewChecker creates a Checker. timeout <= 0 uses DefaultTimeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{timeout: timeout, checks: make(map[string]Check)}
}

// Register adds or replaces the check for name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Names lists registered checks in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for n := range c.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check runs every check, each under its own timeout. The report is
// healthy only when all services are up.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for n, fn := range c.checks {
		checks[n] = fn
	}
	c.mu.RUnlock()

	var (
		mu       sync.Mutex
		services = make(map[string]Service, len(checks))
		g        errgroup.Group
	)
	for name, fn := range checks {
		g.Go(func() error {
			svc := c.run(ctx, fn)
			mu.Lock()
			services[name] = svc
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: StatusHealthy, Services: services}
	for _, svc := range services {
		if svc.Status != StateUp {
			report.Status = StatusDegraded
			break
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, fn Check) Service {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("check panicked: %v", r)
			}
		}()
		errc <- fn(ctx)
	}()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = fmt.Errorf("check timed out: %w", ctx.Err())
	}

	svc := Service{Status: StateUp, Latency: time.Since(start).Round(time.Microsecond).String()}
	if err != nil {
		svc.Status = StateDown
		svc.Error = err.Error()
	}
	return svc
}
