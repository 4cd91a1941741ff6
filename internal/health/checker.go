package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f(ctx).
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ComponentStatus is the outcome of one dependency check.
type ComponentStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Report aggregates the dependency checks.
type Report struct {
	Status     string            `json:"status"`
	Components []ComponentStatus `json:"components"`
}

// Healthy reports whether every component answered.
func (r Report) Healthy() bool {
	return r.Status == "ok"
}

// Checker pings the registered dependencies.
type Checker struct {
	components map[string]Pinger
	timeout    time.Duration
	logger     *zap.Logger
}

// NewChecker builds a checker that bounds each ping by timeout.
func NewChecker(timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		components: make(map[string]Pinger),
		timeout:    timeout,
		logger:     logger.Named("health"),
	}
}

// Register adds a dependency under name. Nil pingers are ignored.
func (c *Checker) Register(name string, p Pinger) *Checker {
	if p != nil {
		c.components[name] = p
	}
	return c
}

// Check pings every dependency concurrently.
func (c *Checker) Check(ctx context.Context) Report {
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]ComponentStatus, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			statuses[i] = c.ping(ctx, name, c.components[name])
		}(i, name)
	}
	wg.Wait()

	report := Report{Status: "ok", Components: statuses}
	for _, status := range statuses {
		if !status.Healthy {
			report.Status = "degraded"
			c.logger.Warn("dependency unhealthy", zap.String("component", status.Name), zap.String("error", status.Error))
		}
	}
	return report
}

func (c *Checker) ping(ctx context.Context, name string, p Pinger) ComponentStatus {
	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(pingCtx)
	status := ComponentStatus{
		Name:      name,
		Healthy:   err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
