// Package health audits the registry's own dependencies on a schedule: the
// log's integrity, the log database and the content store.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	// FailThreshold is the number of consecutive failures after which a
	// probe is reported degraded.
	FailThreshold int
}

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Probe is one named check. A nil error is a pass.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ProbeStatus is the last known state of one probe.
type ProbeStatus struct {
	Status    string    `json:"status"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the checker's view of every probe.
type Report struct {
	Status string                 `json:"status"`
	Probes map[string]ProbeStatus `json:"probes"`
}

// Healthy reports whether no probe is degraded.
func (r Report) Healthy() bool { return r.Status == StatusHealthy }

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(probe string, success bool)

// Checker runs probes periodically and tracks consecutive failures.
type Checker struct {
	probes    []Probe
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu       sync.Mutex
	statuses map[string]ProbeStatus
}

// New creates a Checker. Probes start healthy until they fail
// FailThreshold times in a row.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	statuses := make(map[string]ProbeStatus, len(probes))
	for _, p := range probes {
		statuses[p.Name] = ProbeStatus{Status: StatusHealthy}
	}
	return &Checker{
		probes:   probes,
		cfg:      cfg,
		logger:   logger,
		statuses: statuses,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Run checks immediately and then every CheckInterval until ctx is done.
func (h *Checker) Run(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently, each under ProbeTimeout.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			h.record(p.Name, err)
		}(p)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	prev := h.statuses[name]
	next := ProbeStatus{Status: prev.Status, CheckedAt: time.Now().UTC()}
	if err == nil {
		next.Status = StatusHealthy
	} else {
		next.Failures = prev.Failures + 1
		next.LastError = err.Error()
		if next.Failures >= h.cfg.FailThreshold {
			next.Status = StatusDegraded
		}
	}
	h.statuses[name] = next
	h.mu.Unlock()

	switch {
	case prev.Status == StatusDegraded && next.Status == StatusHealthy:
		h.logger.Info("health: recovered", zap.String("probe", name))
	case err != nil && next.Failures == h.cfg.FailThreshold:
		h.logger.Error("health: degraded",
			zap.String("probe", name),
			zap.Int("fail_count", next.Failures),
			zap.Error(err),
		)
	case err != nil:
		h.logger.Warn("health: probe failed",
			zap.String("probe", name),
			zap.Int("fail_count", next.Failures),
			zap.Error(err),
		)
	}
}

// Report returns a snapshot of every probe.
func (h *Checker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := Report{Status: StatusHealthy, Probes: make(map[string]ProbeStatus, len(h.statuses))}
	for name, s := range h.statuses {
		r.Probes[name] = s
		if s.Status == StatusDegraded {
			r.Status = StatusDegraded
		}
	}
	return r
}

// Names returns the probe names in sorted order.
func (h *Checker) Names() []string {
	names := make([]string, 0, len(h.probes))
	for _, p := range h.probes {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
