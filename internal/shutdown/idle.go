// Package shutdown provides graceful shutdown helpers, including an idle
// monitor that never fires while automation sessions are running.
package shutdown

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultCheckInterval = 10 * time.Second

// IdleMonitor signals shutdown once the server saw no requests for the
// configured timeout, no request is in flight and Busy reports false.
type IdleMonitor struct {
	timeout       time.Duration
	checkInterval time.Duration
	lastActivity  atomic.Int64 // unix nanos
	inFlight      atomic.Int64
	busy          func() bool
	isHealthCheck func(*http.Request) bool
	logger        *slog.Logger

	stopOnce     sync.Once
	shutdownOnce sync.Once
	stopCh       chan struct{}
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
}

// IdleConfig configures the idle monitor.
type IdleConfig struct {
	// Timeout of zero or less disables the monitor.
	Timeout time.Duration
	// CheckInterval defaults to 10s.
	CheckInterval time.Duration
	// Busy reports background work that must keep the process alive, such
	// as running sessions. Nil means never busy.
	Busy func() bool
	// IsHealthCheck identifies probe requests that do not count as
	// activity. Nil uses DefaultIsHealthCheck.
	IsHealthCheck func(*http.Request) bool
	Logger        *slog.Logger
}

// NewIdleMonitor creates an idle monitor. Call Start to begin checking.
func NewIdleMonitor(cfg IdleConfig) *IdleMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.IsHealthCheck == nil {
		cfg.IsHealthCheck = DefaultIsHealthCheck
	}
	if cfg.Busy == nil {
		cfg.Busy = func() bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &IdleMonitor{
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		busy:          cfg.Busy,
		isHealthCheck: cfg.IsHealthCheck,
		logger:        cfg.Logger.With("component", "idle_monitor"),
		stopCh:        make(chan struct{}),
		shutdownCh:    make(chan struct{}),
	}
	m.touch(time.Now())
	return m
}

// Enabled reports whether idle shutdown is configured.
func (m *IdleMonitor) Enabled() bool {
	return m.timeout > 0
}

// Start begins periodic idle checks. It is a no-op when disabled.
func (m *IdleMonitor) Start() {
	if !m.Enabled() {
		m.logger.Info("idle shutdown disabled")
		return
	}
	m.logger.Info("idle shutdown enabled", "timeout", m.timeout)

	m.wg.Add(1)
	go m.run()
}

// Stop ends the checks. Safe to call more than once.
func (m *IdleMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *IdleMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			if m.check(now) {
				return
			}
		}
	}
}

// check closes the shutdown channel when the monitor is idle at now.
func (m *IdleMonitor) check(now time.Time) bool {
	if m.busy() {
		// Running work counts as activity so the timeout restarts after it.
		m.touch(now)
		return false
	}
	if !m.ShouldShutdown(now) {
		return false
	}
	m.logger.Info("idle timeout reached, requesting shutdown",
		"idle", m.IdleTime(now).Round(time.Second),
		"timeout", m.timeout,
	)
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
	return true
}

// ShouldShutdown reports whether the idle conditions hold at now.
func (m *IdleMonitor) ShouldShutdown(now time.Time) bool {
	if !m.Enabled() {
		return false
	}
	if m.inFlight.Load() > 0 || m.busy() {
		return false
	}
	return m.IdleTime(now) >= m.timeout
}

// Middleware counts requests as activity. Health probes are ignored.
func (m *IdleMonitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isHealthCheck(r) {
			next.ServeHTTP(w, r)
			return
		}
		m.inFlight.Add(1)
		m.touch(time.Now())
		defer func() {
			m.inFlight.Add(-1)
			m.touch(time.Now())
		}()
		next.ServeHTTP(w, r)
	})
}

// Done is closed when idle shutdown is requested.
func (m *IdleMonitor) Done() <-chan struct{} {
	return m.shutdownCh
}

// InFlight returns the number of tracked requests being served.
func (m *IdleMonitor) InFlight() int64 {
	return m.inFlight.Load()
}

// IdleTime returns how long the monitor has seen no activity as of now.
func (m *IdleMonitor) IdleTime(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, m.lastActivity.Load()))
}

func (m *IdleMonitor) touch(t time.Time) {
	m.lastActivity.Store(t.UnixNano())
}

// DefaultIsHealthCheck matches probe paths and health-check user agents.
func DefaultIsHealthCheck(r *http.Request) bool {
	if strings.Contains(r.Header.Get("User-Agent"), "HealthCheck") {
		return true
	}
	switch r.URL.Path {
	case "/health", "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}
