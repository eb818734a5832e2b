// Package connectivity owns the authoritative notion of "are we online"
// and the retry scheduling policy for failed syncs.
package connectivity

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/siteworks/blockersync/internal/events"
	"github.com/siteworks/blockersync/internal/logging"
)

// Prober performs a lightweight connectivity check. The monitor trusts the
// prober's verdict over whatever the platform layer reports, since some
// platforms misreport connectivity.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber probes with a HEAD request to the configured health endpoint,
// falling back to a second well-known URL. Any HTTP response counts as
// online; only a transport failure counts as offline.
type HTTPProber struct {
	Client      *http.Client
	HealthURL   string
	FallbackURL string
}

// NewHTTPProber creates a prober with a bounded-time client.
func NewHTTPProber(healthURL, fallbackURL string) *HTTPProber {
	return &HTTPProber{
		Client:      &http.Client{Timeout: 5 * time.Second},
		HealthURL:   healthURL,
		FallbackURL: fallbackURL,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	if p.head(ctx, p.HealthURL) {
		return true
	}
	if p.FallbackURL == "" {
		return false
	}
	return p.head(ctx, p.FallbackURL)
}

func (p *HTTPProber) head(ctx context.Context, url string) bool {
	if url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Config holds monitor timing parameters.
type Config struct {
	HeartbeatInterval time.Duration // active probe cadence (default 30s)
	SettleDelay       time.Duration // wait after reconnect before syncing (default 2s)
	RetryFloor        time.Duration // initial retry delay (default 5s)
	RetryCap          time.Duration // maximum retry delay (default 60s)
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		SettleDelay:       2 * time.Second,
		RetryFloor:        5 * time.Second,
		RetryCap:          60 * time.Second,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.RetryFloor <= 0 {
		c.RetryFloor = d.RetryFloor
	}
	if c.RetryCap < c.RetryFloor {
		c.RetryCap = d.RetryCap
	}
}

// Monitor tracks online/offline transitions and schedules sync retries
// with exponential backoff. All state changes funnel through setOnline so
// platform signals and heartbeat verdicts produce the same events.
type Monitor struct {
	bus    *events.Bus
	prober Prober
	cfg    Config
	log    *logging.Logger

	mu         sync.Mutex
	online     bool
	retryDelay time.Duration
	retryTimer *time.Timer
	onOnline   func()

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. The bus is required; prober may be nil
// when no active heartbeat is wanted (tests drive SetOnline directly).
func NewMonitor(bus *events.Bus, prober Prober, cfg Config, log *logging.Logger) *Monitor {
	cfg.fillDefaults()
	if log == nil {
		log = logging.Get()
	}
	return &Monitor{
		bus:        bus,
		prober:     prober,
		cfg:        cfg,
		log:        log,
		retryDelay: cfg.RetryFloor,
	}
}

// OnReconnect registers the callback run after a connection is restored
// and the settle delay has elapsed. The synchronizer hooks its drain here.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = fn
}

// Start seeds the online state with an initial probe and begins the
// heartbeat loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	if m.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
		online := m.prober.Probe(probeCtx)
		cancel()
		m.seed(online)
	} else {
		m.seed(true)
	}

	m.wg.Add(1)
	go m.heartbeatLoop(ctx)

	m.log.Info("connectivity monitor started",
		map[string]any{"heartbeat_interval": m.cfg.HeartbeatInterval.String()})
}

// Stop halts the heartbeat and cancels any pending retry timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("connectivity monitor stopped", nil)
}

// seed sets the initial state without emitting transition events.
func (m *Monitor) seed(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

// heartbeatLoop re-probes connectivity on a fixed cadence, regardless of
// what the platform layer last claimed.
func (m *Monitor) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.prober == nil {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
			online := m.prober.Probe(probeCtx)
			cancel()
			m.SetOnline(online)
		}
	}
}

// IsOnline returns the current connectivity verdict.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline applies a connectivity signal — from the platform layer,
// a focus/foreground hook, or the heartbeat. Transitions emit
// connection-restored / connection-lost; a repeat of the current state is
// silent.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	if online {
		m.retryDelay = m.cfg.RetryFloor
		onOnline := m.onOnline
		settle := m.cfg.SettleDelay
		m.mu.Unlock()

		m.log.Info("connection restored", nil)
		m.bus.Publish(events.ConnectionRestored, nil)
		if onOnline != nil {
			// Let the network settle before the reconnect sync.
			time.AfterFunc(settle, onOnline)
		}
		return
	}

	// Going offline cancels the pending retry; retrying while offline
	// only burns the retry budget.
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	m.log.Warn("connection lost", nil)
	m.bus.Publish(events.ConnectionLost, nil)
}

// ScheduleRetry arms a single retry timer for the current backoff delay,
// replacing any pending one, then grows the delay for the next failure.
// Returns the delay that was armed. While offline it is a no-op returning
// zero: retrying against a dead network only burns the retry budget, and
// the reconnect path triggers its own sync.
func (m *Monitor) ScheduleRetry(fn func()) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		m.log.Debug("sync retry not scheduled while offline", nil)
		return 0
	}

	delay := m.retryDelay

	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, fn)

	// Double with jitter, capped. Jitter spreads reconnect storms from
	// co-located devices rejoining the same site network.
	next := delay * 2
	if next > 0 {
		next += time.Duration(rand.Int63n(int64(next)/10 + 1))
	}
	if next > m.cfg.RetryCap {
		next = m.cfg.RetryCap
	}
	m.retryDelay = next

	m.log.Debug("sync retry scheduled",
		map[string]any{"delay": delay.String(), "next_delay": next.String()})
	return delay
}

// ResetBackoff returns the retry delay to the floor. Called on a
// successful sync.
func (m *Monitor) ResetBackoff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryDelay = m.cfg.RetryFloor
}

// RetryDelay exposes the next delay the monitor would arm.
func (m *Monitor) RetryDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryDelay
}
