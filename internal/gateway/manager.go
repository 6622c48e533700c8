package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"histfill/internal/domain"
	"histfill/internal/metrics"
	"histfill/internal/util"
)

// ErrStopTimeout is returned by Stop when the worker does not exit in time.
var ErrStopTimeout = errors.New("gateway worker did not stop in time")

// Config configures a Manager.
type Config struct {
	Host        string
	Port        int
	Timeout     time.Duration
	ReadOnly    bool
	ClientIDMin int
	ClientIDMax int

	// RetryDelays is indexed by consecutive failures minus one and capped at
	// its last entry.
	RetryDelays      []time.Duration
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	HealthMinSpacing time.Duration
	ExhaustionWait   time.Duration
	StopTimeout      time.Duration
}

// DefaultRetryDelays is the progressive reconnect schedule.
var DefaultRetryDelays = []time.Duration{
	5 * time.Second, 10 * time.Second, 30 * time.Second,
	60 * time.Second, 120 * time.Second, 300 * time.Second,
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.ClientIDMax < c.ClientIDMin {
		c.ClientIDMax = c.ClientIDMin
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = DefaultRetryDelays
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
	if c.ExhaustionWait <= 0 {
		c.ExhaustionWait = 5 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
}

// Manager owns the gateway session. A single worker goroutine performs every
// state transition; the accessors only read snapshots under a lock.
type Manager struct {
	cfg     Config
	dialer  Dialer
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	status  Status
	stats   Metrics
	session Session

	ctx       context.Context
	cancel    context.CancelFunc
	healthReq chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// NewManager creates a Manager. It does nothing until Start is called.
func NewManager(cfg Config, dialer Dialer, mc *metrics.Collector, log *slog.Logger) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		metrics:   mc,
		log:       util.OrDefault(log).With("component", "gateway"),
		now:       time.Now,
		status:    Status{State: StateDisconnected, Host: cfg.Host, Port: cfg.Port},
		ctx:       ctx,
		cancel:    cancel,
		healthReq: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the background worker. Calling it more than once is a no-op.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		m.mu.Unlock()
		go m.run()
	})
}

// Stop signals the worker to disconnect and waits up to the configured stop
// timeout (or ctx) for it to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(m.cancel)

	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return nil
	}

	t := time.NewTimer(m.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-m.done:
		return nil
	case <-t.C:
		return ErrStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns the live session, if connected.
func (m *Manager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status.State != StateConnected || m.session == nil {
		return nil, false
	}
	return m.session, true
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Metrics returns a snapshot of the connection counters.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.stats
	if m.status.State == StateConnected && !m.status.ConnectedSince.IsZero() {
		out.Uptime = m.now().Sub(m.status.ConnectedSince)
	}
	return out
}

// RequestHealthCheck asks the worker to check the session soon. Requests
// arriving within the minimum spacing of the previous check are ignored.
func (m *Manager) RequestHealthCheck() {
	select {
	case m.healthReq <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

func (m *Manager) run() {
	defer close(m.done)
	defer m.setDisconnected("")

	ids := newSessionIDs(m.cfg.ClientIDMin, m.cfg.ClientIDMax)
	failures := 0

	for m.ctx.Err() == nil {
		id, err := ids.Next()
		if err != nil {
			ids.Reset()
			m.mu.Lock()
			m.stats.Exhaustions++
			m.status.LastError = err.Error()
			m.status.NextRetry = m.now().Add(m.cfg.ExhaustionWait)
			m.mu.Unlock()
			m.log.Warn("session ids exhausted, waiting", "wait", m.cfg.ExhaustionWait)
			if !m.wait(m.cfg.ExhaustionWait) {
				return
			}
			continue
		}

		sess, err := m.connect(id)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			if domain.IsSessionIDInUse(err) {
				// Conflicts move to the next id without backoff.
				ids.Advance(id)
				m.mu.Lock()
				m.stats.SessionConflicts++
				m.mu.Unlock()
				m.log.Info("session id in use, advancing", "client_id", id)
				continue
			}

			failures++
			delay := m.retryDelay(failures)
			m.mu.Lock()
			m.status.FailedAttempts = failures
			m.status.NextRetry = m.now().Add(delay)
			m.mu.Unlock()
			m.log.Warn("connect failed", "client_id", id, "attempt", failures, "retry_in", delay, "error", err)
			if !m.wait(delay) {
				return
			}
			continue
		}

		failures = 0
		ids.Hold(id)
		m.supervise(sess)
		ids.Release(id)
	}
}

// connect dials one session and records the outcome.
func (m *Manager) connect(id int) (Session, error) {
	m.mu.Lock()
	m.status.State = StateConnecting
	m.status.ClientID = id
	m.stats.ConnectAttempts++
	m.mu.Unlock()
	m.metrics.ConnectAttempt()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Timeout)
	defer cancel()

	sess, err := m.dialer.Dial(ctx, ConnectionConfig{
		Host:     m.cfg.Host,
		Port:     m.cfg.Port,
		ClientID: id,
		Timeout:  m.cfg.Timeout,
		ReadOnly: m.cfg.ReadOnly,
	})
	if err == nil && sess == nil {
		err = fmt.Errorf("%w: dialer returned no session", domain.ErrConnection)
	}
	if err != nil {
		m.mu.Lock()
		m.status.State = StateDisconnected
		m.status.LastError = err.Error()
		m.status.Healthy = false
		m.stats.ConnectFailures++
		m.mu.Unlock()
		m.metrics.ConnectFailed()
		return nil, err
	}

	now := m.now()
	m.mu.Lock()
	m.session = sess
	m.status.State = StateConnected
	m.status.ClientID = id
	m.status.ConnectedSince = now
	m.status.FailedAttempts = 0
	m.status.NextRetry = time.Time{}
	m.status.LastError = ""
	m.status.Healthy = true
	m.stats.Connects++
	m.mu.Unlock()
	m.metrics.SetConnected(true)
	m.log.Info("connected", "host", m.cfg.Host, "port", m.cfg.Port, "client_id", id)
	return sess, nil
}

// supervise blocks while sess is healthy, then tears it down.
func (m *Manager) supervise(sess Session) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	reason := ""
loop:
	for {
		select {
		case <-m.ctx.Done():
			reason = "stopping"
			break loop
		case <-sess.Done():
			reason = "session closed by transport"
			break loop
		case <-ticker.C:
			if err := m.healthCheck(sess); err != nil {
				reason = "health check failed: " + err.Error()
				break loop
			}
		case <-m.healthReq:
			if err := m.healthCheck(sess); err != nil {
				reason = "health check failed: " + err.Error()
				break loop
			}
		}
	}

	if err := sess.Close(); err != nil {
		m.log.Debug("closing session", "error", err)
	}
	if m.ctx.Err() == nil {
		m.mu.Lock()
		m.stats.Disconnects++
		m.mu.Unlock()
		m.log.Warn("disconnected", "client_id", sess.ClientID(), "reason", reason)
	}
	m.setDisconnected(reason)
}

// healthCheck pings sess unless a check ran within HealthMinSpacing.
func (m *Manager) healthCheck(sess Session) error {
	now := m.now()
	m.mu.RLock()
	last := m.status.LastHealthCheck
	m.mu.RUnlock()
	if !last.IsZero() && now.Sub(last) < m.cfg.HealthMinSpacing {
		return nil
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HealthTimeout)
	defer cancel()
	err := sess.Ping(ctx)

	m.mu.Lock()
	m.status.LastHealthCheck = m.now()
	m.status.Healthy = err == nil
	m.stats.HealthChecks++
	if err != nil {
		m.stats.HealthFailures++
		m.status.LastError = err.Error()
	}
	m.mu.Unlock()
	if err != nil {
		m.metrics.HealthCheckFailed()
	}
	return err
}

func (m *Manager) setDisconnected(reason string) {
	m.mu.Lock()
	m.session = nil
	m.status.State = StateDisconnected
	m.status.Healthy = false
	m.status.ConnectedSince = time.Time{}
	if reason != "" {
		m.status.LastError = reason
	}
	m.mu.Unlock()
	m.metrics.SetConnected(false)
}

func (m *Manager) retryDelay(failures int) time.Duration {
	i := failures - 1
	if i >= len(m.cfg.RetryDelays) {
		i = len(m.cfg.RetryDelays) - 1
	}
	if i < 0 {
		i = 0
	}
	return m.cfg.RetryDelays[i]
}

// wait sleeps for d, returning false if the manager is stopping.
func (m *Manager) wait(d time.Duration) bool {
	if d <= 0 {
		return m.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
