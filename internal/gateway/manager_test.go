package gateway

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"histfill/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSession is a Session whose health and lifetime the test controls.
type fakeSession struct {
	id       int
	pingErr  atomic.Value // error
	pings    atomic.Int32
	done     chan struct{}
	closed   atomic.Bool
	closeOne sync.Once
}

func newFakeSession(id int) *fakeSession {
	return &fakeSession{id: id, done: make(chan struct{})}
}

func (s *fakeSession) ClientID() int { return s.id }

func (s *fakeSession) Ping(context.Context) error {
	s.pings.Add(1)
	if v := s.pingErr.Load(); v != nil {
		if err, ok := v.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSession) Call(context.Context, string, any, any) error { return nil }
func (s *fakeSession) Done() <-chan struct{}                        { return s.done }

func (s *fakeSession) Close() error {
	s.closeOne.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

// fakeDialer answers each Dial with the result of fn.
type fakeDialer struct {
	mu       sync.Mutex
	fn       func(cfg ConnectionConfig) (Session, error)
	attempts []int
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, cfg ConnectionConfig) (Session, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, cfg.ClientID)
	fn := d.fn
	d.mu.Unlock()

	if fn != nil {
		sess, err := fn(cfg)
		if err != nil || sess != nil {
			return sess, err
		}
	}
	s := newFakeSession(cfg.ClientID)
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) attemptIDs() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.attempts...)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

func testConfig() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             4002,
		Timeout:          time.Second,
		ClientIDMin:      1,
		ClientIDMax:      5,
		RetryDelays:      []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		HealthInterval:   time.Hour,
		HealthTimeout:    100 * time.Millisecond,
		ExhaustionWait:   30 * time.Millisecond,
		StopTimeout:      time.Second,
		HealthMinSpacing: 0,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startManager(t *testing.T, cfg Config, d Dialer) *Manager {
	t.Helper()
	m := NewManager(cfg, d, nil, quietLogger())
	m.Start()
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func connected(m *Manager) func() bool {
	return func() bool { return m.Status().State == StateConnected }
}

func TestManagerConnects(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, testConfig(), d)

	waitFor(t, "connected", connected(m))

	st := m.Status()
	if st.ClientID != 1 {
		t.Errorf("ClientID = %d, want 1", st.ClientID)
	}
	if !st.Healthy {
		t.Error("Healthy = false after connect")
	}
	sess, ok := m.Session()
	if !ok || sess.ClientID() != 1 {
		t.Fatalf("Session() = %v, %v", sess, ok)
	}
	if got := m.Metrics(); got.Connects != 1 || got.ConnectAttempts != 1 {
		t.Errorf("metrics = %+v", got)
	}
}

func TestManagerAdvancesOnSessionConflict(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelays = []time.Duration{time.Hour} // conflicts must never wait
	d := &fakeDialer{fn: func(c ConnectionConfig) (Session, error) {
		switch c.ClientID {
		case 1:
			return nil, &domain.ProviderError{Code: 326, Message: "client id taken", Kind: domain.ErrSessionIDInUse}
		case 2:
			return nil, errors.New("Unable to connect as the client id is already in use")
		}
		return nil, nil
	}}
	m := startManager(t, cfg, d)

	waitFor(t, "connected", connected(m))

	if got := m.Status().ClientID; got != 3 {
		t.Errorf("ClientID = %d, want 3", got)
	}
	ids := d.attemptIDs()
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Errorf("attempted ids = %v, want [1 2 3]", ids)
	}
	if got := m.Metrics().SessionConflicts; got != 2 {
		t.Errorf("SessionConflicts = %d, want 2", got)
	}
}

func TestManagerBacksOffOnFailure(t *testing.T) {
	var calls atomic.Int32
	d := &fakeDialer{fn: func(ConnectionConfig) (Session, error) {
		if calls.Add(1) <= 2 {
			return nil, domain.ErrConnection
		}
		return nil, nil
	}}
	start := time.Now()
	m := startManager(t, testConfig(), d)

	waitFor(t, "connected", connected(m))

	// 10ms + 20ms of backoff before the third attempt.
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("connected after %v, want >= 30ms of backoff", elapsed)
	}
	ids := d.attemptIDs()
	for _, id := range ids {
		if id != 1 {
			t.Errorf("ordinary failures changed the client id: %v", ids)
			break
		}
	}
	met := m.Metrics()
	if met.ConnectFailures != 2 {
		t.Errorf("ConnectFailures = %d, want 2", met.ConnectFailures)
	}
	if st := m.Status(); st.FailedAttempts != 0 || st.LastError != "" {
		t.Errorf("status not reset after connect: %+v", st)
	}
}

func TestRetryDelayCapsAtTableEnd(t *testing.T) {
	m := NewManager(Config{}, &fakeDialer{}, nil, quietLogger())
	want := DefaultRetryDelays
	for i, d := range want {
		if got := m.retryDelay(i + 1); got != d {
			t.Errorf("retryDelay(%d) = %v, want %v", i+1, got, d)
		}
	}
	if got := m.retryDelay(50); got != 300*time.Second {
		t.Errorf("retryDelay(50) = %v, want 300s", got)
	}
}

func TestManagerExhaustionResetsAndWaits(t *testing.T) {
	cfg := testConfig()
	cfg.ClientIDMax = 2
	var allow atomic.Bool
	d := &fakeDialer{fn: func(ConnectionConfig) (Session, error) {
		if !allow.Load() {
			return nil, domain.ErrSessionIDInUse
		}
		return nil, nil
	}}
	m := startManager(t, cfg, d)

	waitFor(t, "exhaustion", func() bool { return m.Metrics().Exhaustions >= 1 })
	allow.Store(true)
	waitFor(t, "connected", connected(m))

	if got := m.Status().ClientID; got != 1 {
		t.Errorf("ClientID after reset = %d, want 1", got)
	}
	ids := d.attemptIDs()
	if len(ids) < 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 1 {
		t.Errorf("attempted ids = %v, want 1, 2, then 1 after reset", ids)
	}
}

func TestManagerReconnectsAfterHealthFailure(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, testConfig(), d)
	waitFor(t, "connected", connected(m))

	first := d.session(0)
	first.pingErr.Store(errors.New("gateway unresponsive"))
	m.RequestHealthCheck()

	waitFor(t, "reconnect", func() bool { return d.session(1) != nil && m.Status().State == StateConnected })

	if !first.closed.Load() {
		t.Error("unhealthy session was not closed")
	}
	met := m.Metrics()
	if met.Disconnects != 1 || met.HealthFailures != 1 {
		t.Errorf("metrics = %+v", met)
	}
}

func TestManagerReconnectsWhenTransportDrops(t *testing.T) {
	d := &fakeDialer{}
	m := startManager(t, testConfig(), d)
	waitFor(t, "connected", connected(m))

	_ = d.session(0).Close()

	waitFor(t, "reconnect", func() bool { return d.session(1) != nil && m.Status().State == StateConnected })
	if got := m.Metrics().Disconnects; got != 1 {
		t.Errorf("Disconnects = %d, want 1", got)
	}
}

func TestHealthChecksAreRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.HealthMinSpacing = time.Hour
	d := &fakeDialer{}
	m := startManager(t, cfg, d)
	waitFor(t, "connected", connected(m))

	sess := d.session(0)
	m.RequestHealthCheck()
	waitFor(t, "first ping", func() bool { return sess.pings.Load() == 1 })
	for i := 0; i < 5; i++ {
		m.RequestHealthCheck()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	if got := sess.pings.Load(); got != 1 {
		t.Errorf("pings = %d, want 1", got)
	}
}

func TestManagerStopDisconnects(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(), d, nil, quietLogger())
	m.Start()
	waitFor(t, "connected", connected(m))

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := m.Status(); st.State != StateDisconnected {
		t.Errorf("State after Stop = %s", st.State)
	}
	if _, ok := m.Session(); ok {
		t.Error("Session() still available after Stop")
	}
	if !d.session(0).closed.Load() {
		t.Error("session not closed on Stop")
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestManagerStopTimesOut(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	d := &fakeDialer{fn: func(ConnectionConfig) (Session, error) {
		once.Do(func() { close(entered) })
		<-release // ignores cancellation
		return nil, domain.ErrConnection
	}}
	cfg := testConfig()
	cfg.StopTimeout = 20 * time.Millisecond
	m := NewManager(cfg, d, nil, quietLogger())
	m.Start()
	<-entered

	err := m.Stop(context.Background())
	close(release)
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop err = %v, want ErrStopTimeout", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	m := NewManager(testConfig(), &fakeDialer{}, nil, quietLogger())
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSessionIDAllocator(t *testing.T) {
	a := newSessionIDs(1, 3)

	id, err := a.Next()
	if err != nil || id != 1 {
		t.Fatalf("Next = %d, %v", id, err)
	}
	a.Hold(1)
	a.Reset()
	if id, _ := a.Next(); id != 2 {
		t.Errorf("Next skipped held id? got %d, want 2", id)
	}
	a.Advance(2)
	if id, _ := a.Next(); id != 3 {
		t.Errorf("Next after Advance = %d, want 3", id)
	}
	a.Advance(3)
	if _, err := a.Next(); !errors.Is(err, domain.ErrSessionIDsExhausted) {
		t.Errorf("err = %v, want ErrSessionIDsExhausted", err)
	}
	a.Release(1)
	a.Reset()
	if id, _ := a.Next(); id != 1 {
		t.Errorf("Next after Release+Reset = %d, want 1", id)
	}
}
