// Package health implements HealthMonitor: composes transport/database/
// embedding-socket health, scheduled with a recursive single-shot timer
// (never a fixed-period ticker — §9 forbids stacking), adaptive interval,
// per-component state-change events, and best-effort auto-recovery.
package health

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sidecarhost/hostd/internal/hostconfig"
	"github.com/sidecarhost/hostd/internal/sidecarproto"
	"github.com/sidecarhost/hostd/internal/transport"
)

// Health is a single component's health classification.
type Health int

const (
	Unknown Health = iota
	Healthy
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// worse reports whether a is a strictly worse classification than b,
// treating Unknown as never the worst (aggregate health ignores it).
func worse(a, b Health) bool {
	rank := func(h Health) int {
		switch h {
		case Healthy:
			return 0
		case Degraded:
			return 1
		case Unhealthy:
			return 2
		default:
			return -1
		}
	}
	return rank(a) > rank(b)
}

// ComponentRecord is the per-component health record from §3.
type ComponentRecord struct {
	Name          string
	Health        Health
	LastCheckAt   time.Time
	LastSuccessAt time.Time
	ErrorCount    int
	LastError     string
	Details       map[string]any
}

// EventFunc receives a named health event with optional detail.
type EventFunc func(event string, detail map[string]any)

// Probe reports a single component's health on demand.
type Probe interface {
	Name() string
	Check(ctx context.Context) ComponentRecord
	Recover(ctx context.Context) bool
}

// Monitor composes a fixed set of probes under one adaptive recursive
// schedule.
type Monitor struct {
	cfg     hostconfig.HealthMonitorConfig
	probes  []Probe
	onEvent EventFunc
	log     *slog.Logger

	mu              sync.Mutex
	records         map[string]ComponentRecord
	currentInterval time.Duration
	healthyStreak   int
	lastRecoveryAt  map[string]time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Monitor over the given probes.
func New(cfg hostconfig.HealthMonitorConfig, probes []Probe, onEvent EventFunc, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	records := make(map[string]ComponentRecord, len(probes))
	for _, p := range probes {
		records[p.Name()] = ComponentRecord{Name: p.Name(), Health: Unknown}
	}
	return &Monitor{
		cfg:             cfg,
		probes:          probes,
		onEvent:         onEvent,
		log:             log.With("component", "health"),
		records:         records,
		currentInterval: cfg.UnhealthyInterval,
		lastRecoveryAt:  make(map[string]time.Time),
	}
}

func (m *Monitor) emit(event string, detail map[string]any) {
	if m.onEvent != nil {
		m.onEvent(event, detail)
	}
}

// Start begins the recursive single-timer schedule.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(runCtx)
}

// Stop cancels the schedule and waits for the in-flight iteration (if any)
// to return.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	timer := time.NewTimer(m.currentInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.runIteration(ctx)

		select {
		case <-ctx.Done():
			return
		default:
			m.mu.Lock()
			next := m.currentInterval
			m.mu.Unlock()
			timer.Reset(next)
		}
	}
}

// runIteration runs one pass over all probes, guarded by a reentrancy
// flag so a slow probe can never overlap with the next scheduled tick.
func (m *Monitor) runIteration(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	worstThisPass := Healthy
	for _, probe := range m.probes {
		record := probe.Check(ctx)
		m.applyRecord(ctx, probe, record)
		if worse(record.Health, worstThisPass) {
			worstThisPass = record.Health
		}
	}

	m.adjustInterval(worstThisPass)
}

func (m *Monitor) applyRecord(ctx context.Context, probe Probe, record ComponentRecord) {
	m.mu.Lock()
	prev := m.records[record.Name]
	if record.Health == Healthy {
		record.ErrorCount = 0
	} else if record.Health == Unhealthy || record.Health == Degraded {
		record.ErrorCount = prev.ErrorCount + 1
	}
	if record.LastSuccessAt.IsZero() {
		record.LastSuccessAt = prev.LastSuccessAt
	}
	m.records[record.Name] = record
	m.mu.Unlock()

	if prev.Health != record.Health {
		switch record.Health {
		case Degraded:
			m.emit("degraded", map[string]any{"component": record.Name})
		case Unhealthy:
			m.emit("unhealthy", map[string]any{"component": record.Name, "error": record.LastError})
		case Healthy:
			if prev.Health == Degraded || prev.Health == Unhealthy {
				m.emit("recovered", map[string]any{"component": record.Name})
			}
		}
	}

	if record.Health == Unhealthy {
		m.maybeAutoRecover(ctx, probe, record)
	}
}

func (m *Monitor) maybeAutoRecover(ctx context.Context, probe Probe, record ComponentRecord) {
	threshold := m.cfg.RecoveryThreshold
	if threshold <= 0 {
		threshold = 2
	}
	interval := m.cfg.RecoveryInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if !m.cfg.AutoRecovery || record.ErrorCount < threshold {
		return
	}

	m.mu.Lock()
	last := m.lastRecoveryAt[record.Name]
	due := time.Since(last) >= interval
	if due {
		m.lastRecoveryAt[record.Name] = time.Now()
	}
	m.mu.Unlock()
	if !due {
		return
	}

	success := probe.Recover(ctx)
	m.emit("recovery_attempted", map[string]any{"component": record.Name, "success": success})
}

// adjustInterval implements the adaptive scheduling rule from §4.6.
func (m *Monitor) adjustInterval(worst Health) {
	healthyInterval := m.cfg.HealthyInterval
	if healthyInterval <= 0 {
		healthyInterval = 30 * time.Second
	}
	unhealthyInterval := m.cfg.UnhealthyInterval
	if unhealthyInterval <= 0 {
		unhealthyInterval = 5 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch worst {
	case Unhealthy:
		m.currentInterval = unhealthyInterval
		m.healthyStreak = 0
	case Degraded:
		m.currentInterval = (healthyInterval + unhealthyInterval) / 2
		m.healthyStreak = 0
	case Healthy:
		m.healthyStreak++
		gap := healthyInterval - m.currentInterval
		step := time.Duration(float64(gap) * 0.25)
		if step < time.Second {
			step = time.Second
		}
		m.currentInterval += step
		if m.currentInterval > healthyInterval {
			m.currentInterval = healthyInterval
		}
	}
}

// Records returns a snapshot of every component's current record.
func (m *Monitor) Records() map[string]ComponentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ComponentRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// Aggregate returns the worst component health, ignoring Unknown.
func (m *Monitor) Aggregate() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	worst := Healthy
	seen := false
	for _, r := range m.records {
		if r.Health == Unknown {
			continue
		}
		seen = true
		if worse(r.Health, worst) {
			worst = r.Health
		}
	}
	if !seen {
		return Unknown
	}
	return worst
}

// CurrentInterval exposes the live adaptive interval, mainly for tests.
func (m *Monitor) CurrentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentInterval
}

// --- concrete probes ---

// TransportProbe maps a ResilientTransport's connection state to health.
type TransportProbe struct {
	Transport *transport.ResilientTransport
}

func (p *TransportProbe) Name() string { return "transport" }

func (p *TransportProbe) Check(ctx context.Context) ComponentRecord {
	now := time.Now()
	state := p.Transport.State()
	rec := ComponentRecord{Name: p.Name(), LastCheckAt: now}
	switch state {
	case transport.Connected:
		rec.Health = Healthy
		rec.LastSuccessAt = now
	case transport.Degraded:
		rec.Health = Degraded
	case transport.Disconnecting, transport.Disconnected:
		rec.Health = Unhealthy
		rec.LastError = "transport " + state.String()
	default:
		rec.Health = Unknown
	}
	return rec
}

func (p *TransportProbe) Recover(ctx context.Context) bool {
	// The transport owns its own recovery loop; the monitor only observes.
	return false
}

// DatabaseProbe runs a trivial query under timeout and flags degraded pool
// contention. sql.DBStats.WaitCount is lifetime-cumulative and never
// resets, so contention is judged on the delta between successive Check
// calls rather than the raw counter — otherwise one burst of contention
// would pin the component Degraded forever.
type DatabaseProbe struct {
	DB      *sql.DB
	Timeout time.Duration

	mu            sync.Mutex
	lastWaitCount int64
	haveLast      bool
}

func (p *DatabaseProbe) Name() string { return "database" }

func (p *DatabaseProbe) Check(ctx context.Context) ComponentRecord {
	now := time.Now()
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rec := ComponentRecord{Name: p.Name(), LastCheckAt: now}
	var one int
	if err := p.DB.QueryRowContext(queryCtx, "SELECT 1").Scan(&one); err != nil {
		rec.Health = Unhealthy
		rec.LastError = err.Error()
		return rec
	}

	stats := p.DB.Stats()
	rec.LastSuccessAt = now

	newWaits := p.waitDelta(stats.WaitCount)
	if stats.MaxOpenConnections > 0 && newWaits > int64(stats.MaxOpenConnections/2) {
		rec.Health = Degraded
		rec.Details = map[string]any{"new_waits": newWaits, "wait_count": stats.WaitCount, "max_open": stats.MaxOpenConnections}
	} else {
		rec.Health = Healthy
	}
	return rec
}

// waitDelta returns how many new waits have accrued since the previous
// call, given the latest cumulative WaitCount snapshot. The first call
// always returns 0 — there's no prior snapshot to diff against. A
// snapshot lower than the last one (the driver's counter reset, e.g. a
// pool recreation) is treated as zero new waits rather than going
// negative.
func (p *DatabaseProbe) waitDelta(current int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var delta int64
	if p.haveLast && current >= p.lastWaitCount {
		delta = current - p.lastWaitCount
	}
	p.lastWaitCount = current
	p.haveLast = true
	return delta
}

func (p *DatabaseProbe) Recover(ctx context.Context) bool {
	var one int
	err := p.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	return err == nil
}

// EmbeddingProbe checks the embedding sidecar socket directly (independent
// of the sidecar supervisor), per §4.6's "if socket file absent → Unhealthy".
type EmbeddingProbe struct {
	SocketPath string
	Timeout    time.Duration
	SocketStat func(path string) bool // returns true if the socket file exists; nil uses os.Stat; injectable for tests
}

func (p *EmbeddingProbe) Name() string { return "embedding" }

func (p *EmbeddingProbe) Check(ctx context.Context) ComponentRecord {
	now := time.Now()
	rec := ComponentRecord{Name: p.Name(), LastCheckAt: now}

	stat := p.SocketStat
	if stat == nil {
		stat = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}
	if !stat(p.SocketPath) {
		rec.Health = Unhealthy
		rec.LastError = "no socket"
		return rec
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	resp, err := sidecarproto.RoundTrip(ctx, p.SocketPath, timeout, sidecarproto.HealthRequest())
	if err != nil {
		rec.Health = Unhealthy
		rec.LastError = err.Error()
		return rec
	}

	rec.Health = Healthy
	rec.LastSuccessAt = now
	rec.Details = resp
	return rec
}

func (p *EmbeddingProbe) Recover(ctx context.Context) bool {
	// Advisory only — the sidecar supervisor owns actual restart (§4.6).
	return false
}
