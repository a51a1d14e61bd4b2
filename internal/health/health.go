// Package health monitors shelfd's modules and derives an overall
// status from activity, error, and latency counters.
//
// Status is computed on demand, never stored. Each watchdog tick
// re-derives it from the counters, flips stale modules to
// non-responding, and fires their recovery action once per stale
// transition. Any thread may report activity or errors; only the
// watchdog loop mutates the responding flags.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the derived health of the daemon, ordered by severity so
// callers can compare directly.
type Status int

const (
	// StatusHealthy indicates all checks pass.
	StatusHealthy Status = iota

	// StatusDegraded indicates elevated latency or error rate, or a
	// module that stopped responding; the daemon still works.
	StatusDegraded

	// StatusUnhealthy indicates the event gap or error rate crossed
	// a hard limit.
	StatusUnhealthy

	// StatusCritical indicates the pipeline has stalled.
	StatusCritical
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a status from its string form.
func (s *Status) UnmarshalJSON(data []byte) error {
	str := string(data)
	if len(str) >= 2 && str[0] == '"' && str[len(str)-1] == '"' {
		str = str[1 : len(str)-1]
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "healthy":
		return StatusHealthy, nil
	case "degraded":
		return StatusDegraded, nil
	case "unhealthy":
		return StatusUnhealthy, nil
	case "critical":
		return StatusCritical, nil
	default:
		return StatusHealthy, fmt.Errorf("health: unknown status %q", s)
	}
}

// Derivation thresholds.
const (
	criticalEventGap  = 30 * time.Second
	unhealthyEventGap = 5 * time.Second

	criticalLatency = 500 * time.Millisecond
	degradedLatency = 100 * time.Millisecond

	unhealthyErrorRate = 0.10
	degradedErrorRate  = 0.05

	// latencyWindow bounds the rolling latency average.
	latencyWindow = 100
)

// Config holds watchdog settings.
type Config struct {
	// Tick is the watchdog interval.
	Tick time.Duration

	// ModuleTimeout is how long a module may stay silent before it
	// is flipped to non-responding.
	ModuleTimeout time.Duration
}

// DefaultConfig returns the default watchdog settings. The module
// timeout matches the global unhealthy event gap.
func DefaultConfig() Config {
	return Config{
		Tick:          time.Second,
		ModuleTimeout: unhealthyEventGap,
	}
}

// Metrics is the on-demand counter snapshot.
type Metrics struct {
	LastEventTime   time.Time `json:"last_event_time"`
	EventsProcessed uint64    `json:"events_processed"`
	ErrorsCount     uint64    `json:"errors_count"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	Status          Status    `json:"status"`
}

// ModuleHealth is the exported view of one registered module.
type ModuleHealth struct {
	LastActivity time.Time `json:"last_activity"`
	ErrorCount   uint64    `json:"error_count"`
	Responding   bool      `json:"responding"`
}

// moduleRecord tracks one registered module. responding is mutated
// only by the watchdog loop; everything else under mu.
type moduleRecord struct {
	lastActivity time.Time
	errorCount   uint64
	responding   bool
	recovery     func()
}

// Monitor is the watchdog. Create with NewMonitor, then Start.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	events    atomic.Uint64
	errors    atomic.Uint64
	lastEvent atomic.Int64 // unix nanos, 0 until first activity

	latencyMu   sync.Mutex
	latencies   [latencyWindow]time.Duration
	latencyPos  int
	latencySeen int

	mu         sync.RWMutex
	modules    map[string]*moduleRecord
	onStatus   []func(old, new Status)
	onRecovery []func(module string)
	lastStatus Status
	running    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. Zero config fields fall back to
// defaults; a nil logger falls back to slog.Default.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if cfg.ModuleTimeout <= 0 {
		cfg.ModuleTimeout = DefaultConfig().ModuleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		cfg:     cfg,
		logger:  logger.With("component", "health"),
		modules: make(map[string]*moduleRecord),
	}
}

// RegisterModule adds a module to the watch set. The recovery action
// runs when the module goes stale; nil is allowed for modules that
// can only be observed.
func (m *Monitor) RegisterModule(name string, recovery func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.modules[name] = &moduleRecord{
		lastActivity: time.Now(),
		responding:   true,
		recovery:     recovery,
	}
}

// ReportActivity records that a module processed an event. Safe from
// any thread.
func (m *Monitor) ReportActivity(name string) {
	now := time.Now()
	m.events.Add(1)
	m.lastEvent.Store(now.UnixNano())

	m.mu.Lock()
	if rec, ok := m.modules[name]; ok {
		rec.lastActivity = now
	}
	m.mu.Unlock()
}

// ReportError records a module error. Safe from any thread.
func (m *Monitor) ReportError(name, msg string) {
	m.errors.Add(1)

	m.mu.Lock()
	if rec, ok := m.modules[name]; ok {
		rec.errorCount++
	}
	m.mu.Unlock()

	m.logger.Warn("module error reported", "module", name, "error", msg)
}

// ReportLatency feeds one dispatch latency sample into the rolling
// average. Safe from any thread.
func (m *Monitor) ReportLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.latencies[m.latencyPos] = d
	m.latencyPos = (m.latencyPos + 1) % latencyWindow
	if m.latencySeen < latencyWindow {
		m.latencySeen++
	}
	m.latencyMu.Unlock()
}

func (m *Monitor) avgLatency() time.Duration {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	if m.latencySeen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < m.latencySeen; i++ {
		sum += m.latencies[i]
	}
	return sum / time.Duration(m.latencySeen)
}

// Status derives the current status from the counters.
func (m *Monitor) Status() Status {
	return m.derive(time.Now())
}

func (m *Monitor) derive(now time.Time) Status {
	status := StatusHealthy
	elevate := func(s Status) {
		if s > status {
			status = s
		}
	}

	if last := m.lastEvent.Load(); last > 0 {
		gap := now.Sub(time.Unix(0, last))
		switch {
		case gap > criticalEventGap:
			elevate(StatusCritical)
		case gap > unhealthyEventGap:
			elevate(StatusUnhealthy)
		}
	}

	if avg := m.avgLatency(); avg > criticalLatency {
		elevate(StatusCritical)
	} else if avg > degradedLatency {
		elevate(StatusDegraded)
	}

	if events := m.events.Load(); events > 0 {
		rate := float64(m.errors.Load()) / float64(events)
		if rate > unhealthyErrorRate {
			elevate(StatusUnhealthy)
		} else if rate > degradedErrorRate {
			elevate(StatusDegraded)
		}
	}

	m.mu.RLock()
	for _, rec := range m.modules {
		if !rec.responding {
			elevate(StatusDegraded)
			break
		}
	}
	m.mu.RUnlock()

	return status
}

// Metrics returns the counter snapshot.
func (m *Monitor) Metrics() Metrics {
	var last time.Time
	if n := m.lastEvent.Load(); n > 0 {
		last = time.Unix(0, n)
	}

	return Metrics{
		LastEventTime:   last,
		EventsProcessed: m.events.Load(),
		ErrorsCount:     m.errors.Load(),
		AvgLatencyMs:    float64(m.avgLatency()) / float64(time.Millisecond),
		Status:          m.Status(),
	}
}

// Modules returns a snapshot of every registered module's record.
func (m *Monitor) Modules() map[string]ModuleHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ModuleHealth, len(m.modules))
	for name, rec := range m.modules {
		out[name] = ModuleHealth{
			LastActivity: rec.lastActivity,
			ErrorCount:   rec.errorCount,
			Responding:   rec.responding,
		}
	}
	return out
}

// OnStatusChange registers a callback fired from the watchdog loop
// whenever the derived status changes. Callbacks must not block.
func (m *Monitor) OnStatusChange(fn func(old, new Status)) {
	m.mu.Lock()
	m.onStatus = append(m.onStatus, fn)
	m.mu.Unlock()
}

// OnRecovery registers a callback fired after every recovery attempt.
func (m *Monitor) OnRecovery(fn func(module string)) {
	m.mu.Lock()
	m.onRecovery = append(m.onRecovery, fn)
	m.mu.Unlock()
}

// AttemptRecovery invokes a module's recovery action and notifies the
// recovery callbacks. Returns false for unknown modules. Also
// externally callable for manual recovery; the responding flag is
// left to the watchdog, which flips it back once activity resumes.
func (m *Monitor) AttemptRecovery(name string) bool {
	m.mu.RLock()
	rec, ok := m.modules[name]
	var recovery func()
	if ok {
		recovery = rec.recovery
	}
	notify := make([]func(string), len(m.onRecovery))
	copy(notify, m.onRecovery)
	m.mu.RUnlock()

	if !ok {
		return false
	}

	if recovery != nil {
		m.invokeRecovery(name, recovery)
	}
	for _, fn := range notify {
		fn(name)
	}

	m.logger.Info("recovery attempted", "module", name)
	return true
}

// EmergencyCleanup runs the critical-status cleanup pass on demand:
// error and latency counters reset, recovery retried for every module
// still marked non-responding. The watchdog runs the same pass
// automatically when the status enters critical.
func (m *Monitor) EmergencyCleanup() {
	m.emergencyCleanup()
}

// invokeRecovery runs a recovery action with panic containment so a
// broken action cannot take down the watchdog.
func (m *Monitor) invokeRecovery(name string, recovery func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("recovery action panicked",
				"module", name,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()
	recovery()
}

// Start launches the watchdog loop. Calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	// Seed the gap clock so a fresh daemon is healthy until real
	// inactivity accumulates.
	m.lastEvent.CompareAndSwap(0, time.Now().UnixNano())

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.watchLoop()

	m.logger.Info("health monitor started",
		"tick", m.cfg.Tick,
		"module_timeout", m.cfg.ModuleTimeout,
	)
	return nil
}

// Stop shuts down the watchdog loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.logger.Info("health monitor stopped")
	return nil
}

// Running reports whether the watchdog loop is active.
func (m *Monitor) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Monitor) watchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

// tick runs one watchdog pass: flip stale modules (recovering each
// exactly once per stale transition), re-derive the status, fire
// change callbacks, and run the emergency cleanup when the status
// enters critical.
func (m *Monitor) tick(now time.Time) {
	var stale, recovered []string

	m.mu.Lock()
	for name, rec := range m.modules {
		silent := now.Sub(rec.lastActivity) > m.cfg.ModuleTimeout
		switch {
		case rec.responding && silent:
			rec.responding = false
			stale = append(stale, name)
		case !rec.responding && !silent:
			rec.responding = true
			recovered = append(recovered, name)
		}
	}
	m.mu.Unlock()

	for _, name := range stale {
		m.logger.Warn("module stopped responding",
			"module", name,
			"timeout", m.cfg.ModuleTimeout,
		)
		m.AttemptRecovery(name)
	}
	for _, name := range recovered {
		m.logger.Info("module responding again", "module", name)
	}

	status := m.derive(now)

	m.mu.Lock()
	old := m.lastStatus
	m.lastStatus = status
	var callbacks []func(old, new Status)
	if status != old {
		callbacks = make([]func(old, new Status), len(m.onStatus))
		copy(callbacks, m.onStatus)
	}
	m.mu.Unlock()

	if status != old {
		m.logger.Info("status changed", "from", old.String(), "to", status.String())
	}
	for _, fn := range callbacks {
		fn(old, status)
	}

	if status == StatusCritical && old != StatusCritical {
		m.emergencyCleanup()
	}
}

// emergencyCleanup resets the error and latency counters so the
// status can fall back once the root cause clears, then retries
// recovery for every module still marked non-responding. Runs once
// per transition into critical.
func (m *Monitor) emergencyCleanup() {
	m.errors.Store(0)

	m.latencyMu.Lock()
	m.latencyPos = 0
	m.latencySeen = 0
	m.latencyMu.Unlock()

	m.mu.RLock()
	var down []string
	for name, rec := range m.modules {
		if !rec.responding {
			down = append(down, name)
		}
	}
	m.mu.RUnlock()

	m.logger.Error("status critical, running emergency cleanup",
		"non_responding", len(down),
	)
	for _, name := range down {
		m.AttemptRecovery(name)
	}
}
