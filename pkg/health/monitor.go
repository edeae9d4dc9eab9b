package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/harun/wavefront/internal/observability"
)

// Config configures a Monitor
type Config struct {
	Name                string
	Interval            time.Duration
	CheckTimeout        time.Duration
	RecoveryThreshold   int // consecutive healthy ticks before stepping down
	EscalationThreshold int // consecutive bad ticks before stepping up
	Clock               clockwork.Clock
	Logger              zerolog.Logger
}

// DefaultConfig returns the stock sampling settings
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		Interval:            30 * time.Second,
		CheckTimeout:        5 * time.Second,
		RecoveryThreshold:   3,
		EscalationThreshold: 3,
	}
}

// AlertHandler receives escalation alerts
type AlertHandler func(Alert)

// StateChangeHandler receives every state transition
type StateChangeHandler func(from, to State)

// CriticalHandler is called when the monitor reaches critical and after each
// further EscalationThreshold bad ticks it stays there
type CriticalHandler func(Report)

// Monitor aggregates registered checks into one ordinal severity.
// Every EscalationThreshold bad ticks move it up one step, whatever the worst
// result was, until critical. Transitions move one step at a time except
// ForceCritical.
type Monitor struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu                   sync.Mutex
	state                State
	checks               map[CheckKind]CheckFunc
	consecutiveSuccesses int
	consecutiveFailures  int
	intervalScale        float64
	lastResults          map[CheckKind]CheckResult
	lastTick             time.Time
	ticks                uint64
	skipped              uint64
	cancel               context.CancelFunc

	ticking atomic.Bool
	wg      sync.WaitGroup

	handlerMu        sync.RWMutex
	alertHandlers    []AlertHandler
	stateHandlers    []StateChangeHandler
	criticalHandlers []CriticalHandler
}

// NewMonitor creates a monitor in the initializing state
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("health monitor %q: interval must be positive", cfg.Name)
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = cfg.Interval
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 3
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	observability.EnsureRegistered()

	return &Monitor{
		cfg:           cfg,
		clock:         clock,
		logger:        cfg.Logger.With().Str("monitor", cfg.Name).Logger(),
		state:         StateInitializing,
		checks:        make(map[CheckKind]CheckFunc),
		intervalScale: 1,
	}, nil
}

// Register adds or replaces the check for kind
func (m *Monitor) Register(kind CheckKind, check CheckFunc) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCheck, kind)
	}
	if check == nil {
		return fmt.Errorf("health check %q: nil check", kind)
	}
	m.mu.Lock()
	m.checks[kind] = check
	m.mu.Unlock()
	return nil
}

// State returns the current severity
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Tick runs every check once and applies the transition rules. It returns
// false without doing anything when another tick is still running.
func (m *Monitor) Tick(ctx context.Context) (Report, bool) {
	if !m.ticking.CompareAndSwap(false, true) {
		m.mu.Lock()
		m.skipped++
		m.mu.Unlock()
		m.logger.Debug().Msg("Health tick skipped, previous tick still running")
		return Report{}, false
	}
	defer m.ticking.Store(false)

	m.mu.Lock()
	checks := make(map[CheckKind]CheckFunc, len(m.checks))
	for kind, check := range m.checks {
		checks[kind] = check
	}
	m.mu.Unlock()

	results := m.runChecks(ctx, checks)

	worst := StateHealthy
	byKind := make(map[CheckKind]CheckResult, len(results))
	for _, res := range results {
		byKind[res.Kind] = res
		if res.Status > worst {
			worst = res.Status
		}
		if res.Status > StateHealthy {
			observability.RecordHealthCheckFailure(m.cfg.Name, string(res.Kind))
		}
	}

	now := m.clock.Now()

	m.mu.Lock()
	m.ticks++
	m.lastTick = now
	m.lastResults = byKind

	var transitions [][2]State
	var alert *Alert
	stillCritical := false

	if m.state == StateInitializing {
		transitions = append(transitions, [2]State{m.state, StateHealthy})
		m.state = StateHealthy
	}

	if worst == StateHealthy {
		m.consecutiveSuccesses++
		m.consecutiveFailures = 0
		if m.state > StateHealthy && m.consecutiveSuccesses >= m.cfg.RecoveryThreshold {
			transitions = append(transitions, [2]State{m.state, m.state - 1})
			m.state--
			m.consecutiveSuccesses = 0
		}
	} else {
		m.consecutiveFailures++
		m.consecutiveSuccesses = 0
		if m.consecutiveFailures >= m.cfg.EscalationThreshold {
			m.consecutiveFailures = 0
			if m.state < StateCritical {
				from := m.state
				m.state++
				transitions = append(transitions, [2]State{from, m.state})
				alert = &Alert{Monitor: m.cfg.Name, From: from, To: m.state, Worst: worst, Time: now}
			} else {
				stillCritical = true
			}
		}
	}

	report := Report{State: m.state, Worst: worst, Results: byKind, Time: now}
	m.mu.Unlock()

	m.publish(transitions, alert, report, stillCritical)

	return report, true
}

func (m *Monitor) runChecks(ctx context.Context, checks map[CheckKind]CheckFunc) []CheckResult {
	if len(checks) == 0 {
		return nil
	}

	p := pool.NewWithResults[CheckResult]()
	for kind, check := range checks {
		kind, check := kind, check
		p.Go(func() CheckResult {
			return m.runCheck(ctx, kind, check)
		})
	}
	return p.Wait()
}

func (m *Monitor) runCheck(ctx context.Context, kind CheckKind, check CheckFunc) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	start := m.clock.Now()
	done := make(chan CheckResult, 1)

	go func() {
		var res CheckResult
		var err error
		var catcher panics.Catcher
		catcher.Try(func() {
			res, err = check(checkCtx)
		})
		if recovered := catcher.Recovered(); recovered != nil {
			done <- CheckResult{Status: StateUnhealthy, Message: fmt.Sprintf("check panicked: %v", recovered.Value)}
			return
		}
		if err != nil {
			done <- CheckResult{Status: StateUnhealthy, Message: err.Error()}
			return
		}
		done <- res
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-checkCtx.Done():
		res = CheckResult{Status: StateUnhealthy, Message: "check timed out"}
	}

	res.Kind = kind
	res.Duration = m.clock.Since(start)
	if res.Status < StateHealthy {
		res.Status = StateHealthy
	}
	if res.Status > StateCritical {
		res.Status = StateCritical
	}
	return res
}

// publish notifies handlers. Critical handlers run on the transition into
// critical and again for every bad streak spent in critical.
func (m *Monitor) publish(transitions [][2]State, alert *Alert, report Report, stillCritical bool) {
	if len(transitions) == 0 && alert == nil && !stillCritical {
		return
	}

	m.handlerMu.RLock()
	stateHandlers := append([]StateChangeHandler(nil), m.stateHandlers...)
	alertHandlers := append([]AlertHandler(nil), m.alertHandlers...)
	criticalHandlers := append([]CriticalHandler(nil), m.criticalHandlers...)
	m.handlerMu.RUnlock()

	reachedCritical := false
	for _, t := range transitions {
		m.logger.Info().
			Str("from", t[0].String()).
			Str("to", t[1].String()).
			Msg("Health state changed")
		observability.SetHealthState(m.cfg.Name, int(t[1]))
		for _, handler := range stateHandlers {
			handler(t[0], t[1])
		}
		if t[1] == StateCritical && t[0] != StateCritical {
			reachedCritical = true
		}
	}

	if alert != nil {
		m.logger.Warn().
			Str("from", alert.From.String()).
			Str("to", alert.To.String()).
			Str("worst", alert.Worst.String()).
			Bool("forced", alert.Forced).
			Str("reason", alert.Reason).
			Msg("Health alert")
		for _, handler := range alertHandlers {
			handler(*alert)
		}
	}

	if stillCritical {
		m.logger.Warn().Str("worst", report.Worst.String()).Msg("Health still critical")
	}

	if reachedCritical || stillCritical {
		for _, handler := range criticalHandlers {
			handler(report)
		}
	}
}

// ForceCritical jumps straight to critical regardless of check results
func (m *Monitor) ForceCritical(reason string) {
	m.mu.Lock()
	from := m.state
	if from == StateCritical {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.state = StateCritical
	m.consecutiveFailures = 0
	m.consecutiveSuccesses = 0
	report := Report{State: StateCritical, Worst: StateCritical, Results: m.lastResults, Time: now}
	m.mu.Unlock()

	m.publish(
		[][2]State{{from, StateCritical}},
		&Alert{Monitor: m.cfg.Name, From: from, To: StateCritical, Worst: StateCritical, Forced: true, Reason: reason, Time: now},
		report,
		false,
	)
}

// ResetCounters clears the consecutive success/failure streaks
func (m *Monitor) ResetCounters() {
	m.mu.Lock()
	m.consecutiveSuccesses = 0
	m.consecutiveFailures = 0
	m.mu.Unlock()
}

// SetIntervalScale widens (or restores, with 1) the sampling interval
func (m *Monitor) SetIntervalScale(factor float64) {
	if factor <= 0 {
		factor = 1
	}
	m.mu.Lock()
	m.intervalScale = factor
	m.mu.Unlock()
}

// Interval returns the effective sampling interval
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(float64(m.cfg.Interval) * m.intervalScale)
}

// Stats returns a snapshot of the monitor
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make(map[CheckKind]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		results[k] = v
	}
	return Stats{
		State:                m.state,
		ConsecutiveSuccesses: m.consecutiveSuccesses,
		ConsecutiveFailures:  m.consecutiveFailures,
		Ticks:                m.ticks,
		SkippedTicks:         m.skipped,
		LastTick:             m.lastTick,
		Interval:             time.Duration(float64(m.cfg.Interval) * m.intervalScale),
		LastResults:          results,
	}
}

// Start begins ticking every Interval until Stop or ctx is cancelled
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info().Dur("interval", m.Interval()).Msg("Health monitor started")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.Interval()):
			m.Tick(ctx)
		}
	}
}

// Stop halts the tick loop and waits for it to exit. Must not be called
// from a handler running inside Tick.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()

	m.logger.Info().Msg("Health monitor stopped")
}

// OnAlert registers an escalation handler
func (m *Monitor) OnAlert(handler AlertHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// OnStateChange registers a transition handler
func (m *Monitor) OnStateChange(handler StateChangeHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.stateHandlers = append(m.stateHandlers, handler)
}

// OnCritical registers a handler run when critical is reached and while it persists
func (m *Monitor) OnCritical(handler CriticalHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.criticalHandlers = append(m.criticalHandlers, handler)
}
