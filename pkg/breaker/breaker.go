package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/harun/wavefront/internal/observability"
)

var (
	// ErrOpen is passed to the fallback when the breaker rejects a call while open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is passed to the fallback when the half-open probe budget is used up.
	ErrTooManyRequests = errors.New("circuit breaker half-open budget exhausted")
	// ErrInvalidTransition is returned by ForceState for open -> closed.
	ErrInvalidTransition = errors.New("invalid circuit breaker transition")
	// ErrCallTimeout is returned when the primary operation exceeds CallTimeout.
	ErrCallTimeout = errors.New("protected operation timed out")
)

// State is the breaker state. The numeric values are exported as metrics.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Operation is the protected primary call
type Operation func(ctx context.Context) (interface{}, error)

// Fallback serves a call the breaker rejected. cause is ErrOpen or ErrTooManyRequests.
type Fallback func(ctx context.Context, cause error) (interface{}, error)

// EventType identifies breaker events
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventRejected    EventType = "rejected"
)

// Event is delivered to listeners after the breaker lock is released
type Event struct {
	Breaker string
	Type    EventType
	From    State
	To      State
	Cause   error
	Time    time.Time
}

// Listener receives breaker events
type Listener func(Event)

// Config configures a Breaker
type Config struct {
	Name                string
	FailureThreshold    int
	ResetTimeout        time.Duration
	MaxHalfOpenRequests int
	CallTimeout         time.Duration // 0 disables the per-call timeout
	Clock               clockwork.Clock
	Logger              zerolog.Logger
}

// DefaultConfig returns the stock thresholds
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		ResetTimeout:        60 * time.Second,
		MaxHalfOpenRequests: 1,
		CallTimeout:         30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of a breaker
type Stats struct {
	Name         string        `json:"name"`
	State        string        `json:"state"`
	FailureCount int           `json:"failure_count"`
	Successes    uint64        `json:"successes"`
	Failures     uint64        `json:"failures"`
	Rejections   uint64        `json:"rejections"`
	LastFailure  time.Time     `json:"last_failure,omitempty"`
	OpenedAt     time.Time     `json:"opened_at,omitempty"`
	ResetTimeout time.Duration `json:"reset_timeout"`
}

// Breaker guards an operation class. It moves closed -> open after
// FailureThreshold consecutive failures, admits half-open probes once
// ResetTimeout has elapsed, and only closes again after a successful probe.
type Breaker struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu               sync.Mutex
	state            State
	failureCount     int
	lastFailure      time.Time
	openedAt         time.Time
	halfOpenInFlight int
	timeoutScale     float64
	successes        uint64
	failures         uint64
	rejections       uint64

	listenerMu sync.RWMutex
	listeners  []Listener
}

// New creates a closed breaker
func New(cfg Config) (*Breaker, error) {
	if cfg.FailureThreshold <= 0 {
		return nil, fmt.Errorf("breaker %q: failure threshold must be positive", cfg.Name)
	}
	if cfg.ResetTimeout <= 0 {
		return nil, fmt.Errorf("breaker %q: reset timeout must be positive", cfg.Name)
	}
	if cfg.MaxHalfOpenRequests < 0 {
		return nil, fmt.Errorf("breaker %q: max half-open requests must not be negative", cfg.Name)
	}
	if cfg.MaxHalfOpenRequests == 0 {
		cfg.MaxHalfOpenRequests = 1
	}
	if cfg.CallTimeout < 0 {
		cfg.CallTimeout = 0
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	observability.EnsureRegistered()

	return &Breaker{
		cfg:          cfg,
		clock:        clock,
		logger:       cfg.Logger.With().Str("breaker", cfg.Name).Logger(),
		state:        StateClosed,
		timeoutScale: 1,
	}, nil
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed still reports open until the next call moves it to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under breaker protection. Rejected calls go to fallback
// (or return the rejection error when fallback is nil) without running op.
// Errors from op itself are returned to the caller unchanged.
func (b *Breaker) Execute(ctx context.Context, op Operation, fallback Fallback) (interface{}, error) {
	probe, events, err := b.admit()
	b.dispatch(events)

	if err != nil {
		observability.RecordBreakerRejection(b.cfg.Name)
		state := b.State()
		b.dispatch([]Event{{Breaker: b.cfg.Name, Type: EventRejected, From: state, To: state, Cause: err, Time: b.clock.Now()}})
		if fallback == nil {
			return nil, err
		}
		return fallback(ctx, err)
	}

	result, callErr := b.call(ctx, op)

	// a caller cancelling its own context says nothing about the dependency
	if callErr != nil && ctx.Err() != nil && !errors.Is(callErr, ErrCallTimeout) {
		b.release(probe)
		return result, callErr
	}

	b.dispatch(b.record(callErr, probe))
	observability.RecordBreakerCall(b.cfg.Name, callErr == nil)

	return result, callErr
}

func (b *Breaker) admit() (bool, []Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []Event

	if b.state == StateOpen {
		if b.clock.Since(b.openedAt) < b.resetTimeoutLocked() {
			b.rejections++
			return false, nil, ErrOpen
		}
		events = append(events, b.transitionLocked(StateHalfOpen))
	}

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight >= b.cfg.MaxHalfOpenRequests {
			b.rejections++
			return false, events, ErrTooManyRequests
		}
		b.halfOpenInFlight++
		return true, events, nil
	}

	return false, events, nil
}

func (b *Breaker) call(ctx context.Context, op Operation) (interface{}, error) {
	if b.cfg.CallTimeout <= 0 {
		return op(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := op(callCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrCallTimeout, b.cfg.CallTimeout)
	}
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(err error, probe bool) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	var events []Event

	if err == nil {
		b.successes++
		switch b.state {
		case StateHalfOpen:
			events = append(events, b.transitionLocked(StateClosed))
		case StateClosed:
			b.failureCount = 0
		}
		return events
	}

	b.failures++
	b.failureCount++
	b.lastFailure = b.clock.Now()

	switch b.state {
	case StateHalfOpen:
		b.logger.Warn().Err(err).Msg("Half-open probe failed")
		events = append(events, b.transitionLocked(StateOpen))
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.logger.Warn().
				Err(err).
				Int("failures", b.failureCount).
				Int("threshold", b.cfg.FailureThreshold).
				Msg("Failure threshold reached")
			events = append(events, b.transitionLocked(StateOpen))
		}
	}

	return events
}

// transitionLocked moves to the target state and returns the event to publish.
func (b *Breaker) transitionLocked(to State) Event {
	from := b.state
	b.state = to
	now := b.clock.Now()

	switch to {
	case StateOpen:
		b.openedAt = now
		b.halfOpenInFlight = 0
	case StateHalfOpen:
		b.halfOpenInFlight = 0
	case StateClosed:
		b.failureCount = 0
		b.halfOpenInFlight = 0
	}

	b.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")
	observability.RecordBreakerTransition(b.cfg.Name, to.String(), int(to))

	return Event{Breaker: b.cfg.Name, Type: EventStateChange, From: from, To: to, Time: now}
}

func (b *Breaker) resetTimeoutLocked() time.Duration {
	return time.Duration(float64(b.cfg.ResetTimeout) * b.timeoutScale)
}

// ForceState moves the breaker to the given state. Open -> closed is
// rejected; an open breaker has to pass through half-open.
func (b *Breaker) ForceState(to State) error {
	b.mu.Lock()
	if b.state == StateOpen && to == StateClosed {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StateOpen, StateClosed)
	}
	if to < StateClosed || to > StateOpen {
		b.mu.Unlock()
		return fmt.Errorf("%w: unknown state %d", ErrInvalidTransition, int(to))
	}
	if b.state == to {
		b.mu.Unlock()
		return nil
	}
	event := b.transitionLocked(to)
	b.mu.Unlock()

	b.dispatch([]Event{event})
	return nil
}

// ScaleTimeout multiplies the configured reset timeout. A factor of 1 restores it.
func (b *Breaker) ScaleTimeout(factor float64) {
	if factor <= 0 {
		factor = 1
	}
	b.mu.Lock()
	b.timeoutScale = factor
	b.mu.Unlock()
}

// ResetTimeout returns the effective (scaled) reset timeout
func (b *Breaker) ResetTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetTimeoutLocked()
}

// Stats returns a snapshot of counters and state
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:         b.cfg.Name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		Successes:    b.successes,
		Failures:     b.failures,
		Rejections:   b.rejections,
		LastFailure:  b.lastFailure,
		OpenedAt:     b.openedAt,
		ResetTimeout: b.resetTimeoutLocked(),
	}
}

// OnEvent registers a listener for state changes and rejections
func (b *Breaker) OnEvent(listener Listener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listeners = append(b.listeners, listener)
}

func (b *Breaker) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	b.listenerMu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.listenerMu.RUnlock()

	for _, event := range events {
		for _, listener := range listeners {
			listener(event)
		}
	}
}
