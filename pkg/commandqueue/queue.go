package commandqueue

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

// ErrClosed is returned for jobs submitted to, or still waiting in, a closed queue.
var ErrClosed = errors.New("command queue closed")

// Job is one unit of lane work
type Job func(ctx context.Context) (interface{}, error)

// Options annotate a single job
type Options struct {
	Label     string        // shown in logs and events, e.g. "set status 3"
	WarnAfter time.Duration // overrides Config.WarnAfter for this job
}

// EventType names queue events
type EventType string

const (
	EventQueued EventType = "queued"
	EventDone   EventType = "done"
	// EventSlow fires when a job waited or ran longer than its WarnAfter
	EventSlow EventType = "slow"
)

// Event describes one job transition
type Event struct {
	Type     EventType
	Lane     string
	JobID    string
	Label    string
	Pending  int
	Wait     time.Duration
	Duration time.Duration
	Err      error
}

// EventHandler handles queue events
type EventHandler func(event Event)

// Config configures a CommandQueue
type Config struct {
	// Lanes maps lane names to their concurrency. Unknown lanes are created
	// on first use with concurrency 1.
	Lanes map[string]int
	// WarnAfter flags jobs that wait or run longer. 0 disables the warning.
	WarnAfter time.Duration
	Clock     clockwork.Clock
	Logger    zerolog.Logger
}

// LaneStats is a point-in-time view of one lane
type LaneStats struct {
	Pending     int    `json:"pending"`
	Running     int    `json:"running"`
	Concurrency int    `json:"concurrency"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
}

type job struct {
	id       string
	label    string
	fn       Job
	ctx      context.Context
	queuedAt time.Time
	warn     time.Duration
	done     chan result
}

type result struct {
	value interface{}
	err   error
}

type lane struct {
	name    string
	limit   int
	pending []*job
	running int
	stats   LaneStats
}

// CommandQueue runs jobs in FIFO order per lane, never exceeding the lane's
// concurrency. Lanes are independent of each other.
type CommandQueue struct {
	clock     clockwork.Clock
	warnAfter time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	seq     uint64
	closed  bool
	changed chan struct{} // closed and replaced whenever a job finishes

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	eventMu       sync.RWMutex
	eventHandlers map[EventType][]EventHandler
}

// New creates a queue
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	base, cancel := context.WithCancel(context.Background())

	cq := &CommandQueue{
		clock:         clock,
		warnAfter:     cfg.WarnAfter,
		logger:        cfg.Logger.With().Str("component", "commandqueue").Logger(),
		lanes:         make(map[string]*lane),
		changed:       make(chan struct{}),
		base:          base,
		cancel:        cancel,
		eventHandlers: make(map[EventType][]EventHandler),
	}
	for name, limit := range cfg.Lanes {
		cq.laneLocked(name).limit = max(limit, 1)
	}
	return cq
}

// laneLocked returns the named lane, creating it. cq.mu must be held.
func (cq *CommandQueue) laneLocked(name string) *lane {
	l, ok := cq.lanes[name]
	if !ok {
		l = &lane{name: name, limit: 1}
		cq.lanes[name] = l
	}
	return l
}

// Enqueue submits fn to lane and blocks until it has run. If ctx ends while
// the job is still waiting, the job never runs and ctx.Err() is returned.
func (cq *CommandQueue) Enqueue(ctx context.Context, laneName string, fn Job, opts *Options) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.WarnAfter == 0 {
		o.WarnAfter = cq.warnAfter
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.seq++
	j := &job{
		id:       fmt.Sprintf("%s-%d", laneName, cq.seq),
		label:    o.Label,
		fn:       fn,
		ctx:      ctx,
		queuedAt: cq.clock.Now(),
		warn:     o.WarnAfter,
		done:     make(chan result, 1),
	}
	l := cq.laneLocked(laneName)
	l.pending = append(l.pending, j)
	pending := len(l.pending)
	cq.dispatchLocked(l)
	cq.mu.Unlock()

	observability.RecordQueueEnqueue(laneName, pending)
	cq.emit(Event{Type: EventQueued, Lane: laneName, JobID: j.id, Label: j.label, Pending: pending})

	select {
	case r := <-j.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchLocked starts pending jobs while the lane has capacity. cq.mu must be held.
func (cq *CommandQueue) dispatchLocked(l *lane) {
	for l.running < l.limit && len(l.pending) > 0 {
		j := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]

		if err := j.ctx.Err(); err != nil {
			j.done <- result{err: err}
			continue
		}

		l.running++
		cq.wg.Add(1)
		go cq.run(l, j)
	}
}

func (cq *CommandQueue) run(l *lane, j *job) {
	defer cq.wg.Done()

	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(cq.base, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := cq.clock.Now()
	wait := start.Sub(j.queuedAt)
	if j.warn > 0 && wait > j.warn {
		cq.logger.Warn().Str("lane", l.name).Str("job", j.id).Str("label", j.label).Dur("wait", wait).Msg("Job waited longer than expected")
		cq.emit(Event{Type: EventSlow, Lane: l.name, JobID: j.id, Label: j.label, Wait: wait})
	}

	value, err := j.fn(ctx)
	duration := cq.clock.Since(start)

	cq.mu.Lock()
	l.running--
	if err != nil {
		l.stats.Failed++
	} else {
		l.stats.Completed++
	}
	pending := len(l.pending)
	if !cq.closed {
		cq.dispatchLocked(l)
	}
	close(cq.changed)
	cq.changed = make(chan struct{})
	cq.mu.Unlock()

	j.done <- result{value: value, err: err}

	logEvent := cq.logger.Debug()
	if err != nil {
		logEvent = cq.logger.Warn().Err(err)
	}
	logEvent.Str("lane", l.name).Str("job", j.id).Str("label", j.label).Dur("duration", duration).Msg("Job finished")

	if j.warn > 0 && duration > j.warn {
		cq.logger.Warn().Str("lane", l.name).Str("job", j.id).Str("label", j.label).Dur("duration", duration).Msg("Job ran longer than expected")
		cq.emit(Event{Type: EventSlow, Lane: l.name, JobID: j.id, Label: j.label, Duration: duration})
	}

	observability.RecordQueueCompletion(l.name, duration, err == nil, pending)
	cq.emit(Event{Type: EventDone, Lane: l.name, JobID: j.id, Label: j.label, Pending: pending, Wait: wait, Duration: duration, Err: err})
}

// SetConcurrency changes how many jobs of lane may run at once
func (cq *CommandQueue) SetConcurrency(laneName string, limit int) {
	limit = max(limit, 1)

	cq.mu.Lock()
	l := cq.laneLocked(laneName)
	previous := l.limit
	l.limit = limit
	if !cq.closed {
		cq.dispatchLocked(l)
	}
	cq.mu.Unlock()

	if previous != limit {
		cq.logger.Debug().Str("lane", laneName).Int("from", previous).Int("to", limit).Msg("Lane concurrency updated")
	}
}

// Stats returns a snapshot of every lane
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	out := make(map[string]LaneStats, len(cq.lanes))
	for name, l := range cq.lanes {
		s := l.stats
		s.Pending = len(l.pending)
		s.Running = l.running
		s.Concurrency = l.limit
		out[name] = s
	}
	return out
}

// Drain blocks until no lane has pending or running jobs, or ctx ends
func (cq *CommandQueue) Drain(ctx context.Context) error {
	for {
		cq.mu.Lock()
		busy := false
		for _, l := range cq.lanes {
			if l.running > 0 || len(l.pending) > 0 {
				busy = true
				break
			}
		}
		changed := cq.changed
		cq.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close rejects new jobs, fails waiting ones with ErrClosed, cancels running
// jobs and waits for them to return
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	dropped := 0
	for _, l := range cq.lanes {
		for _, j := range l.pending {
			j.done <- result{err: ErrClosed}
		}
		dropped += len(l.pending)
		l.pending = nil
		observability.SetQueueSize(l.name, 0)
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	if dropped > 0 {
		cq.logger.Warn().Int("dropped", dropped).Msg("Command queue closed with pending jobs")
	}
	return nil
}

// On registers an event handler
func (cq *CommandQueue) On(eventType EventType, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (cq *CommandQueue) Off(eventType EventType) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
