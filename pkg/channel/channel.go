package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/harun/wavefront/internal/observability"
	"github.com/harun/wavefront/pkg/breaker"
)

var (
	// ErrChannelClosed is returned by operations on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
	// ErrMaxReconnect is returned by Connect once the channel gave up reconnecting.
	ErrMaxReconnect = errors.New("maximum reconnect attempts exceeded")
	// ErrSlowSend marks a delivered message that took longer than SendTimeout.
	ErrSlowSend = errors.New("send exceeded timeout")
)

// State is the connection state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateOffline      State = "offline"
	StateClosed       State = "closed"
)

// SendStatus is the outcome of Send
type SendStatus string

const (
	SendDelivered SendStatus = "delivered"
	SendQueued    SendStatus = "queued"
	SendDuplicate SendStatus = "duplicate"
	SendDropped   SendStatus = "dropped"
)

// SendResult describes what happened to one message
type SendResult struct {
	ID      string
	Status  SendStatus
	Evicted string // id of a queued message evicted to make room
}

// Config configures a Channel
type Config struct {
	ID                   string
	Transport            Transport
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxReconnectAttempts int
	MaxQueueSize         int
	DedupWindow          time.Duration
	DedupCapacity        int
	ConnectTimeout       time.Duration
	SendTimeout          time.Duration
	HeartbeatInterval    time.Duration // 0 disables heartbeats
	MaxMissedHeartbeats  int
	FlushBatchSize       int
	FlushRate            rate.Limit // batches per second, 0 = unlimited

	// Breaker guards connection attempts and sends. Nil creates a private one.
	Breaker *breaker.Breaker

	Handler  InboundHandler
	Liveness LivenessFunc
	Clock    clockwork.Clock
	Logger   zerolog.Logger
}

// DefaultConfig returns the stock channel settings for transport
func DefaultConfig(id string, transport Transport) Config {
	return Config{
		ID:                   id,
		Transport:            transport,
		BackoffBase:          time.Second,
		BackoffMax:           30 * time.Second,
		MaxReconnectAttempts: 10,
		MaxQueueSize:         1000,
		DedupWindow:          5 * time.Minute,
		ConnectTimeout:       10 * time.Second,
		SendTimeout:          5 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		MaxMissedHeartbeats:  3,
		FlushBatchSize:       10,
		FlushRate:            100,
	}
}

// Stats is a snapshot of channel counters
type Stats struct {
	ID                string           `json:"id"`
	State             State            `json:"state"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	QueueLen          int              `json:"queue_len"`
	QueueCap          int              `json:"queue_cap"`
	QueueByPriority   map[Priority]int `json:"queue_by_priority"`
	Delivered         uint64           `json:"delivered"`
	Queued            uint64           `json:"queued"`
	Duplicates        uint64           `json:"duplicates"`
	Dropped           uint64           `json:"dropped"`
	Evicted           uint64           `json:"evicted"`
	Failed            uint64           `json:"failed"`
	SlowSends         uint64           `json:"slow_sends"`
	Received          uint64           `json:"received"`
	MissedHeartbeats  int              `json:"missed_heartbeats"`
	LastError         string           `json:"last_error,omitempty"`
	Breaker           breaker.Stats    `json:"breaker"`
}

// StateChangeHandler observes connection state transitions
type StateChangeHandler func(from, to State)

// Channel delivers best-effort, priority-ordered, deduplicated messages over
// an unreliable Transport, reconnecting with capped exponential backoff.
type Channel struct {
	cfg       Config
	transport Transport
	breaker   *breaker.Breaker
	clock     clockwork.Clock
	logger    zerolog.Logger
	limiter   *rate.Limiter

	sentIDs *dedupCache
	seenIDs *dedupCache

	mu             sync.Mutex
	state          State
	gen            uint64
	attempts       int
	queue          *Queue
	reconnectTimer clockwork.Timer
	heartbeatStop  chan struct{}
	missed         int
	batchScale     float64
	handler        InboundHandler
	liveness       LivenessFunc
	stats          Stats

	flushing atomic.Bool

	handlerMu       sync.RWMutex
	stateHandlers   []StateChangeHandler
	maxReconnectFns []func()
}

// New creates a disconnected channel
func New(cfg Config) (*Channel, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("channel %q: transport is required", cfg.ID)
	}
	if cfg.ID == "" {
		cfg.ID = gonanoid.Must(10)
	}

	def := DefaultConfig(cfg.ID, cfg.Transport)
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = def.MaxMissedHeartbeats
	}
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = def.FlushBatchSize
	}
	if cfg.FlushRate <= 0 {
		cfg.FlushRate = rate.Inf
	}
	if cfg.Handler == nil {
		cfg.Handler = NopHandler{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	logger := cfg.Logger.With().Str("channel", cfg.ID).Logger()

	b := cfg.Breaker
	if b == nil {
		bcfg := breaker.DefaultConfig(cfg.ID + ".connection")
		bcfg.CallTimeout = 0
		bcfg.Clock = clock
		bcfg.Logger = cfg.Logger
		var err error
		b, err = breaker.New(bcfg)
		if err != nil {
			return nil, err
		}
	}

	observability.EnsureRegistered()

	return &Channel{
		cfg:        cfg,
		transport:  cfg.Transport,
		breaker:    b,
		clock:      clock,
		logger:     logger,
		limiter:    rate.NewLimiter(cfg.FlushRate, 1),
		sentIDs:    newDedupCache(cfg.DedupWindow, cfg.DedupCapacity, clock),
		seenIDs:    newDedupCache(cfg.DedupWindow, cfg.DedupCapacity, clock),
		state:      StateDisconnected,
		queue:      NewQueue(cfg.MaxQueueSize),
		batchScale: 1,
		handler:    cfg.Handler,
		liveness:   cfg.Liveness,
	}, nil
}

// ID returns the channel id
func (c *Channel) ID() string {
	return c.cfg.ID
}

// State returns the connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Breaker returns the breaker guarding connection attempts and sends
func (c *Channel) Breaker() *breaker.Breaker {
	return c.breaker
}

// Connect opens the transport through the breaker. On failure a reconnect
// is scheduled and the error returned; queued messages are kept.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrChannelClosed
	case StateOffline:
		c.mu.Unlock()
		return ErrMaxReconnect
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.stopReconnectTimerLocked()
	c.mu.Unlock()

	c.notifyState(from, StateConnecting)

	_, err := c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
		return nil, c.transport.Connect(connectCtx, &connHandler{c: c, gen: gen})
	}, nil)

	if err != nil {
		c.logger.Warn().Err(err).Msg("Connect failed")
		c.mu.Lock()
		if gen != c.gen || c.state != StateConnecting {
			c.mu.Unlock()
			return err
		}
		c.state = StateDisconnected
		c.stats.LastError = err.Error()
		c.mu.Unlock()

		c.notifyState(StateConnecting, StateDisconnected)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		// closed or superseded while dialing
		c.mu.Unlock()
		_ = c.transport.Close(CloseNormal, "superseded")
		return nil
	}
	c.state = StateConnected
	c.attempts = 0
	c.missed = 0
	if c.cfg.HeartbeatInterval > 0 {
		stop := make(chan struct{})
		c.heartbeatStop = stop
		go c.heartbeatLoop(gen, stop)
	}
	c.mu.Unlock()

	c.logger.Info().Msg("Channel connected")
	c.notifyState(StateConnecting, StateConnected)

	go c.flush(gen)
	return nil
}

// Reconnect drops the current connection (if any), clears the attempt
// counter and connects again. It also revives an offline channel.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	from := c.state
	c.gen++
	c.attempts = 0
	c.stopReconnectTimerLocked()
	c.stopHeartbeatLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	if from == StateConnected {
		_ = c.transport.Close(CloseReconnect, "reconnect")
	}
	if from != StateDisconnected {
		c.notifyState(from, StateDisconnected)
	}

	c.logger.Info().Str("from", string(from)).Msg("Forced reconnect")
	return c.Connect(ctx)
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.state != StateDisconnected || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.state = StateOffline
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Error().Int("attempts", attempts).Msg("Max reconnect attempts reached, going offline")
		c.notifyState(StateDisconnected, StateOffline)

		c.handlerMu.RLock()
		fns := append([]func(){}, c.maxReconnectFns...)
		c.handlerMu.RUnlock()
		for _, fn := range fns {
			fn()
		}
		return
	}

	delay := c.backoffLocked()
	c.attempts++
	attempt := c.attempts
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		_ = c.Connect(context.Background())
	})
	c.stats.ReconnectAttempts = attempt
	c.mu.Unlock()

	observability.RecordChannelReconnect(c.cfg.ID)
	c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnect scheduled")
}

// backoffLocked returns min(base * 2^attempts, max)
func (c *Channel) backoffLocked() time.Duration {
	delay := c.cfg.BackoffBase
	for i := 0; i < c.attempts; i++ {
		delay *= 2
		if delay >= c.cfg.BackoffMax {
			return c.cfg.BackoffMax
		}
	}
	if delay > c.cfg.BackoffMax {
		return c.cfg.BackoffMax
	}
	return delay
}

func (c *Channel) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

func (c *Channel) onTransportClosed(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	observability.SetChannelConnected(c.cfg.ID, false)
	c.logger.Warn().Int("code", code).Str("reason", reason).Msg("Connection closed")
	c.notifyState(StateConnected, StateDisconnected)
	c.scheduleReconnect()
}

// Send delivers msg now when connected, otherwise queues it. A message id
// already sent inside the dedup window is dropped silently.
func (c *Channel) Send(ctx context.Context, msg *Message) (SendResult, error) {
	if msg == nil {
		return SendResult{}, fmt.Errorf("channel %q: nil message", c.cfg.ID)
	}
	if msg.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return SendResult{}, fmt.Errorf("failed to generate message id: %w", err)
		}
		msg.ID = id
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.clock.Now()
	}
	if msg.Source == "" {
		msg.Source = c.cfg.ID
	}
	if !msg.Priority.valid() {
		msg.Priority = PriorityNormal
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return SendResult{ID: msg.ID, Status: SendDropped}, ErrChannelClosed
	}
	if c.sentIDs.CheckAndMark(msg.ID) {
		c.stats.Duplicates++
		c.mu.Unlock()
		observability.RecordChannelSend(c.cfg.ID, string(SendDuplicate))
		c.logger.Debug().Str("messageId", msg.ID).Msg("Duplicate message dropped")
		return SendResult{ID: msg.ID, Status: SendDuplicate}, nil
	}
	if c.state != StateConnected || c.breaker.State() == breaker.StateOpen {
		result := c.enqueueLocked(msg, false)
		c.mu.Unlock()
		return result, nil
	}
	gen := c.gen
	backlog := c.queue.Len() > 0
	c.mu.Unlock()

	err := c.transmit(ctx, msg)
	switch {
	case err == nil, errors.Is(err, ErrSlowSend):
		if backlog {
			// messages queued while the breaker was open
			go c.flush(gen)
		}
		return SendResult{ID: msg.ID, Status: SendDelivered}, nil
	default:
		c.mu.Lock()
		result := c.enqueueLocked(msg, false)
		c.mu.Unlock()
		return result, nil
	}
}

func (c *Channel) enqueueLocked(msg *Message, front bool) SendResult {
	var evicted *Message
	var ok bool
	if front {
		evicted, ok = c.queue.PushFront(msg)
	} else {
		evicted, ok = c.queue.Push(msg)
	}
	size := c.queue.Len()

	if !ok {
		c.stats.Dropped++
		observability.RecordChannelDrop(c.cfg.ID, "queue_full")
		c.logger.Warn().Str("messageId", msg.ID).Int("queueLen", size).Msg("Queue full of high priority messages, dropping")
		return SendResult{ID: msg.ID, Status: SendDropped}
	}

	result := SendResult{ID: msg.ID, Status: SendQueued}
	if !front {
		c.stats.Queued++
		observability.RecordChannelSend(c.cfg.ID, string(SendQueued))
	}
	if evicted != nil {
		c.stats.Evicted++
		result.Evicted = evicted.ID
		observability.RecordChannelDrop(c.cfg.ID, "evicted")
	}
	observability.SetChannelQueueSize(c.cfg.ID, size)
	return result
}

// transmit sends one message through the breaker. ErrSlowSend means the
// transport accepted the message but the breaker counted a failure.
func (c *Channel) transmit(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	start := c.clock.Now()
	delivered := false
	_, err = c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		defer cancel()
		if err := c.transport.Send(sendCtx, data); err != nil {
			return nil, err
		}
		delivered = true
		if elapsed := c.clock.Since(start); elapsed > c.cfg.SendTimeout {
			return nil, fmt.Errorf("%w: %s", ErrSlowSend, elapsed)
		}
		return nil, nil
	}, nil)

	c.mu.Lock()
	defer c.mu.Unlock()

	if delivered {
		c.stats.Delivered++
		observability.RecordChannelSend(c.cfg.ID, string(SendDelivered))
		if err != nil {
			c.stats.SlowSends++
			c.logger.Warn().Str("messageId", msg.ID).Err(err).Msg("Slow send counted as failure")
			return ErrSlowSend
		}
		return nil
	}

	c.stats.Failed++
	c.stats.LastError = err.Error()
	observability.RecordChannelSend(c.cfg.ID, "failed")
	c.logger.Debug().Str("messageId", msg.ID).Err(err).Msg("Send failed")
	return err
}

// flush drains the queue in rate-limited batches while connection gen is live
func (c *Channel) flush(gen uint64) {
	if !c.flushing.CompareAndSwap(false, true) {
		return
	}
	defer c.flushing.Store(false)

	ctx := context.Background()
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		c.mu.Lock()
		if gen != c.gen || c.state != StateConnected {
			c.mu.Unlock()
			return
		}
		size := int(float64(c.cfg.FlushBatchSize) * c.batchScale)
		if size < 1 {
			size = 1
		}
		batch := c.queue.PopN(size)
		observability.SetChannelQueueSize(c.cfg.ID, c.queue.Len())
		c.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		for i, msg := range batch {
			err := c.transmit(ctx, msg)
			if err == nil || errors.Is(err, ErrSlowSend) {
				continue
			}

			c.mu.Lock()
			for j := len(batch) - 1; j >= i; j-- {
				c.enqueueLocked(batch[j], true)
			}
			c.mu.Unlock()
			c.logger.Warn().Int("requeued", len(batch)-i).Err(err).Msg("Flush interrupted")
			return
		}

		c.logger.Debug().Int("batch", len(batch)).Msg("Queue batch flushed")
	}
}

func (c *Channel) heartbeatLoop(gen uint64, stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.beat(gen)
		}
	}
}

func (c *Channel) beat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	if c.missed >= c.cfg.MaxMissedHeartbeats {
		missed := c.missed
		c.mu.Unlock()

		c.logger.Warn().Int("missed", missed).Msg("Heartbeat acknowledgements missed, terminating connection")
		_ = c.transport.Close(CloseHeartbeatTimeout, "missed heartbeats")
		c.onTransportClosed(gen, CloseHeartbeatTimeout, "missed heartbeats")
		return
	}
	c.missed++
	c.stats.MissedHeartbeats = c.missed
	c.mu.Unlock()

	msg := &Message{Type: TypeHeartbeat, Priority: PriorityHigh, Source: c.cfg.ID, Timestamp: c.clock.Now()}
	msg.ID = gonanoid.Must()
	_ = c.transmit(context.Background(), msg)
}

func (c *Channel) receive(gen uint64, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping undecodable message")
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stats.Received++
	if msg.ID != "" && c.seenIDs.CheckAndMark(msg.ID) {
		c.stats.Duplicates++
		c.mu.Unlock()
		c.logger.Debug().Str("messageId", msg.ID).Msg("Duplicate inbound message dropped")
		return
	}
	handler := c.handler
	c.mu.Unlock()

	ctx := context.Background()

	switch msg.Type {
	case TypeHeartbeatAck:
		c.mu.Lock()
		c.missed = 0
		c.stats.MissedHeartbeats = 0
		c.mu.Unlock()
	case TypeHeartbeat:
		ack := &Message{ID: gonanoid.Must(), Type: TypeHeartbeatAck, Priority: PriorityHigh, Source: c.cfg.ID, Timestamp: c.clock.Now()}
		_ = c.transmit(ctx, ack)
	case TypeHealthCheckRequest:
		c.replyHealthCheck(ctx, &msg)
	case TypeCommand:
		var cmd Command
		if err := msg.Decode(&cmd); err != nil {
			c.logger.Warn().Err(err).Msg("Invalid command")
			return
		}
		handler.HandleCommand(ctx, &msg, cmd)
	case TypeCoordinatorUpdate:
		var update CoordinatorUpdate
		if err := msg.Decode(&update); err != nil {
			c.logger.Warn().Err(err).Msg("Invalid coordinator update")
			return
		}
		handler.HandleCoordinatorUpdate(ctx, &msg, update)
	case TypeNotification:
		var note Notification
		if err := msg.Decode(&note); err != nil {
			c.logger.Warn().Err(err).Msg("Invalid notification")
			return
		}
		handler.HandleNotification(ctx, &msg, note)
	case TypeStatus, TypeEvent, TypeHealthCheckResponse:
		c.logger.Debug().Str("type", string(msg.Type)).Str("source", msg.Source).Msg("Peer message ignored")
	default:
		c.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown message type")
	}
}

func (c *Channel) replyHealthCheck(ctx context.Context, req *Message) {
	c.mu.Lock()
	liveness := c.liveness
	c.mu.Unlock()

	var metrics map[string]interface{}
	if liveness != nil {
		metrics = liveness()
	} else {
		stats := c.Stats()
		metrics = map[string]interface{}{
			"state":     string(stats.State),
			"queue_len": stats.QueueLen,
			"delivered": stats.Delivered,
		}
	}

	reply, err := NewMessage(TypeHealthCheckResponse, PriorityHigh, HealthCheckResponse{
		RequestID: req.ID,
		Liveness:  metrics,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to build health check reply")
		return
	}
	if _, err := c.Send(ctx, reply); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send health check reply")
	}
}

// SetHandler replaces the inbound handler
func (c *Channel) SetHandler(handler InboundHandler) {
	if handler == nil {
		handler = NopHandler{}
	}
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// SetLiveness replaces the liveness reporter used for health-check replies
func (c *Channel) SetLiveness(fn LivenessFunc) {
	c.mu.Lock()
	c.liveness = fn
	c.mu.Unlock()
}

// SetBatchScale scales the flush batch size (degraded mode uses 0.5)
func (c *Channel) SetBatchScale(factor float64) {
	if factor <= 0 {
		factor = 1
	}
	c.mu.Lock()
	c.batchScale = factor
	c.mu.Unlock()
}

// TrimQueue drops non-high messages until at most max remain
func (c *Channel) TrimQueue(max int) int {
	c.mu.Lock()
	removed := c.queue.Trim(max)
	c.stats.Evicted += uint64(removed)
	size := c.queue.Len()
	c.mu.Unlock()

	if removed > 0 {
		observability.SetChannelQueueSize(c.cfg.ID, size)
		c.logger.Info().Int("removed", removed).Int("remaining", size).Msg("Queue trimmed")
	}
	return removed
}

// QueueLen returns the number of queued messages
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// QueueCap returns the queue capacity
func (c *Channel) QueueCap() int {
	return c.cfg.MaxQueueSize
}

// Stats returns a snapshot of counters
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	stats := c.stats
	stats.ID = c.cfg.ID
	stats.State = c.state
	stats.ReconnectAttempts = c.attempts
	stats.QueueLen = c.queue.Len()
	stats.QueueByPriority = c.queue.CountByPriority()
	stats.QueueCap = c.cfg.MaxQueueSize
	stats.MissedHeartbeats = c.missed
	c.mu.Unlock()

	stats.Breaker = c.breaker.Stats()
	return stats
}

// Close stops reconnecting and closes the transport. Queued messages are discarded.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = StateClosed
	c.gen++
	c.stopReconnectTimerLocked()
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	err := c.transport.Close(CloseNormal, "closing")
	c.notifyState(from, StateClosed)
	c.logger.Info().Msg("Channel closed")
	return err
}

// OnStateChange registers a state transition handler
func (c *Channel) OnStateChange(handler StateChangeHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.stateHandlers = append(c.stateHandlers, handler)
}

// OnMaxReconnect registers a handler run when the channel goes offline
func (c *Channel) OnMaxReconnect(fn func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.maxReconnectFns = append(c.maxReconnectFns, fn)
}

func (c *Channel) notifyState(from, to State) {
	if from == to {
		return
	}
	observability.SetChannelConnected(c.cfg.ID, to == StateConnected)

	c.handlerMu.RLock()
	handlers := append([]StateChangeHandler(nil), c.stateHandlers...)
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		handler(from, to)
	}
}

// connHandler binds transport events to the connection generation that produced them
type connHandler struct {
	c   *Channel
	gen uint64
}

func (h *connHandler) HandleOpen() {
	h.c.logger.Debug().Uint64("gen", h.gen).Msg("Transport open")
}

func (h *connHandler) HandleClose(code int, reason string) {
	h.c.onTransportClosed(h.gen, code, reason)
}

func (h *connHandler) HandleError(err error) {
	h.c.mu.Lock()
	if h.gen == h.c.gen {
		h.c.stats.LastError = err.Error()
	}
	h.c.mu.Unlock()
	h.c.logger.Warn().Err(err).Msg("Transport error")
}

func (h *connHandler) HandleMessage(data []byte) {
	h.c.receive(h.gen, data)
}
