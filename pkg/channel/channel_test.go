package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/wavefront/pkg/breaker"
)

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	sendErr    error
	onSend     func()
	connects   int
	sent       [][]byte
	closeCodes []int
	handler    TransportHandler
}

func (f *fakeTransport) Connect(ctx context.Context, h TransportHandler) error {
	f.mu.Lock()
	f.connects++
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	f.handler = h
	f.mu.Unlock()
	h.HandleOpen()
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, data)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend()
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.closeCodes = append(f.closeCodes, code)
	f.handler = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) drop(code int) {
	f.mu.Lock()
	h := f.handler
	f.handler = nil
	f.mu.Unlock()
	if h != nil {
		h.HandleClose(code, "dropped")
	}
}

func (f *fakeTransport) deliver(t *testing.T, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	require.NotNil(t, h, "transport not connected")
	h.HandleMessage(data)
}

// sentOf returns the decoded outbound messages, optionally filtered by type.
func (f *fakeTransport) sentOf(types ...MessageType) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Message
	for _, data := range f.sent {
		var msg Message
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if len(types) == 0 {
			out = append(out, msg)
			continue
		}
		for _, typ := range types {
			if msg.Type == typ {
				out = append(out, msg)
			}
		}
	}
	return out
}

func newTestChannel(t *testing.T, transport *fakeTransport, clock clockwork.Clock, mutate func(*Config)) *Channel {
	t.Helper()
	cfg := DefaultConfig("test", transport)
	cfg.Clock = clock
	cfg.Logger = zerolog.Nop()
	cfg.HeartbeatInterval = 0
	cfg.FlushRate = 0
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func statusMsg(id string, p Priority) *Message {
	return &Message{ID: id, Type: TypeStatus, Priority: p}
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(Config{ID: "x"})
	assert.Error(t, err)
}

func TestSendQueuesWhileDisconnectedAndFlushesInPriorityOrder(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clockwork.NewFakeClock(), nil)

	for _, m := range []*Message{
		statusMsg("l1", PriorityLow),
		statusMsg("n1", PriorityNormal),
		statusMsg("h1", PriorityHigh),
		statusMsg("l2", PriorityLow),
	} {
		res, err := c.Send(context.Background(), m)
		require.NoError(t, err)
		assert.Equal(t, SendQueued, res.Status)
	}
	assert.Equal(t, 4, c.QueueLen())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	assert.Eventually(t, func() bool { return len(transport.sentOf()) == 4 }, time.Second, 5*time.Millisecond)
	var order []string
	for _, m := range transport.sentOf() {
		order = append(order, m.ID)
	}
	assert.Equal(t, []string{"h1", "n1", "l1", "l2"}, order)
	assert.Equal(t, 0, c.QueueLen())
}

func TestSendAssignsIDAndDelivers(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clockwork.NewFakeClock(), nil)
	require.NoError(t, c.Connect(context.Background()))

	msg, err := NewMessage(TypeEvent, PriorityNormal, CoordinatorUpdate{Event: "agent_started", ItemID: 7})
	require.NoError(t, err)

	res, err := c.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, SendDelivered, res.Status)
	assert.NotEmpty(t, res.ID)

	sent := transport.sentOf(TypeEvent)
	require.Len(t, sent, 1)
	assert.Equal(t, "test", sent[0].Source)

	var update CoordinatorUpdate
	require.NoError(t, sent[0].Decode(&update))
	assert.Equal(t, 7, update.ItemID)
}

func TestDuplicateIDSentOnce(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clockwork.NewFakeClock(), nil)
	require.NoError(t, c.Connect(context.Background()))

	res, err := c.Send(context.Background(), statusMsg("m1", PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, SendDelivered, res.Status)

	res, err = c.Send(context.Background(), statusMsg("m1", PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, SendDuplicate, res.Status)

	assert.Len(t, transport.sentOf(), 1)
	assert.Equal(t, uint64(1), c.Stats().Duplicates)
}

func TestQueueCapHoldsExactlyN(t *testing.T) {
	const n = 4
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clockwork.NewFakeClock(), func(cfg *Config) {
		cfg.MaxQueueSize = n
	})

	var evicted []string
	for i := 0; i <= n; i++ {
		res, err := c.Send(context.Background(), &Message{Type: TypeStatus, Priority: PriorityLow})
		require.NoError(t, err)
		if res.Evicted != "" {
			evicted = append(evicted, res.Evicted)
		}
	}

	assert.Equal(t, n, c.QueueLen())
	assert.Len(t, evicted, 1)
	assert.Equal(t, uint64(1), c.Stats().Evicted)
}

func TestQueueFullOfHighDropsNew(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clockwork.NewFakeClock(), func(cfg *Config) {
		cfg.MaxQueueSize = 2
	})

	_, _ = c.Send(context.Background(), statusMsg("h1", PriorityHigh))
	_, _ = c.Send(context.Background(), statusMsg("h2", PriorityHigh))
	res, err := c.Send(context.Background(), statusMsg("l1", PriorityLow))
	require.NoError(t, err)
	assert.Equal(t, SendDropped, res.Status)
	assert.Equal(t, 2, c.QueueLen())
	assert.Equal(t, map[Priority]int{PriorityLow: 0, PriorityNormal: 0, PriorityHigh: 2}, c.Stats().QueueByPriority)
}

func TestBackoffIsCappedExponential(t *testing.T) {
	c := newTestChannel(t, &fakeTransport{}, clockwork.NewFakeClock(), nil)

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for attempts, w := range want {
		c.mu.Lock()
		c.attempts = attempts
		got := c.backoffLocked()
		c.mu.Unlock()
		assert.Equal(t, w*time.Second, got, "attempt %d", attempts)
	}
}

func TestConnectFailureSchedulesReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{connectErr: errors.New("refused")}
	c := newTestChannel(t, transport, clock, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, c.Stats().ReconnectAttempts)

	transport.set(func(f *fakeTransport) { f.connectErr = nil })

	assert.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return c.State() == StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, transport.connectCount())
	assert.Equal(t, 0, c.Stats().ReconnectAttempts)
}

func TestMaxReconnectGoesOffline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{connectErr: errors.New("refused")}

	maxed := make(chan struct{})
	c := newTestChannel(t, transport, clock, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 2
		cfg.BackoffMax = 2 * time.Second
	})
	c.OnMaxReconnect(func() { close(maxed) })

	_ = c.Connect(context.Background())

	assert.Eventually(t, func() bool {
		clock.Advance(2 * time.Second)
		return c.State() == StateOffline
	}, time.Second, 5*time.Millisecond)

	select {
	case <-maxed:
	case <-time.After(time.Second):
		t.Fatal("max reconnect handler not called")
	}
	assert.Equal(t, 3, transport.connectCount())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrMaxReconnect)

	// a forced reconnect revives an offline channel
	transport.set(func(f *fakeTransport) { f.connectErr = nil })
	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
}

func TestTransportCloseTriggersReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clock, nil)

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(from, to State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	transport.drop(CloseAbnormal)
	assert.Equal(t, StateDisconnected, c.State())

	// queued while down, delivered after reconnect
	res, err := c.Send(context.Background(), statusMsg("while-down", PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, SendQueued, res.Status)

	assert.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return c.State() == StateConnected && len(transport.sentOf(TypeStatus)) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected}, states)
}

func TestSendFailureRequeues(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clockwork.NewFakeClock(), nil)
	require.NoError(t, c.Connect(context.Background()))

	transport.set(func(f *fakeTransport) { f.sendErr = errors.New("broken pipe") })

	res, err := c.Send(context.Background(), statusMsg("m1", PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, SendQueued, res.Status)
	assert.Equal(t, 1, c.QueueLen())
	assert.Equal(t, uint64(1), c.Stats().Failed)
	assert.Equal(t, 1, c.Stats().Breaker.FailureCount)
}

func TestSlowSendCountsAsBreakerFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}

	bcfg := breaker.DefaultConfig("slow")
	bcfg.FailureThreshold = 1
	bcfg.Clock = clock
	b, err := breaker.New(bcfg)
	require.NoError(t, err)

	c := newTestChannel(t, transport, clock, func(cfg *Config) {
		cfg.Breaker = b
		cfg.SendTimeout = 5 * time.Second
	})
	require.NoError(t, c.Connect(context.Background()))

	transport.set(func(f *fakeTransport) {
		f.onSend = func() { clock.Advance(6 * time.Second) }
	})

	res, err := c.Send(context.Background(), statusMsg("slow-1", PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, SendDelivered, res.Status)
	assert.Equal(t, uint64(1), c.Stats().SlowSends)
	assert.Equal(t, breaker.StateOpen, b.State())

	// breaker open: further sends queue
	transport.set(func(f *fakeTransport) { f.onSend = nil })
	res, err = c.Send(context.Background(), statusMsg("after", PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, SendQueued, res.Status)
}

func TestMissedHeartbeatsForceReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clock, func(cfg *Config) {
		cfg.HeartbeatInterval = time.Second
		cfg.MaxMissedHeartbeats = 2
	})
	require.NoError(t, c.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		clock.Advance(time.Second)
		transport.mu.Lock()
		defer transport.mu.Unlock()
		for _, code := range transport.closeCodes {
			if code == CloseHeartbeatTimeout {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, len(transport.sentOf(TypeHeartbeat)), 2)

	assert.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return transport.connectCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatAckResetsMissed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clock, func(cfg *Config) {
		cfg.HeartbeatInterval = time.Second
		cfg.MaxMissedHeartbeats = 10
	})
	require.NoError(t, c.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return c.Stats().MissedHeartbeats >= 1
	}, time.Second, 5*time.Millisecond)

	// a tick already in flight may bump the counter once more
	acks := 0
	assert.Eventually(t, func() bool {
		acks++
		transport.deliver(t, Message{ID: fmt.Sprintf("ack-%d", acks), Type: TypeHeartbeatAck})
		return c.Stats().MissedHeartbeats == 0
	}, time.Second, 10*time.Millisecond)
	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Empty(t, transport.closeCodes)
}

type recordingHandler struct {
	mu       sync.Mutex
	commands []Command
	updates  []CoordinatorUpdate
	notes    []Notification
}

func (r *recordingHandler) HandleCommand(_ context.Context, _ *Message, cmd Command) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
}

func (r *recordingHandler) HandleCoordinatorUpdate(_ context.Context, _ *Message, update CoordinatorUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, update)
	r.mu.Unlock()
}

func (r *recordingHandler) HandleNotification(_ context.Context, _ *Message, note Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, note)
	r.mu.Unlock()
}

func payloadMsg(t *testing.T, id string, typ MessageType, payload interface{}) Message {
	t.Helper()
	msg, err := NewMessage(typ, PriorityNormal, payload)
	require.NoError(t, err)
	msg.ID = id
	return *msg
}

func TestInboundDispatch(t *testing.T) {
	transport := &fakeTransport{}
	handler := &recordingHandler{}
	c := newTestChannel(t, transport, clockwork.NewFakeClock(), func(cfg *Config) {
		cfg.Handler = handler
	})
	require.NoError(t, c.Connect(context.Background()))

	transport.deliver(t, payloadMsg(t, "c1", TypeCommand, Command{Name: "pause"}))
	transport.deliver(t, payloadMsg(t, "c1", TypeCommand, Command{Name: "pause"}))
	transport.deliver(t, payloadMsg(t, "u1", TypeCoordinatorUpdate, CoordinatorUpdate{Event: "run_started"}))
	transport.deliver(t, payloadMsg(t, "n1", TypeNotification, Notification{Level: "info", Text: "hello"}))
	transport.deliver(t, payloadMsg(t, "e1", TypeEvent, CoordinatorUpdate{Event: "agent_started"}))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.commands, 1, "duplicate inbound id dispatched once")
	assert.Equal(t, "pause", handler.commands[0].Name)
	require.Len(t, handler.updates, 1)
	assert.Equal(t, "run_started", handler.updates[0].Event)
	require.Len(t, handler.notes, 1)
	assert.Equal(t, "hello", handler.notes[0].Text)
}

func TestHealthCheckRequestGetsImmediateReply(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clockwork.NewFakeClock(), func(cfg *Config) {
		cfg.Liveness = func() map[string]interface{} {
			return map[string]interface{}{"mode": "normal"}
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	transport.deliver(t, Message{ID: "hc-1", Type: TypeHealthCheckRequest})

	replies := transport.sentOf(TypeHealthCheckResponse)
	require.Len(t, replies, 1)
	assert.Equal(t, PriorityHigh, replies[0].Priority)

	var resp HealthCheckResponse
	require.NoError(t, replies[0].Decode(&resp))
	assert.Equal(t, "hc-1", resp.RequestID)
	assert.Equal(t, "normal", resp.Liveness["mode"])
}

func TestTrimQueue(t *testing.T) {
	c := newTestChannel(t, &fakeTransport{}, clockwork.NewFakeClock(), nil)

	_, _ = c.Send(context.Background(), statusMsg("h1", PriorityHigh))
	for i := 0; i < 5; i++ {
		_, _ = c.Send(context.Background(), &Message{Type: TypeStatus, Priority: PriorityLow})
	}

	assert.Equal(t, 4, c.TrimQueue(2))
	assert.Equal(t, 2, c.QueueLen())
}

func TestCloseRejectsFurtherSends(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clockwork.NewFakeClock(), nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	_, err := c.Send(context.Background(), statusMsg("late", PriorityHigh))
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrChannelClosed)
	assert.NoError(t, c.Close())
}

func TestSetBatchScaleFlushesEverything(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestChannel(t, transport, clockwork.NewFakeClock(), func(cfg *Config) {
		cfg.FlushBatchSize = 4
	})
	c.SetBatchScale(0.5)

	for i := 0; i < 7; i++ {
		_, _ = c.Send(context.Background(), &Message{Type: TypeStatus, Priority: PriorityNormal})
	}
	require.NoError(t, c.Connect(context.Background()))

	assert.Eventually(t, func() bool { return len(transport.sentOf()) == 7 }, time.Second, 5*time.Millisecond)
}
