package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/wavefront/pkg/breaker"
	"github.com/harun/wavefront/pkg/channel"
	"github.com/harun/wavefront/pkg/health"
	"github.com/harun/wavefront/pkg/workitem"
)

type stubTransport struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	sent       [][]byte
	handler    channel.TransportHandler
}

func (s *stubTransport) Connect(ctx context.Context, h channel.TransportHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.handler = h
	return nil
}

func (s *stubTransport) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return nil
}

func (s *stubTransport) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
	return nil
}

func (s *stubTransport) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *stubTransport) events(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []string
	for _, data := range s.sent {
		var msg channel.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type != channel.TypeStatus {
			continue
		}
		var update channel.CoordinatorUpdate
		require.NoError(t, msg.Decode(&update))
		events = append(events, update.Event)
	}
	return events
}

func testResilience(clock clockwork.Clock) *Resilience {
	res := DefaultResilience()
	res.Breaker.Clock = clock
	res.Health.Clock = clock
	res.Health.Interval = time.Minute
	res.Channel.Clock = clock
	res.Channel.HeartbeatInterval = 0
	res.MemoryLimit = 0
	res.StallTimeout = 0
	return res
}

func newResilientAgent(t *testing.T, res *Resilience) *Agent {
	t.Helper()
	a, err := New(Config{Item: testItem(10, "a"), Resilience: res, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background(), "test cleanup") })
	return a
}

func TestResilientAgentOwnsCapabilities(t *testing.T) {
	res := testResilience(clockwork.NewFakeClock())
	res.Transport = &stubTransport{}
	a := newResilientAgent(t, res)

	require.NotNil(t, a.Breakers())
	require.NotNil(t, a.Monitor())
	require.NotNil(t, a.Channel())
	assert.ElementsMatch(t, breaker.Classes(), a.Breakers().Names())
	assert.Same(t, a.Breakers().Get(breaker.ClassConnection), a.Channel().Breaker())
}

func TestFetchTripsNetworkBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := testResilience(clockwork.NewFakeClock())
	res.Breaker.FailureThreshold = 2
	a := newResilientAgent(t, res)

	for i := 0; i < 2; i++ {
		_, err := a.Fetch(context.Background(), srv.URL)
		assert.Error(t, err)
	}
	assert.Equal(t, breaker.StateOpen, a.Breakers().Get(breaker.ClassNetwork).State())

	_, err := a.Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "open breaker must not call the server")

	// other classes are unaffected
	assert.Equal(t, breaker.StateClosed, a.Breakers().Get(breaker.ClassFileIO).State())
}

func TestDegradedModeSideEffects(t *testing.T) {
	res := testResilience(clockwork.NewFakeClock())
	res.Transport = &stubTransport{}
	a := newResilientAgent(t, res)

	baseInterval := a.Monitor().Interval()
	baseTimeout := a.Breakers().Get(breaker.ClassTask).ResetTimeout()

	a.setMode(ModeDegraded, "test")
	assert.Equal(t, ModeDegraded, a.Mode())
	assert.Equal(t, 3*baseInterval, a.Monitor().Interval())
	assert.Equal(t, time.Duration(float64(baseTimeout)*1.5), a.Breakers().Get(breaker.ClassTask).ResetTimeout())

	a.setMode(ModeNormal, "test")
	assert.Equal(t, baseInterval, a.Monitor().Interval())
	assert.Equal(t, baseTimeout, a.Breakers().Get(breaker.ClassTask).ResetTimeout())
}

func TestHealthDrivesMode(t *testing.T) {
	res := testResilience(clockwork.NewFakeClock())
	res.Health.EscalationThreshold = 2
	a := newResilientAgent(t, res)

	require.NoError(t, a.Monitor().Register(health.CheckQueue, func(ctx context.Context) (health.CheckResult, error) {
		return health.CheckResult{Kind: health.CheckQueue, Status: health.StateUnhealthy}, nil
	}))

	a.Monitor().Tick(context.Background())
	assert.Equal(t, ModeNormal, a.Mode())
	a.Monitor().Tick(context.Background())
	assert.Equal(t, health.StateDegraded, a.Monitor().State())
	assert.Equal(t, ModeDegraded, a.Mode())
}

func TestBreakerCheckSeverity(t *testing.T) {
	a := newResilientAgent(t, testResilience(clockwork.NewFakeClock()))

	res, err := a.checkBreakers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StateHealthy, res.Status)

	require.NoError(t, a.Breakers().Get(breaker.ClassFileIO).ForceState(breaker.StateOpen))
	res, _ = a.checkBreakers(context.Background())
	assert.Equal(t, health.StateDegraded, res.Status)

	require.NoError(t, a.Breakers().Get(breaker.ClassCommand).ForceState(breaker.StateOpen))
	require.NoError(t, a.Breakers().Get(breaker.ClassNetwork).ForceState(breaker.StateOpen))
	res, _ = a.checkBreakers(context.Background())
	assert.Equal(t, health.StateCritical, res.Status)
}

func TestProgressCheckDetectsStall(t *testing.T) {
	clock := clockwork.NewFakeClock()
	res := testResilience(clock)
	res.StallTimeout = time.Minute
	a := newResilientAgent(t, res)

	check := a.progressCheck(time.Minute)
	out, _ := check(context.Background())
	assert.Equal(t, health.StateHealthy, out.Status, "idle agent is not stalled")

	a.mu.Lock()
	a.running = true
	a.lastProgress = clock.Now()
	a.mu.Unlock()

	clock.Advance(90 * time.Second)
	out, _ = check(context.Background())
	assert.Equal(t, health.StateUnhealthy, out.Status)

	clock.Advance(time.Minute)
	out, _ = check(context.Background())
	assert.Equal(t, health.StateCritical, out.Status)
}

func TestRecoverySequence(t *testing.T) {
	transport := &stubTransport{}
	res := testResilience(clockwork.NewFakeClock())
	res.Transport = transport
	res.Channel.MaxQueueSize = 10
	a := newResilientAgent(t, res)

	// disconnected: status messages pile up in the queue
	for i := 0; i < 8; i++ {
		a.publish(context.Background(), "filler", channel.PriorityLow, nil)
	}
	require.Equal(t, 8, a.Channel().QueueLen())
	require.NoError(t, a.Breakers().Get(breaker.ClassFileIO).ForceState(breaker.StateOpen))

	a.recover("test")

	assert.Equal(t, 1, a.Recoveries())
	assert.Equal(t, breaker.StateHalfOpen, a.Breakers().Get(breaker.ClassFileIO).State())
	assert.Equal(t, 1, transport.connectCount())
	assert.Equal(t, channel.StateConnected, a.Channel().State())
	assert.LessOrEqual(t, a.Channel().QueueLen(), 5)
	assert.Equal(t, 0, a.Monitor().Stats().ConsecutiveFailures)
	assert.False(t, a.IsShutdown())
}

func TestRecoveryExhaustedShutsDown(t *testing.T) {
	res := testResilience(clockwork.NewFakeClock())
	res.Transport = &stubTransport{}
	res.MaxRecoveryAttempts = 3
	a := newResilientAgent(t, res)

	for i := 0; i < 3; i++ {
		a.recover("test")
		assert.False(t, a.IsShutdown())
	}
	a.recover("test")

	assert.True(t, a.IsShutdown())
	assert.Equal(t, 4, a.Recoveries())
	assert.Equal(t, channel.StateClosed, a.Channel().State())

	// no further attempts once shut down
	a.recover("test")
	assert.Equal(t, 4, a.Recoveries())
}

func TestPersistentCriticalExhaustsRecoveryAndShutsDown(t *testing.T) {
	res := testResilience(clockwork.NewFakeClock())
	res.Transport = &stubTransport{}
	res.Health.EscalationThreshold = 1
	res.MaxRecoveryAttempts = 3
	a := newResilientAgent(t, res)

	require.NoError(t, a.Monitor().Register(health.CheckProgress, func(ctx context.Context) (health.CheckResult, error) {
		return health.CheckResult{}, errors.New("worker wedged")
	}))

	assert.Eventually(t, func() bool {
		a.Monitor().Tick(context.Background())
		return a.IsShutdown()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 4, a.Recoveries())
	assert.Equal(t, health.StateCritical, a.Monitor().State())
	assert.Eventually(t, func() bool {
		return a.Channel().State() == channel.StateClosed
	}, 2*time.Second, 10*time.Millisecond)

	a.Monitor().Tick(context.Background())
	a.Monitor().Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, a.Recoveries())
}

func TestCriticalTriggersRecovery(t *testing.T) {
	a := newResilientAgent(t, testResilience(clockwork.NewFakeClock()))

	a.Monitor().ForceCritical("test")

	assert.Eventually(t, func() bool { return a.Recoveries() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ModeCritical, a.Mode())
}

func TestMaxReconnectPutsAgentOffline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &stubTransport{connectErr: errors.New("refused")}
	res := testResilience(clock)
	res.Transport = transport
	res.Channel.MaxReconnectAttempts = 1
	res.Breaker.FailureThreshold = 10
	a := newResilientAgent(t, res)

	require.Error(t, a.Channel().Connect(context.Background()))

	assert.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return a.Mode() == ModeOffline
	}, 2*time.Second, 10*time.Millisecond)

	// offline is permanent
	a.setMode(ModeNormal, "healthy")
	assert.Equal(t, ModeOffline, a.Mode())
}

func TestInboundCommands(t *testing.T) {
	a := newResilientAgent(t, testResilience(clockwork.NewFakeClock()))
	msg := &channel.Message{Source: "hub"}

	a.HandleCommand(context.Background(), msg, channel.Command{Name: "pause", Args: map[string]string{"agent_id": "someone-else"}})
	assert.False(t, a.Paused())

	a.HandleCommand(context.Background(), msg, channel.Command{Name: "pause"})
	assert.True(t, a.Paused())

	a.HandleCommand(context.Background(), msg, channel.Command{Name: "resume", Args: map[string]string{"item_id": "10"}})
	assert.False(t, a.Paused())

	a.HandleCommand(context.Background(), msg, channel.Command{Name: "shutdown", Args: map[string]string{"agent_id": a.ID()}})
	assert.Eventually(t, a.IsShutdown, time.Second, 10*time.Millisecond)
}

func TestLiveness(t *testing.T) {
	res := testResilience(clockwork.NewFakeClock())
	res.Transport = &stubTransport{}
	a := newResilientAgent(t, res)

	live := a.liveness()
	assert.Equal(t, a.ID(), live["agent_id"])
	assert.Equal(t, 10, live["item_id"])
	assert.Equal(t, "normal", live["mode"])
	assert.Equal(t, "initializing", live["health"])
	assert.Contains(t, live, "queue_len")
	assert.Contains(t, live, "open_breakers")
}

func TestDefaultPerformerKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	a, err := New(Config{Item: testItem(11, "x"), WorkDir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	wc := WorkContext{AgentID: a.ID(), Ops: a}
	ctx := context.Background()

	out, err := DefaultPerformer(ctx, workitem.Task{ID: "w", Kind: workitem.KindFile, Params: map[string]string{"path": "out/a.txt", "content": "hello"}}, wc)
	require.NoError(t, err)
	assert.Contains(t, out.Output, "wrote 5 bytes")

	out, err = DefaultPerformer(ctx, workitem.Task{ID: "r", Kind: workitem.KindFile, Params: map[string]string{"path": "out/a.txt"}}, wc)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Output)

	out, err = DefaultPerformer(ctx, workitem.Task{ID: "c", Kind: workitem.KindCommand, Params: map[string]string{"command": "echo wave"}}, wc)
	require.NoError(t, err)
	assert.Equal(t, "wave\n", out.Output)

	out, err = DefaultPerformer(ctx, workitem.Task{ID: "h", Kind: workitem.KindHTTP, Params: map[string]string{"url": srv.URL}}, wc)
	require.NoError(t, err)
	assert.Equal(t, "pong", out.Output)

	out, err = DefaultPerformer(ctx, workitem.Task{ID: "n", Title: "just a note", Kind: workitem.KindNote}, wc)
	require.NoError(t, err)
	assert.Equal(t, "just a note", out.Output)

	_, err = DefaultPerformer(ctx, workitem.Task{ID: "f", Kind: workitem.KindFile}, wc)
	assert.Error(t, err)
	_, err = DefaultPerformer(ctx, workitem.Task{ID: "u", Kind: "ftp"}, wc)
	assert.Error(t, err)
}
