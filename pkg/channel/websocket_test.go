package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransportHandler struct {
	mu       sync.Mutex
	opened   int
	messages [][]byte
	closed   chan int
}

func newRecordingTransportHandler() *recordingTransportHandler {
	return &recordingTransportHandler{closed: make(chan int, 1)}
}

func (h *recordingTransportHandler) HandleOpen() {
	h.mu.Lock()
	h.opened++
	h.mu.Unlock()
}

func (h *recordingTransportHandler) HandleClose(code int, reason string) {
	select {
	case h.closed <- code:
	default:
	}
}

func (h *recordingTransportHandler) HandleError(err error) {}

func (h *recordingTransportHandler) HandleMessage(data []byte) {
	h.mu.Lock()
	h.messages = append(h.messages, data)
	h.mu.Unlock()
}

func (h *recordingTransportHandler) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.messages))
	for _, m := range h.messages {
		out = append(out, string(m))
	}
	return out
}

// echoServer upgrades every request and hands the server side of the
// connection to the test.
func echoServer(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conns := make(chan *websocket.Conn, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func serverConn(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
		return nil
	}
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	url, conns := echoServer(t)
	transport := NewWebSocketTransport(url)
	handler := newRecordingTransportHandler()

	require.NoError(t, transport.Connect(context.Background(), handler))
	server := serverConn(t, conns)

	require.NoError(t, transport.Send(context.Background(), []byte(`{"type":"status"}`)))

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := server.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status"}`, string(data))

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat_ack"}`)))
	assert.Eventually(t, func() bool {
		return len(handler.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `{"type":"heartbeat_ack"}`, handler.received()[0])

	handler.mu.Lock()
	assert.Equal(t, 1, handler.opened)
	handler.mu.Unlock()
}

func TestWebSocketTransportReportsServerClose(t *testing.T) {
	url, conns := echoServer(t)
	transport := NewWebSocketTransport(url)
	handler := newRecordingTransportHandler()

	require.NoError(t, transport.Connect(context.Background(), handler))
	server := serverConn(t, conns)

	require.NoError(t, server.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseHeartbeatTimeout, "bye"),
		time.Now().Add(time.Second),
	))

	select {
	case code := <-handler.closed:
		assert.Equal(t, CloseHeartbeatTimeout, code)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}

	assert.ErrorIs(t, transport.Send(context.Background(), []byte("late")), ErrNotConnected)
}

func TestWebSocketTransportSendWithoutConnection(t *testing.T) {
	transport := NewWebSocketTransport("ws://127.0.0.1:1/ws")
	assert.ErrorIs(t, transport.Send(context.Background(), []byte("x")), ErrNotConnected)
	assert.NoError(t, transport.Close(CloseNormal, "noop"))
}

func TestWebSocketTransportConnectFailure(t *testing.T) {
	transport := NewWebSocketTransport("ws://127.0.0.1:1/ws")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, transport.Connect(ctx, newRecordingTransportHandler()))
}
