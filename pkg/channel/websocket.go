package channel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Transport.Send without a live connection.
var ErrNotConnected = errors.New("transport not connected")

// WebSocketTransport implements Transport over a gorilla/websocket client connection
type WebSocketTransport struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WebSocketOption customizes a WebSocketTransport
type WebSocketOption func(*WebSocketTransport)

// WithHeader sets headers sent with the handshake
func WithHeader(header http.Header) WebSocketOption {
	return func(t *WebSocketTransport) { t.header = header }
}

// WithWriteTimeout bounds each write when the caller's context has no deadline
func WithWriteTimeout(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) { t.writeTimeout = d }
}

// WithTransportLogger sets the logger
func WithTransportLogger(logger zerolog.Logger) WebSocketOption {
	return func(t *WebSocketTransport) { t.logger = logger }
}

// NewWebSocketTransport creates a transport dialing url (ws:// or wss://)
func NewWebSocketTransport(url string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		writeTimeout: 10 * time.Second,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials the server and starts the read loop
func (t *WebSocketTransport) Connect(ctx context.Context, h TransportHandler) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return err
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	t.logger.Debug().Str("url", t.url).Msg("WebSocket connected")

	h.HandleOpen()
	go t.readLoop(conn, h)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, h TransportHandler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := CloseAbnormal, err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = closeErr.Code, closeErr.Text
			} else {
				h.HandleError(err)
			}

			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			_ = conn.Close()

			h.HandleClose(code, reason)
			return
		}
		h.HandleMessage(data)
	}
}

// Send writes one text frame
func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.writeTimeout)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and drops the connection. The read loop reports
// HandleClose once the socket is torn down.
func (t *WebSocketTransport) Close(code int, reason string) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}
