package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/harun/wavefront/internal/observability"
	"github.com/harun/wavefront/pkg/channel"
)

// Source is stamped on messages the hub originates
const Source = "hub"

const maxMessageSize = 1 << 20

// Server relays channel messages between connected peers. Heartbeats are
// acknowledged by the hub itself; every other message is forwarded to all
// other peers unchanged.
type Server struct {
	host         string
	port         int
	writeTimeout time.Duration
	rateLimit    rate.Limit
	burst        int

	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	broadcaster *Broadcaster
	logger      zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	connWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host              string
	Port              int // 0 picks a free port
	WriteTimeout      time.Duration
	MessagesPerSecond float64 // per peer, 0 disables limiting
	Burst             int
	IdleAfter         time.Duration // peers silent this long are reported idle
	Logger            zerolog.Logger
}

// NewServer creates a hub server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.MessagesPerSecond < 0 {
		return nil, fmt.Errorf("messages per second must be >= 0, got %v", cfg.MessagesPerSecond)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 5 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}

	limit := rate.Inf
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
	}

	clients := NewClientRegistry(cfg.IdleAfter)
	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		writeTimeout: cfg.WriteTimeout,
		rateLimit:    limit,
		burst:        cfg.Burst,
		clients:      clients,
		broadcaster:  NewBroadcaster(clients, cfg.WriteTimeout, cfg.Logger),
		logger:       cfg.Logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // peers are agents and coordinators, not browsers
			},
		},
	}

	observability.EnsureRegistered()
	return s, nil
}

// Handler returns the HTTP routes of the hub
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/clients", s.handleClients)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"clients": s.clients.Count(),
		})
	})
	return mux
}

// Start listens and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting hub server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Hub server error")
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL returns the websocket endpoint once started
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "ws://" + s.Addr() + "/ws"
}

// Stop notifies peers, closes every connection and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down hub server")

	msg, err := channel.NewMessage(channel.TypeNotification, channel.PriorityHigh, channel.Notification{
		Level: "warn",
		Text:  "hub shutting down",
	})
	if err == nil {
		_, _ = s.Broadcast(msg)
	}

	for _, client := range s.clients.GetAll() {
		_ = client.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub shutting down"), s.writeTimeout)
		_ = client.Conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown hub: %w", err)
		}
	}

	s.logger.Info().Msg("Hub server stopped")
	return nil
}

// Broadcast sends msg from the hub to every peer and returns how many
// received it
func (s *Server) Broadcast(msg *channel.Message) (int, error) {
	if msg.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return 0, fmt.Errorf("failed to generate message id: %w", err)
		}
		msg.ID = id
	}
	if msg.Source == "" {
		msg.Source = Source
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}
	return s.broadcaster.BroadcastAll(data), nil
}

// Clients returns a snapshot of connected peers
func (s *Server) Clients() []ClientInfo {
	return s.clients.Infos()
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.clients.Infos())
}

// handleWebSocket upgrades a peer connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Hub is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.connWG.Add(1)
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connWG.Done()
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	clientID, err := gonanoid.New()
	if err != nil {
		s.connWG.Done()
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}

	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		RemoteAddr:   r.RemoteAddr,
		ConnectedAt:  now,
		lastActivity: now,
		limiter:      rate.NewLimiter(s.rateLimit, s.burst),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Peer connected")

	go s.handleClient(client)
}

// handleClient reads frames from one peer until it disconnects
func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.connWG.Done()
		s.logger.Info().Str("clientId", client.ID).Msg("Peer disconnected")
	}()

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.handleMessage(client, data)
	}
}

// handleMessage acks heartbeats and relays everything else
func (s *Server) handleMessage(client *Client, data []byte) {
	var msg channel.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		observability.RecordHubMessage("unknown", "invalid")
		s.logger.Warn().Str("clientId", client.ID).Msg("Dropping undecodable message")
		return
	}
	client.touch(msg.Source)

	if !client.limiter.Allow() {
		observability.RecordHubMessage(string(msg.Type), "limited")
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("type", string(msg.Type)).
			Msg("Peer exceeded message rate, dropping")
		return
	}

	if msg.Type == channel.TypeHeartbeat {
		s.ack(client, &msg)
		return
	}

	peers := s.broadcaster.Relay(client.ID, data)
	observability.RecordHubMessage(string(msg.Type), "relayed")
	s.logger.Debug().
		Str("clientId", client.ID).
		Str("type", string(msg.Type)).
		Str("messageId", msg.ID).
		Int("peers", peers).
		Msg("Message relayed")
}

func (s *Server) ack(client *Client, beat *channel.Message) {
	ack := &channel.Message{
		ID:        gonanoid.Must(),
		Type:      channel.TypeHeartbeatAck,
		Priority:  channel.PriorityHigh,
		Source:    Source,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(ack)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode heartbeat ack")
		return
	}
	if err := client.WriteMessage(websocket.TextMessage, data, s.writeTimeout); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to ack heartbeat")
		return
	}
	observability.RecordHubMessage(string(beat.Type), "acked")
}
