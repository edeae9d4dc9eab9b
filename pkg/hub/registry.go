package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/harun/wavefront/internal/observability"
)

// Client is one connected peer
type Client struct {
	ID          string
	Conn        *websocket.Conn
	RemoteAddr  string
	ConnectedAt time.Time

	limiter *rate.Limiter
	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	source       string
	received     uint64
}

// WriteMessage serializes writes to the connection
func (c *Client) WriteMessage(messageType int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Client) touch(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	c.received++
	if source != "" {
		c.source = source
	}
}

// ClientInfo describes a connected peer
type ClientInfo struct {
	ID           string    `json:"id"`
	Source       string    `json:"source,omitempty"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Received     uint64    `json:"received"`
	Idle         bool      `json:"idle"`
}

// ClientRegistry manages connected clients
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	idleAge time.Duration
}

// NewClientRegistry creates a registry that reports peers silent for
// idleAge as idle
func NewClientRegistry(idleAge time.Duration) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		idleAge: idleAge,
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	count := len(r.clients)
	r.mu.Unlock()

	observability.SetHubClients(count)
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	count := len(r.clients)
	r.mu.Unlock()

	observability.SetHubClients(count)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// Others returns every client except the one with id
func (r *ClientRegistry) Others(id string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for cid, client := range r.clients {
		if cid != id {
			clients = append(clients, client)
		}
	}
	return clients
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	return r.Others("")
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Infos returns a snapshot of every client ordered by connection time
func (r *ClientRegistry) Infos() []ClientInfo {
	clients := r.GetAll()
	now := time.Now()

	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		client.mu.Lock()
		info := ClientInfo{
			ID:           client.ID,
			Source:       client.source,
			RemoteAddr:   client.RemoteAddr,
			ConnectedAt:  client.ConnectedAt,
			LastActivity: client.lastActivity,
			Received:     client.received,
		}
		client.mu.Unlock()
		info.Idle = r.idleAge > 0 && now.Sub(info.LastActivity) > r.idleAge
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
