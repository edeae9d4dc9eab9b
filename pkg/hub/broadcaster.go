package hub

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Broadcaster fans raw frames out to registered clients
type Broadcaster struct {
	clients      *ClientRegistry
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// NewBroadcaster creates a broadcaster over clients
func NewBroadcaster(clients *ClientRegistry, writeTimeout time.Duration, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients:      clients,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Relay sends data to every client except the sender and returns how many
// peers received it
func (b *Broadcaster) Relay(senderID string, data []byte) int {
	return b.deliver(b.clients.Others(senderID), data)
}

// BroadcastAll sends data to every client
func (b *Broadcaster) BroadcastAll(data []byte) int {
	return b.deliver(b.clients.GetAll(), data)
}

func (b *Broadcaster) deliver(clients []*Client, data []byte) int {
	if len(clients) == 0 {
		b.logger.Debug().Msg("No peers to relay to")
		return 0
	}

	delivered := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data, b.writeTimeout); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Msg("Failed to relay to client")
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Int("success", delivered).
		Int("failed", len(clients)-delivered).
		Msg("Relay complete")
	return delivered
}
