package simulator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/airstrike/airstrike/internal/constants"
	"github.com/airstrike/airstrike/internal/events"
	"github.com/airstrike/airstrike/internal/logging"
)

// client is one event stream connection. Writes are serialized per client.
type client struct {
	id    string
	jobID string // empty receives every job's events
	conn  *websocket.Conn
	mu    sync.Mutex
}

type hub struct {
	logger  *logging.Logger
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub(logger *logging.Logger) *hub {
	return &hub{logger: logger, clients: make(map[*client]struct{})}
}

func (h *hub) add(conn *websocket.Conn, jobID string) *client {
	c := &client{id: uuid.NewString(), jobID: jobID, conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		h.logger.Debug().Str("client_id", c.id).Msg("Event stream client disconnected")
	}
}

// count returns the number of connected clients.
func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) broadcast(ev events.PushEvent) {
	raw, err := events.EncodePush(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(ev.Name)).Msg("Failed to encode push event")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.jobID == "" || c.jobID == ev.JobID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(constants.PushWriteTimeout))
		err := c.conn.WriteMessage(websocket.TextMessage, raw)
		c.mu.Unlock()
		if err != nil {
			h.logger.Debug().Err(err).Str("client_id", c.id).Msg("Dropping event stream client")
			h.remove(c)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(constants.PushWriteTimeout))
		c.mu.Unlock()
		c.conn.Close()
	}
}
