// Package hub implements the broadcast server core: a connection registry, a
// presence registry, and best-effort fan-out of presence snapshots and
// collaboration events to every open connection. Nothing here persists;
// restarting the process drops all state.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/taskfolio/taskfolio/realtime-go/protocol"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultPresenceTTL   = 60 * time.Second
)

// Options configures a Hub. Zero values fall back to the defaults above;
// Metrics may be nil.
type Options struct {
	SweepInterval time.Duration
	PresenceTTL   time.Duration
	Metrics       *Metrics
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client // clientID -> client
	presence *PresenceRegistry

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopped    chan struct{}

	sweepInterval time.Duration
	presenceTTL   time.Duration
	metrics       *Metrics
	now           func() time.Time
}

func NewHub(opts Options) *Hub {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = DefaultPresenceTTL
	}
	return &Hub{
		clients:       make(map[string]*Client),
		presence:      NewPresenceRegistry(),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		sweepInterval: opts.SweepInterval,
		presenceTTL:   opts.PresenceTTL,
		metrics:       opts.Metrics,
		now:           time.Now,
	}
}

// Run processes registrations and the periodic sweep until Stop is called.
// All registry mutations happen on this goroutine or under the hub lock, so
// message handlers and the sweep never interleave destructively.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-ticker.C:
			h.sweep(h.now())
		case <-h.stop:
			close(h.stopped)
			return
		}
	}
}

// Stop terminates the run loop. In-flight broadcasts are not drained.
func (h *Hub) Stop() {
	close(h.stop)
	<-h.stopped
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ClientID] = client
	h.mu.Unlock()

	client.Send(&protocol.Message{
		Type:     protocol.TypeConnectionEstablished,
		ClientID: client.ClientID,
	})

	h.metrics.ConnectionOpened()
	slog.Info("client connected", "user", client.UserID, "client", client.ClientID)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ClientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ClientID)
	h.mu.Unlock()

	client.close()
	h.presence.Drop(client.UserID, client.ClientID)
	h.broadcastPresence()

	h.metrics.ConnectionClosed()
	slog.Info("client disconnected", "user", client.UserID, "client", client.ClientID)
}

func (h *Hub) handleMessage(sender *Client, msg *protocol.Message) {
	h.metrics.MessageReceived(msg.Type)

	switch msg.Type {
	case protocol.TypePing:
		sender.Send(&protocol.Message{Type: protocol.TypePong})

	case protocol.TypePresenceUpdate:
		h.handlePresenceUpdate(sender, msg)

	case protocol.TypeCollaborationEvent:
		h.handleCollaborationEvent(sender, msg)

	default:
		slog.Warn("unknown message type", "type", msg.Type, "user", sender.UserID)
	}
}

func (h *Hub) handlePresenceUpdate(sender *Client, msg *protocol.Message) {
	if msg.User == nil {
		slog.Warn("presence_update without user document", "user", sender.UserID)
		return
	}

	h.presence.Update(sender.UserID, sender.ClientID, *msg.User, h.now())
	h.broadcastPresence()
}

func (h *Hub) handleCollaborationEvent(sender *Client, msg *protocol.Message) {
	if msg.Event == nil {
		slog.Warn("collaboration_event without event body", "user", sender.UserID)
		return
	}

	// No filtering by entity id; scoping is the receiver's concern.
	h.broadcast(&protocol.Message{
		Type:  protocol.TypeCollaborationEvent,
		Event: msg.Event,
	})
}

func (h *Hub) broadcastPresence() {
	h.broadcast(&protocol.Message{
		Type:  protocol.TypePresenceUpdate,
		Users: h.presence.Snapshot(),
	})
}

// broadcast fans msg out to every open connection, the sender included.
// Connections that have gone dead since the last sweep are skipped.
func (h *Hub) broadcast(msg *protocol.Message) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Open() {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Send(msg)
	}
	h.metrics.Broadcast(msg.Type)
}

// sweep evicts presence documents past the TTL and connections whose pumps
// have exited, then broadcasts the presence list once regardless of whether
// anything changed.
func (h *Hub) sweep(now time.Time) {
	evicted := h.presence.EvictStale(now.Add(-h.presenceTTL))

	h.mu.Lock()
	var dead []*Client
	for id, c := range h.clients {
		if !c.Open() {
			delete(h.clients, id)
			dead = append(dead, c)
		}
	}
	h.mu.Unlock()

	for _, c := range dead {
		c.close()
		h.presence.Drop(c.UserID, c.ClientID)
	}

	if evicted > 0 || len(dead) > 0 {
		h.metrics.Swept(evicted, len(dead))
		slog.Info("sweep", "presence_evicted", evicted, "connections_dropped", len(dead))
	}

	h.broadcastPresence()
}

// ClientCount reports the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
