// Package hub fans encoded viewer packets out to connected viewers.
package hub

import (
	"errors"
	"sync"

	"github.com/kstaniek/go-mirror-server/internal/logging"
	"github.com/kstaniek/go-mirror-server/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ErrFull is returned by Add when MaxClients viewers are already connected.
var ErrFull = errors.New("hub: too many clients")

// Packet is one encoded viewer message. Packets are shared between clients
// and must not be modified after Broadcast.
type Packet []byte

type Client struct {
	Out       chan Packet
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client with an outbound queue of buf packets.
func NewClient(buf int) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{Out: make(chan Packet, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Send queues p without blocking and reports whether it was queued.
func (c *Client) Send(p Packet) bool {
	select {
	case c.Out <- p:
		return true
	default:
		return false
	}
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	MaxClients int // 0 means unlimited
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 16} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) error {
	h.mu.Lock()
	prev := len(h.clients)
	if h.MaxClients > 0 && prev >= h.MaxClients {
		h.mu.Unlock()
		metrics.IncHubReject()
		return ErrFull
	}
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.For("hub").Info("viewers_first_connected")
	}
	return nil
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.For("hub").Info("viewers_last_disconnected")
	}
}

// Broadcast sends p to all connected clients honoring the backpressure policy.
func (h *Hub) Broadcast(p Packet) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	for _, c := range clients {
		if c.Send(p) {
			continue
		}
		if h.Policy == PolicyKick {
			metrics.IncHubKick()
			c.Close() // writer exits; the server removes the client
		} else {
			metrics.IncHubDrop()
		}
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
