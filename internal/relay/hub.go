package relay

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/retail-bank-web/realtime/internal/protocol"
)

// Client represents one websocket connection to the relay.
type Client struct {
	conn         *websocket.Conn
	connectionID string
	clientID     string
	expiresAt    int64
	send         chan []byte
	mu           sync.Mutex
	closed       bool
}

// NewClient creates a new relay client.
func NewClient(conn *websocket.Conn, connectionID, clientID string, expiresAt int64) *Client {
	return &Client{
		conn:         conn,
		connectionID: connectionID,
		clientID:     clientID,
		expiresAt:    expiresAt,
		send:         make(chan []byte, 256),
	}
}

// Send queues a frame for the client. A client whose buffer is full is
// closed rather than allowed to stall the publisher.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.closeLocked()
	}
}

// Close closes the client's send queue.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ConnectionID returns the relay-assigned connection id.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// ClientID returns the client id bound into the capability token.
func (c *Client) ClientID() string {
	return c.clientID
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub manages the clients subscribed to one channel.
type Hub struct {
	channel string
	clients map[*Client]bool
	mu      sync.RWMutex
}

// NewHub creates a new Hub for the given channel.
func NewHub(channel string) *Hub {
	return &Hub{
		channel: channel,
		clients: make(map[*Client]bool),
	}
}

// Channel returns the channel name for this hub.
func (h *Hub) Channel() string {
	return h.channel
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub and returns the remaining count.
func (h *Hub) Unregister(client *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
	return len(h.clients)
}

// Broadcast sends a frame to all subscribed clients.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.Send(data)
	}
}

// BroadcastEnvelope encodes and broadcasts an envelope.
func (h *Hub) BroadcastEnvelope(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of subscribed clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all client connections of the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// HubManager manages the hubs of all channels.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.RWMutex
}

// NewHubManager creates a new HubManager.
func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

// Join registers client on channel, creating the hub on first use.
func (m *HubManager) Join(channel string, client *Client) {
	m.mu.Lock()
	hub, ok := m.hubs[channel]
	if !ok {
		hub = NewHub(channel)
		m.hubs[channel] = hub
	}
	m.mu.Unlock()

	hub.Register(client)
}

// Leave removes client from channel and drops the hub once it is empty.
func (m *HubManager) Leave(channel string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hub, ok := m.hubs[channel]
	if !ok {
		return
	}
	if hub.Unregister(client) == 0 {
		delete(m.hubs, channel)
	}
}

// Get returns the hub for the channel, or nil if nobody is subscribed.
func (m *HubManager) Get(channel string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[channel]
}

// Close closes all hubs.
func (m *HubManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hub := range m.hubs {
		hub.Close()
	}
	m.hubs = make(map[string]*Hub)
}
