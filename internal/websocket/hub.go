package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
)

const (
	DefaultSendTimeout = 5 * time.Second
	DefaultIdleAfter   = time.Minute

	heartbeatInterval = 30 * time.Second
)

var (
	// ErrNoRecipients is returned when a user or room has no live connection
	ErrNoRecipients = errors.New("no connected recipients")
	// ErrSendTimeout is returned when a client's outbound buffer stays full
	ErrSendTimeout = errors.New("client send buffer full")
	// ErrClientClosed is returned when the client disconnected mid-send
	ErrClientClosed = errors.New("client disconnected")
)

// activityListener is optionally implemented by a ConnectionListener that
// tracks idle connections
type activityListener interface {
	MarkIdle(poolID, connID string)
	MarkActive(poolID, connID string)
}

// Hub maintains the set of active clients and their user and room
// indexes. It implements delivery.Transport.
type Hub struct {
	clients map[*Client]bool
	users   map[string]map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once

	listener    delivery.ConnectionListener
	defaultPool string
	sendTimeout time.Duration
	idleAfter   time.Duration

	logger *logrus.Logger
	mu     sync.RWMutex

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	sendFailures     atomic.Int64
	rejected         atomic.Int64
}

// HubStats contains hub statistics
type HubStats struct {
	ConnectedClients int   `json:"connected_clients"`
	Users            int   `json:"users"`
	Rooms            int   `json:"rooms"`
	TotalConnections int64 `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	SendFailures     int64 `json:"send_failures"`
	Rejected         int64 `json:"rejected"`
}

type HubOption func(*Hub)

// WithSendTimeout bounds how long Send waits on one client's buffer
func WithSendTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.sendTimeout = d }
}

// WithIdleAfter sets how long a connection may go without traffic before
// it is reported idle
func WithIdleAfter(d time.Duration) HubOption {
	return func(h *Hub) { h.idleAfter = d }
}

// NewHub creates a new WebSocket hub
func NewHub(logger *logrus.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients:     make(map[*Client]bool),
		users:       make(map[string]map[*Client]bool),
		rooms:       make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		sendTimeout: DefaultSendTimeout,
		idleAfter:   DefaultIdleAfter,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetConnectionListener registers the receiver of connect and disconnect
// events. Connections without a pool query parameter are reported against
// defaultPool.
func (h *Hub) SetConnectionListener(l delivery.ConnectionListener, defaultPool string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
	h.defaultPool = defaultPool
}

func (h *Hub) connectionListener() (delivery.ConnectionListener, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listener, h.defaultPool
}

// Run handles client registration until ctx is cancelled, then
// disconnects every client
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-ticker.C:
			h.sweepIdle()
			h.sendHeartbeat()

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregisterClient(c)
	}
	h.logger.WithField("clients", len(clients)).Info("WebSocket hub stopped")
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	if client.UserID != "" {
		addIndex(h.users, client.UserID, client)
	}
	for room := range client.rooms {
		addIndex(h.rooms, room, client)
	}
	rooms := client.roomList()
	connected := len(h.clients)
	h.mu.Unlock()

	h.totalConnections.Add(1)
	h.logger.WithFields(logrus.Fields{
		"client_id":         client.ID,
		"user_id":           client.UserID,
		"pool_id":           client.PoolID,
		"remote_addr":       client.RemoteAddr,
		"connected_clients": connected,
	}).Info("WebSocket client connected")

	client.trySend(controlEnvelope(MessageTypeConnection, map[string]interface{}{
		"status":    "connected",
		"client_id": client.ID,
		"rooms":     rooms,
	}).ToJSON())
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	if client.UserID != "" {
		removeIndex(h.users, client.UserID, client)
	}
	for room := range client.rooms {
		removeIndex(h.rooms, room, client)
	}
	connected := len(h.clients)
	listener := h.listener
	h.mu.Unlock()

	client.cancel()
	if listener != nil {
		listener.OnDisconnect(client.PoolID, client.ID)
	}

	h.logger.WithFields(logrus.Fields{
		"client_id":         client.ID,
		"connected_clients": connected,
	}).Info("WebSocket client disconnected")
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func addIndex(index map[string]map[*Client]bool, key string, c *Client) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Client]bool)
		index[key] = set
	}
	set[c] = true
}

func removeIndex(index map[string]map[*Client]bool, key string, c *Client) {
	if set, ok := index[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

// Subscribe adds a client to rooms
func (h *Hub) Subscribe(client *Client, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, registered := h.clients[client]
	for _, room := range rooms {
		if room == "" {
			continue
		}
		client.rooms[room] = true
		if registered {
			addIndex(h.rooms, room, client)
		}
	}
}

// Unsubscribe removes a client from rooms
func (h *Hub) Unsubscribe(client *Client, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		delete(client.rooms, room)
		removeIndex(h.rooms, room, client)
	}
}

func (h *Hub) recipients(target delivery.Target) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var set map[*Client]bool
	switch target.Kind {
	case delivery.TargetUser:
		set = h.users[target.ID]
	case delivery.TargetRoom:
		set = h.rooms[target.ID]
	default:
		set = h.clients
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Send delivers one event to every connection behind target. It succeeds
// if at least one connection accepted the frame. A broadcast with nobody
// connected succeeds; a user or room with nobody connected does not.
func (h *Hub) Send(ctx context.Context, target delivery.Target, eventType string, payload delivery.Payload) error {
	clients := h.recipients(target)
	if len(clients) == 0 {
		if target.Kind == delivery.TargetBroadcast {
			return nil
		}
		return fmt.Errorf("%s: %w", target, ErrNoRecipients)
	}

	env := Envelope{Type: eventType, Data: payload}
	if target.Kind == delivery.TargetRoom {
		env.Room = target.ID
	}
	frame := env.ToJSON()

	var (
		accepted int
		firstErr error
	)
	for _, c := range clients {
		if err := c.enqueue(ctx, frame, h.sendTimeout); err != nil {
			h.sendFailures.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			h.logger.WithFields(logrus.Fields{
				"client_id": c.ID,
				"target":    target.String(),
				"type":      eventType,
			}).WithError(err).Debug("WebSocket send failed")
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("%s: %w", target, firstErr)
	}
	h.messagesSent.Add(int64(accepted))
	return nil
}

func (h *Hub) sweepIdle() {
	listener, _ := h.connectionListener()
	activity, ok := listener.(activityListener)
	if !ok {
		return
	}
	now := time.Now()
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.markIdleIfQuiet(now, h.idleAfter) {
			activity.MarkIdle(c.PoolID, c.ID)
		}
	}
}

func (h *Hub) sendHeartbeat() {
	frame := controlEnvelope(MessageTypeHeartbeat, map[string]interface{}{
		"clients": h.GetClientCount(),
	}).ToJSON()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.trySend(frame)
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	stats := HubStats{
		ConnectedClients: len(h.clients),
		Users:            len(h.users),
		Rooms:            len(h.rooms),
	}
	h.mu.RUnlock()

	stats.TotalConnections = h.totalConnections.Load()
	stats.MessagesSent = h.messagesSent.Load()
	stats.MessagesReceived = h.messagesReceived.Load()
	stats.SendFailures = h.sendFailures.Load()
	stats.Rejected = h.rejected.Load()
	return stats
}

// GetClientCount returns the current number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetClientByID returns a client by its ID, or nil if not found
func (h *Hub) GetClientByID(clientID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.ID == clientID {
			return client
		}
	}
	return nil
}
