package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum control frame size allowed from peer
	maxMessageSize = 4096

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	ID     string
	UserID string
	PoolID string

	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *logrus.Logger

	// ctx is cancelled when the client leaves the hub; sends waiting on
	// this client are abandoned with it
	ctx    context.Context
	cancel context.CancelFunc

	UserAgent   string
	RemoteAddr  string
	ConnectedAt time.Time

	// guarded by hub.mu
	rooms map[string]bool

	activityMu   sync.Mutex
	lastActivity time.Time
	idle         bool
}

// ServeWS upgrades the request and attaches the connection to the hub.
// Query parameters: user_id, rooms (comma separated) and pool.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	listener, poolID := h.connectionListener()
	if p := query.Get("pool"); p != "" {
		poolID = p
	}

	client := &Client{
		ID:          uuid.New().String(),
		UserID:      query.Get("user_id"),
		PoolID:      poolID,
		send:        make(chan []byte, sendBufferSize),
		hub:         h,
		logger:      h.logger,
		UserAgent:   r.Header.Get("User-Agent"),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
		rooms:       make(map[string]bool),
	}
	client.lastActivity = client.ConnectedAt
	for _, room := range strings.Split(query.Get("rooms"), ",") {
		if room = strings.TrimSpace(room); room != "" {
			client.rooms[room] = true
		}
	}

	if listener != nil {
		if err := listener.OnConnect(client.PoolID, client.ID); err != nil {
			h.rejected.Add(1)
			h.logger.WithFields(logrus.Fields{
				"pool_id":     client.PoolID,
				"remote_addr": client.RemoteAddr,
			}).WithError(err).Warn("WebSocket connection rejected")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		if listener != nil {
			listener.OnDisconnect(client.PoolID, client.ID)
		}
		return
	}
	client.conn = conn
	client.ctx, client.cancel = context.WithCancel(context.Background())

	select {
	case h.register <- client:
	case <-h.done:
		client.cancel()
		conn.Close()
		if listener != nil {
			listener.OnDisconnect(client.PoolID, client.ID)
		}
		return
	}

	go client.writePump()
	go client.readPump()
}

// HandleWebSocketGin is a Gin-compatible wrapper for ServeWS
func HandleWebSocketGin(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	}
}

// enqueue hands a frame to the write pump, waiting at most timeout for
// buffer space
func (c *Client) enqueue(ctx context.Context, frame []byte, timeout time.Duration) error {
	select {
	case c.send <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSendTimeout
	}
}

// trySend queues a control frame, dropping it if the buffer is full
func (c *Client) trySend(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) roomList() []string {
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (c *Client) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	wasIdle := c.idle
	c.idle = false
	c.activityMu.Unlock()

	if wasIdle {
		if listener, _ := c.hub.connectionListener(); listener != nil {
			if activity, ok := listener.(activityListener); ok {
				activity.MarkActive(c.PoolID, c.ID)
			}
		}
	}
}

// markIdleIfQuiet flips the client to idle once it has been quiet for
// after, reporting true only on the transition
func (c *Client) markIdleIfQuiet(now time.Time, after time.Duration) bool {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	if c.idle || now.Sub(c.lastActivity) < after {
		return false
	}
	c.idle = true
	return true
}

// readPump pumps control frames from the websocket connection
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("client_id", c.ID).Warn("WebSocket connection error")
			}
			return
		}

		c.hub.messagesReceived.Add(1)
		c.touch()
		c.handleMessage(message)
	}
}

// writePump pumps frames from the hub to the websocket connection, one
// frame per message
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage processes control frames from the client
func (c *Client) handleMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.WithError(err).WithField("client_id", c.ID).Debug("Failed to unmarshal WebSocket message")
		c.trySend(controlEnvelope(MessageTypeError, map[string]string{"error": "invalid message"}).ToJSON())
		return
	}

	switch msg.Type {
	case MessageTypeSubscribe:
		c.hub.Subscribe(c, msg.Rooms...)
		c.replySubscriptions()
	case MessageTypeUnsubscribe:
		c.hub.Unsubscribe(c, msg.Rooms...)
		c.replySubscriptions()
	case MessageTypePing:
		c.trySend(controlEnvelope(MessageTypePong, map[string]interface{}{
			"client_time": msg.Timestamp,
		}).ToJSON())
	default:
		c.logger.WithField("message_type", msg.Type).Debug("Unknown WebSocket message type")
		c.trySend(controlEnvelope(MessageTypeError, map[string]string{"error": "unknown message type " + msg.Type}).ToJSON())
	}
}

func (c *Client) replySubscriptions() {
	c.hub.mu.RLock()
	rooms := c.roomList()
	c.hub.mu.RUnlock()

	c.logger.WithFields(logrus.Fields{
		"client_id": c.ID,
		"rooms":     rooms,
	}).Debug("Client subscriptions updated")
	c.trySend(controlEnvelope(MessageTypeSubscriptionUpdate, map[string]interface{}{
		"rooms": rooms,
	}).ToJSON())
}
