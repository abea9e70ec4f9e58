package room

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go-listen/internal/protocol"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait.
	sendBuffer = 256
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	ID       string
	Identity *Identity // nil for guests

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// rooms is only touched from the hub goroutine.
	rooms map[string]struct{}

	mu     sync.Mutex
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, id string, identity *Identity, limiter *rate.Limiter) *Client {
	return &Client{
		ID:       id,
		Identity: identity,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		limiter:  limiter,
		rooms:    make(map[string]struct{}),
	}
}

// Send queues a frame without blocking. It reports false when the client is
// closed or its buffer is full; the frame is dropped in both cases.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(code, message string) {
	frame, err := protocol.Encode(protocol.TypeError, "", protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.Send(frame)
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps frames from the websocket connection to the hub.
func (c *Client) readPump(maxMessageSize int64) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("Read error for client", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}

		// Rejections go through the hub so replies keep the order of the
		// frames that caused them.
		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.Reject(c, protocol.CodeRateLimited, "too many messages")
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.hub.Reject(c, protocol.CodeInvalidMessage, err.Error())
			continue
		}
		c.hub.Dispatch(c, env)
	}
}

// writePump pumps frames from the hub to the websocket connection, one
// frame per websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.log.Debug("Write error for client", zap.String("conn_id", c.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
