// Package roomclient connects a listener to a room server. Nothing here is
// global: every Conn is dialed, owned and closed by its caller.
package roomclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-listen/internal/protocol"
)

const writeWait = 10 * time.Second

// Handler receives every frame read from the server, on the read goroutine.
type Handler func(env *protocol.Envelope)

type Options struct {
	// Token is sent as a bearer token on the upgrade request.
	Token   string
	Header  http.Header
	Logger  *zap.Logger
	OnError func(error) // called once when the connection fails
}

// Conn is one websocket connection to the room server.
type Conn struct {
	ws      *websocket.Conn
	log     *zap.Logger
	onError func(error)

	mu     sync.Mutex // guards writes and closed
	closed bool
	done   chan struct{}
}

// Dial connects to the websocket endpoint at rawURL and starts reading.
func Dial(ctx context.Context, rawURL string, handler Handler, opts Options) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = v
	}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	c := &Conn{
		ws:      ws,
		log:     opts.Logger,
		onError: opts.OnError,
		done:    make(chan struct{}),
	}
	go c.readLoop(handler)
	return c, nil
}

// Emit sends one event. It is a silent no-op once the connection is closed
// or broken; nothing is queued or retried.
func (c *Conn) Emit(msgType, room string, payload any) {
	frame, err := protocol.Encode(msgType, room, payload)
	if err != nil {
		c.log.Warn("Dropping unencodable event", zap.String("type", msgType), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Debug("Emit failed", zap.String("type", msgType), zap.Error(err))
	}
}

// Done is closed when the read loop has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close says goodbye to the server and waits for the read loop to stop.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	c.ws.Close()
	<-c.done

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(handler Handler) {
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.closed = true
			c.mu.Unlock()
			c.ws.Close()

			if !wasClosed {
				c.log.Warn("Connection to room server lost", zap.Error(err))
				if c.onError != nil {
					c.onError(err)
				}
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("Ignoring malformed frame", zap.Error(err))
			continue
		}
		if handler != nil {
			handler(env)
		}
	}
}
