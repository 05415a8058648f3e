package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	maxMessageSize = 64 * 1024
	sendBufferSize = 32
)

// Client wraps one WebSocket connection. Only writePump writes to conn.
// account, authenticated and subscriptions are guarded by Hub.mu.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
	authTimer *time.Timer
	lastSeen  atomic.Int64

	account       string
	email         string
	authenticated bool
	subscriptions map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		id:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		send:          make(chan Message, sendBufferSize),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}
	c.touch()
	return c
}

// ID identifies the connection in logs.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// enqueue hands msg to the writer without blocking. A full buffer drops the
// message for this client only.
func (c *Client) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		log.WithField("client", c.id).Warn("websocket: send buffer full, dropping message")
		return false
	}
}

// close stops the client. Messages already queued are still flushed by the
// writer before the socket closes.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		close(c.done)
	})
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("client", c.id).Debugf("websocket: read error: %v", err)
			}
			return
		}
		c.touch()
		c.hub.messagesIn.Add(1)
		c.hub.handle(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.hub.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.hub.cfg.WriteTimeout),
			)
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(msg Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		log.WithField("client", c.id).Debugf("websocket: write failed: %v", err)
		return err
	}
	c.hub.messagesOut.Add(1)
	return nil
}
