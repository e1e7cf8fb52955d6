package ws

import (
	"errors"
	"sync"

	"log/slog"

	"github.com/gorilla/websocket"
)

var (
	errClientClosed = errors.New("board client closed")
	errSlowClient   = errors.New("board client send buffer full")
)

// Client streams board events over a websocket connection. Writes go through
// a buffered channel drained by a single goroutine, so a stalled peer slows
// only its own stream, never the hub.
type Client struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

// NewClient wraps the connection and starts its write loop. sendBuffer caps
// how many pending events the client may lag behind before it is dropped.
func NewClient(conn *websocket.Conn, sendBuffer int, logger *slog.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	c := &Client{
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  logger,
	}
	go c.writeLoop()
	return c
}

func (c *Client) writeLoop() {
	for {
		select {
		case payload := <-c.out:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("board client write failed", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send queues a board event for delivery. A client whose buffer is full is
// closed and reported as failed so the hub unregisters it.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		c.log.Warn("board client lagging, dropping connection")
		c.Close()
		return errSlowClient
	}
}

// Close terminates the connection and stops the write loop.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
