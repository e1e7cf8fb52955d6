package ws

import (
	"fmt"
	"net/http"
	"sync"
)

// SSEClient adapts an http.ResponseWriter into a Subscriber for clients that
// cannot hold a websocket open.
type SSEClient struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

// NewSSEClient prepares the response for event streaming. Returns false when
// the writer does not support flushing.
func NewSSEClient(w http.ResponseWriter) (*SSEClient, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &SSEClient{w: w, flusher: flusher, done: make(chan struct{})}, true
}

// Send writes one SSE data frame.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return http.ErrHandlerTimeout
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream finished.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Done unblocks when the stream is closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}
