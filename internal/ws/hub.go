package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// defaultSendBuffer is used when no per-client buffer size is configured.
const defaultSendBuffer = 64

// Hub fans kanban board events out to subscribers grouped by funnel ID.
// The run loop owns the clients map, so no locking is needed.
type Hub struct {
	clients    map[string]map[Subscriber]struct{}
	register   chan subscription
	unreg      chan subscription
	broadcast  chan message
	sendBuffer int
}

// message couples payload with funnel identifier.
type message struct {
	funnelID string
	payload  []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	funnelID string
	client   Subscriber
}

// NewHub creates an initialized Hub. sendBuffer sizes each subscriber's
// outbound queue; values <= 0 fall back to the default.
func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	h := &Hub{
		clients:    make(map[string]map[Subscriber]struct{}),
		register:   make(chan subscription),
		unreg:      make(chan subscription),
		broadcast:  make(chan message),
		sendBuffer: sendBuffer,
	}
	go h.run()
	return h
}

// SendBuffer reports the configured per-subscriber queue size.
func (h *Hub) SendBuffer() int {
	return h.sendBuffer
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.funnelID]; !ok {
				h.clients[sub.funnelID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.funnelID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.funnelID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.funnelID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.funnelID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.funnelID)
				}
			}
		}
	}
}

// Register adds a client to a funnel board stream.
func (h *Hub) Register(funnelID string, client Subscriber) {
	h.register <- subscription{funnelID: funnelID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(funnelID string, client Subscriber) {
	h.unreg <- subscription{funnelID: funnelID, client: client}
}

// Broadcast sends payload to every client watching the funnel board.
func (h *Hub) Broadcast(funnelID string, payload []byte) {
	h.broadcast <- message{funnelID: funnelID, payload: payload}
}
