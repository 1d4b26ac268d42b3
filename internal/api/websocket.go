package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunnez/diamond-opus-sub002/internal/eventbus"
)

// wsEnvelope is the frame format sent to websocket clients.
type wsEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// wsFrame is one broadcast: pre-marshaled bytes plus the feed the event
// concerns, so the hub can skip clients filtered to another feed.
type wsFrame struct {
	feed string
	data []byte
}

// wsClient is one connected consumer of the /ws stream. An empty feed
// filter receives every event.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	feed string
}

// Hub fans pipeline events out to websocket clients. The clients map is
// only touched from the run goroutine, so access needs no lock.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan wsFrame
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsFrame, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case frame := <-h.broadcast:
			for c := range h.clients {
				if c.feed != "" && c.feed != frame.feed {
					continue
				}
				select {
				case c.send <- frame.data:
				default:
					// Slow consumer; cut it loose rather than buffer.
					delete(h.clients, c)
					close(c.send)
				}
			}
		case <-h.done:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

func (h *Hub) stop() {
	close(h.done)
}

// Relay subscribes to the event bus and feeds every pipeline event into
// the broadcast fan-out.
func (h *Hub) Relay(events *eventbus.Bus) {
	ch := make(chan eventbus.Event, 256)
	events.Subscribe("*", ch)
	go func() {
		for {
			select {
			case ev := <-ch:
				data, err := json.Marshal(wsEnvelope{Type: ev.Type, Payload: ev})
				if err != nil {
					continue
				}
				select {
				case h.broadcast <- wsFrame{feed: ev.Feed, data: data}:
				default:
				}
			case <-h.done:
				return
			}
		}
	}()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWebSocket streams pipeline events. ?feed=<id> narrows the stream
// to one feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
		feed: r.URL.Query().Get("feed"),
	}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	// Writer pump. The reader below only exists to notice the close.
	go func() {
		defer func() {
			select {
			case s.hub.unregister <- client:
			case <-s.hub.done:
			}
			conn.Close()
		}()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage, []byte{})
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// handleStatusWebSocket pushes the status payload every few seconds so
// dashboards do not have to poll.
func (s *Server) handleStatusWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("status websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		payload, err := s.buildStatusPayload(r.Context(), false)
		if err != nil {
			payload = []byte(`{"status":"error"}`)
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-s.hub.done:
			return
		}
	}
}
