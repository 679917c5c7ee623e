// Package streaming adapts the teacher's room-keyed WebSocket broadcast
// hub into an execution.StreamSink: rooms are keyed by executionId instead
// of a collaboration roomId, and the broadcast payloads are stdout/stderr/
// completed events instead of chat/cursor/presence messages.
package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"apex-exec/internal/execution"
)

// messageKind discriminates the payloads sent to subscribers of one
// execution's room.
type messageKind string

const (
	kindStdout    messageKind = "stdout"
	kindStderr    messageKind = "stderr"
	kindCompleted messageKind = "completed"
)

// message is the wire envelope broadcast to every client in a room.
type message struct {
	Kind        messageKind                        `json:"kind"`
	ExecutionID string                             `json:"executionId"`
	Line        string                             `json:"line,omitempty"`
	Timestamp   time.Time                          `json:"timestamp,omitempty"`
	Completed   *execution.StreamCompletedEvent `json:"completed,omitempty"`
}

// client is one subscriber's outbound connection.
type client struct {
	conn        *websocket.Conn
	send        chan message
	executionID string
}

// Hub fans out execution output to every client subscribed to that
// execution's room, grounded on the teacher's internal/websocket/hub.go
// register/unregister/broadcast loop.
type Hub struct {
	log    *zap.Logger
	tokens *TokenSigner

	rooms      map[string]map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan message

	mu sync.RWMutex
}

// NewHub builds a hub. Call Run in its own goroutine before serving
// connections. tokens, if non-nil, requires every ServeHTTP connection to
// present a resume token scoped to the executionId it is subscribing to.
func NewHub(log *zap.Logger, tokens *TokenSigner) *Hub {
	return &Hub{
		log:        log,
		tokens:     tokens,
		rooms:      map[string]map[*client]bool{},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan message, 256),
	}
}

// IssueResumeToken signs a resume token for executionID, or returns an
// error if no signer was configured.
func (h *Hub) IssueResumeToken(executionID string) (string, error) {
	if h.tokens == nil {
		return "", fmt.Errorf("hub has no token signer configured")
	}
	return h.tokens.Issue(executionID)
}

// Run is the hub's single-goroutine event loop; it owns all room state.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if h.rooms[c.executionID] == nil {
				h.rooms[c.executionID] = map[*client]bool{}
			}
			h.rooms[c.executionID][c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if room, ok := h.rooms[c.executionID]; ok {
				if _, ok := room[c]; ok {
					delete(room, c)
					close(c.send)
					if len(room) == 0 {
						delete(h.rooms, c.executionID)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			room := h.rooms[msg.ExecutionID]
			for c := range room {
				select {
				case c.send <- msg:
				default:
					h.log.Warn("dropping slow streaming client", zap.String("execution_id", msg.ExecutionID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// StreamStdout implements execution.StreamSink.
func (h *Hub) StreamStdout(executionID, line string, timestamp time.Time) {
	h.publish(message{Kind: kindStdout, ExecutionID: executionID, Line: line, Timestamp: timestamp})
}

// StreamStderr implements execution.StreamSink.
func (h *Hub) StreamStderr(executionID, line string, timestamp time.Time) {
	h.publish(message{Kind: kindStderr, ExecutionID: executionID, Line: line, Timestamp: timestamp})
}

// StreamCompleted implements execution.StreamSink.
func (h *Hub) StreamCompleted(executionID string, event execution.StreamCompletedEvent) {
	h.publish(message{Kind: kindCompleted, ExecutionID: executionID, Completed: &event})
}

// publish hands msg to the Run loop without blocking the caller; when the
// broadcast buffer is full the event is dropped.
func (h *Hub) publish(msg message) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("streaming buffer full, dropping event", zap.String("execution_id", msg.ExecutionID))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and subscribes it to the execution id
// given by the "executionId" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("executionId")
	if executionID == "" {
		http.Error(w, "executionId is required", http.StatusBadRequest)
		return
	}

	if h.tokens != nil {
		tokenExecutionID, err := h.tokens.Verify(r.URL.Query().Get("token"))
		if err != nil || tokenExecutionID != executionID {
			http.Error(w, "invalid or missing resume token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan message, 64), executionID: executionID}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// readPump only exists to notice the client going away; this hub never
// accepts inbound messages.
func (h *Hub) readPump(c *client) {
	defer func() { h.unregister <- c }()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
