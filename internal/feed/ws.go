package feed

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tenebrinet/internal/event"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed endpoint binds to the internal ops address only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedMessage is the wire format pushed to feed clients.
type feedMessage struct {
	Type      string        `json:"type"`
	Attack    *event.Attack `json:"attack"`
	Timestamp time.Time     `json:"timestamp"`
}

// WSHandler upgrades HTTP requests into live feed subscriptions.
type WSHandler struct {
	logger      *zap.Logger
	broadcaster *Broadcaster
}

// NewWSHandler creates a WebSocket handler backed by the broadcaster.
func NewWSHandler(logger *zap.Logger, broadcaster *Broadcaster) *WSHandler {
	return &WSHandler{logger: logger, broadcaster: broadcaster}
}

// ServeHTTP upgrades the connection and streams attacks until either side
// goes away. A slow client's losses happen in its subscriber buffer; the
// broadcaster itself never blocks on this connection.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade feed connection", zap.Error(err))
		return
	}

	sub := h.broadcaster.Subscribe()
	h.logger.Info("Feed client connected",
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	done := make(chan struct{})
	go h.readLoop(conn, done)
	h.writeLoop(conn, sub, done)

	sub.Close()
	conn.Close()
	h.logger.Info("Feed client disconnected",
		zap.String("remote_addr", conn.RemoteAddr().String()),
		zap.Uint64("dropped", sub.Dropped()),
	)
}

// readLoop drains the client. Feed clients send nothing meaningful; the
// read is what surfaces disconnects and pong frames.
func (h *WSHandler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case attack, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(writeTimeout))
				return
			}

			payload, err := json.Marshal(feedMessage{
				Type:      "attack",
				Attack:    attack,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				h.logger.Error("Failed to encode feed message", zap.Error(err))
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
