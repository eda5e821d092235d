package transport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/poelstra/mhub-sub000/internal/client"
	"github.com/poelstra/mhub-sub000/internal/hub"
	"github.com/poelstra/mhub-sub000/internal/metrics"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketServer upgrades HTTP requests and runs the broker protocol over
// WebSocket frames, one JSON document per frame.
type WebSocketServer struct {
	hub     *hub.Hub
	logger  logging.Logger
	metrics *metrics.Metrics
}

// NewWebSocketServer creates the WebSocket endpoint handler
func NewWebSocketServer(h *hub.Hub, logger logging.Logger, m *metrics.Metrics) *WebSocketServer {
	return &WebSocketServer{hub: h, logger: logger, metrics: m}
}

// Handler returns the gin handler serving the broker endpoint.
func (s *WebSocketServer) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.serve(c.Writer, c.Request)
	}
}

func (s *WebSocketServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	ob := newOutbox(s.logger)
	hc := client.New(s.hub, ob.respond, "websocket", s.logger, s.metrics)

	s.metrics.ConnectionOpened("websocket")
	s.logger.WithFields(logging.Fields{
		"connection": hc.ID(),
		"remote":     conn.RemoteAddr().String(),
	}).Info("WebSocket client connected")

	go s.writePump(conn, ob)
	s.readPump(conn, ob, hc)

	hc.Close()
	s.metrics.ConnectionClosed("websocket")
	s.logger.WithField("connection", hc.ID()).Info("WebSocket client disconnected")
}

// readPump feeds inbound frames to the hub client until the socket closes.
// Protocol errors do not terminate a WebSocket connection; the client has
// already been answered with an error response.
func (s *WebSocketServer) readPump(conn *websocket.Conn, ob *outbox, hc *client.HubClient) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).Debug("WebSocket read error")
			}
			ob.abort()
			return
		}
		_ = hc.ProcessCommand(frame)
	}
}

// writePump drains the outbox to the socket and keeps the connection alive
// with pings.
func (s *WebSocketServer) writePump(conn *websocket.Conn, ob *outbox) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-ob.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ob.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
