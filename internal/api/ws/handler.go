package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/maitre/internal/domain/supervisor"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/logging"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// EventSource is the part of the supervisor the stream reads from.
type EventSource interface {
	Subscribe() (<-chan supervisor.Event, func())
	Workers() []supervisor.WorkerInfo
	Routes() []supervisor.Route
}

// ClientMessage is a message sent by a stream client.
type ClientMessage struct {
	Type string `json:"type"`
}

// Handler manages event stream connections
type Handler struct {
	source   EventSource
	metrics  *monitoring.Metrics
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler
func NewHandler(source EventSource, metrics *monitoring.Metrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		source:  source,
		metrics: metrics,
		logger:  logger.Named("events"),
		upgrader: websocket.Upgrader{
			// Admin stream; CORS middleware governs browser access
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and streams events until the client
// goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.IncStreamClients()
		defer h.metrics.DecStreamClients()
	}

	filter := c.Query("module")
	events, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	if err := h.send(conn, h.snapshot(filter)); err != nil {
		return
	}

	incoming := make(chan ClientMessage)
	closed := make(chan struct{})
	go h.readLoop(conn, incoming, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && e.Module != filter {
				continue
			}
			if err := h.send(conn, e); err != nil {
				return
			}

		case msg := <-incoming:
			var err error
			switch msg.Type {
			case "ping":
				err = h.send(conn, gin.H{"type": "pong", "timestamp": time.Now().Unix()})
			default:
				err = h.sendError(conn, "unknown message type")
			}
			if err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}

// readLoop owns the read side of conn. All writes stay on the handler
// goroutine.
func (h *Handler) readLoop(conn *websocket.Conn, incoming chan<- ClientMessage, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("event stream read error", zap.Error(err))
			}
			return
		}
		select {
		case incoming <- msg:
		case <-time.After(writeWait):
			return
		}
	}
}

func (h *Handler) snapshot(filter string) gin.H {
	workers := h.source.Workers()
	routes := h.source.Routes()
	if filter != "" {
		workers = filterModule(workers, filter, func(w supervisor.WorkerInfo) string { return w.Module })
		routes = filterModule(routes, filter, func(r supervisor.Route) string { return r.Module })
	}
	return gin.H{
		"type":      "snapshot",
		"workers":   workers,
		"routes":    routes,
		"timestamp": time.Now().Unix(),
	}
}

func filterModule[T any](items []T, name string, module func(T) string) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if module(it) == name {
			out = append(out, it)
		}
	}
	return out
}

func (h *Handler) send(conn *websocket.Conn, data any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(data)
}

func (h *Handler) sendError(conn *websocket.Conn, msg string) error {
	return h.send(conn, gin.H{
		"type":      "error",
		"message":   msg,
		"timestamp": time.Now().Unix(),
	})
}
