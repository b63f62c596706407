package ws

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/helixos/kernel/internal/infrastructure/logging"
	"github.com/helixos/kernel/internal/infrastructure/monitoring"
	"github.com/helixos/kernel/internal/kernel/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Introspection feed; pin origins at the proxy
	},
}

// Handler upgrades stream connections and fans kernel events out to them.
type Handler struct {
	bus     *events.Bus
	metrics *monitoring.Metrics
	log     *logging.Logger
}

// NewHandler creates a stream handler. metrics may be nil.
func NewHandler(bus *events.Bus, metrics *monitoring.Metrics, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{
		bus:     bus,
		metrics: metrics,
		log:     log.WithComponent("stream"),
	}
}

// clientMessage is the inbound frame shape; only Type carries meaning.
type clientMessage struct {
	Type string `json:"type"`
}

// HandleConnection upgrades the request and serves the event feed until
// the client disconnects. All writes happen on this goroutine; the read
// loop only funnels client frames here.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	sub := h.bus.Subscribe()
	defer sub.Close()

	requests := make(chan string, 8)
	done := make(chan struct{})
	go h.readLoop(conn, requests, done)

	if err := h.send(conn, map[string]any{"type": "system", "message": "event stream connected"}); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.send(conn, map[string]any{"type": "event", "event": ev}); err != nil {
				return
			}
			if h.metrics != nil {
				h.metrics.RecordWSMessage("out", ev.Kind.String())
			}
		case req := <-requests:
			switch req {
			case "ping":
				if err := h.send(conn, map[string]any{"type": "pong"}); err != nil {
					return
				}
			default:
				if err := h.sendError(conn, "unknown message type"); err != nil {
					return
				}
			}
		case <-done:
			return
		}
	}
}

// readLoop drains client frames until the connection drops. Malformed
// frames funnel through with an empty type and draw an error reply.
func (h *Handler) readLoop(conn *websocket.Conn, requests chan<- string, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			msg.Type = ""
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage("in", msg.Type)
		}

		select {
		case requests <- msg.Type:
		default:
			// Control frames are advisory; a full funnel drops them.
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, data any) error {
	raw, err := sonic.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (h *Handler) sendError(conn *websocket.Conn, msg string) error {
	return h.send(conn, map[string]any{"type": "error", "message": msg})
}
