package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/enginefarm-io/enginefarm/internal/cluster"
	"github.com/enginefarm-io/enginefarm/internal/hub"
)

// upgrader performs the HTTP to WebSocket protocol upgrade. CheckOrigin
// always returns true; origin validation is the reverse proxy's job in
// deployments that need it.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler handles the WebSocket endpoint GET /api/v1/ws. A WS client is
// a full protocol peer: it receives every broadcast the TCP clients
// receive, and each text message it sends is dispatched as one protocol
// frame, so a browser can submit, query and cancel jobs.
type WSHandler struct {
	cluster *cluster.Server
	logger  *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(cluster *cluster.Server, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		cluster: cluster,
		logger:  logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/ws. It upgrades the connection, joins the
// broadcast hub and runs the read loop until the peer goes away. Outbound
// traffic, pings included, is the hub write pump's job; this loop only
// reads, resets the pong deadline and feeds frames to the dispatcher.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written its error response.
		h.logger.Warn("ws upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	client, err := h.cluster.AttachClient(hub.NewSocketWriter(conn), r.RemoteAddr)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer h.cluster.DetachClient(client, r.RemoteAddr)

	conn.SetReadLimit(cluster.MaxFrameBytes)
	if err := conn.SetReadDeadline(time.Now().Add(hub.PongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(hub.PongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				h.logger.Debug("ws read ended", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		h.cluster.HandleFrame(r.Context(), client, data)
	}
}
