package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/services/jobs"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS middleware
	},
}

// WebSocketHandler mirrors the SSE stream over a websocket for clients
// that keep one long-lived connection. Each connection follows exactly
// one job stream.
type WebSocketHandler struct {
	jobs   *jobs.Manager
	bus    interfaces.EventBus
	logger arbor.ILogger
}

func NewWebSocketHandler(jobManager *jobs.Manager, bus interfaces.EventBus, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		jobs:   jobManager,
		bus:    bus,
		logger: logger,
	}
}

// HandleWebSocket upgrades the connection and streams job events as JSON
// frames. The connection closes after a terminal or lagged event.
// GET /ws?job_id={id}&since={seq}
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "job_id query parameter is required")
		return
	}
	if _, err := h.jobs.Get(r.Context(), jobID); err != nil {
		WriteError(w, err)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	sub, err := h.bus.Subscribe(jobID, since)
	if err != nil {
		WriteError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("WebSocket upgrade failed")
		return
	}

	h.logger.Debug().Str("job_id", jobID).Str("remote", r.RemoteAddr).Msg("WebSocket subscriber connected")
	go h.readLoop(conn)
	h.writeLoop(conn, sub, jobID)
}

// readLoop drains client frames so close messages are processed.
func (h *WebSocketHandler) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
	}
}

// writeLoop pushes events until the stream or the connection ends.
func (h *WebSocketHandler) writeLoop(conn *websocket.Conn, sub interfaces.EventSubscription, jobID string) {
	defer func() {
		sub.Cancel()
		conn.Close()
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case event, open := <-sub.C():
			if !open {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug().Err(err).Str("job_id", jobID).Msg("WebSocket write failed")
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
