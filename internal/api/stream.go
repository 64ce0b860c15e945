package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"redpocket2mqtt/internal/auth"
	"redpocket2mqtt/internal/integration"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second
	streamBuffer     = 32
)

// StreamMessage is one message on the refresh stream
type StreamMessage struct {
	Type   string                  `json:"type"` // "snapshot" or "update"
	Lines  []LineView              `json:"lines,omitempty"`
	Update *integration.LineUpdate `json:"update,omitempty"`
}

// StreamHandler streams coordinator refreshes over WebSocket
type StreamHandler struct {
	manager      *integration.Manager
	wsTokenStore *auth.WSTokenStore
	logger       *log.Logger
	upgrader     websocket.Upgrader
}

// NewStreamHandler creates new stream handler
func NewStreamHandler(manager *integration.Manager, wsTokenStore *auth.WSTokenStore, logger *log.Logger) *StreamHandler {
	h := &StreamHandler{
		manager:      manager,
		wsTokenStore: wsTokenStore,
		logger:       logger,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// checkOrigin validates the WebSocket connection using the one-time ws_token
func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	token := r.URL.Query().Get("ws_token")
	if token == "" {
		h.logger.Printf("WebSocket rejected: missing ws_token")
		return false
	}

	user, valid := h.wsTokenStore.Validate(token)
	if !valid {
		h.logger.Printf("WebSocket rejected: invalid or expired ws_token")
		return false
	}

	h.logger.Printf("WebSocket connection authorized for user: %s", user.Username)
	return true
}

// Connect handles GET /api/ws?ws_token=
// It sends a snapshot of all lines, then one message per refresh.
func (h *StreamHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	updates := make(chan integration.LineUpdate, streamBuffer)
	unsubscribe := h.manager.Subscribe(func(u integration.LineUpdate) {
		select {
		case updates <- u:
		default:
			// Slow client, drop
		}
	})
	defer unsubscribe()

	snapshot := StreamMessage{Type: "snapshot", Lines: []LineView{}}
	if entry := h.manager.Entry(); entry != nil {
		for _, line := range entry.Lines {
			snapshot.Lines = append(snapshot.Lines, lineView(entry, line))
		}
	}
	ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := ws.WriteJSON(snapshot); err != nil {
		return
	}

	// Reader: handles pongs and detects close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadDeadline(time.Now().Add(streamPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case u := <-updates:
			ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteJSON(StreamMessage{Type: "update", Update: &u}); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
