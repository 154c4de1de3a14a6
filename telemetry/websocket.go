package telemetry

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebsocketHandler streams hub events to websocket clients as JSON
type WebsocketHandler struct {
	Hub *Hub
	Log *zap.Logger
}

// ServeHTTP upgrades the connection and streams until the client leaves
func (h WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := h.Hub.Subscribe()
	defer cancel()

	// the read side only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Debug("websocket read", zap.Error(err))
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("websocket write", zap.Error(err))
				return
			}
		}
	}
}
