package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Brownie44l1/cloudai/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 5 * time.Second

// Events streams hub events to a WebSocket client, starting with the current
// model state. Session-scoped events reach only the client presenting that
// session's cookie; model and drop directory events reach everyone.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	mine := sessionID(r)
	ch, cancel := h.hub.Subscribe()
	defer cancel()

	// The client never sends anything we use; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	hello := events.Event{Type: events.TypeModel, Model: string(h.model.State()), Time: time.Now()}
	if err := writeEvent(conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !ev.VisibleTo(mine) {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				h.logger.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
