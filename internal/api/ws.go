package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/conversation"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamState upgrades to a WebSocket and pushes a snapshot on connect and
// after every state change. A slow reader only ever sees the latest
// snapshot; intermediate ones are dropped.
func (h *Handler) streamState(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	latest := make(chan conversation.Snapshot, 1)
	push := func(s conversation.Snapshot) {
		select {
		case latest <- s:
		default:
			select {
			case <-latest:
			default:
			}
			select {
			case latest <- s:
			default:
			}
		}
	}
	off := h.ctrl.OnChange(push)
	defer off()
	push(h.ctrl.Snapshot())

	// The client only sends control frames; reading surfaces its close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case s := <-latest:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(s); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
