package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	pingPeriod   = 25 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	streamBuffer = 256
)

// newUpgrader accepts websocket handshakes only from origins p allows.
func newUpgrader(p *originPolicy) *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		CheckOrigin: func(r *http.Request) bool {
			return p.allows(r.Header.Get("Origin"))
		},
	}
}

// streamEvents forwards every lab event to the client as {"topic", "payload"}.
func (h *handler) streamEvents(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnw("Websocket upgrade failed", "error", err, "ip", c.ClientIP())
		return
	}
	defer conn.Close()

	events, unsubscribe := h.svc.Events().Subscribe(streamBuffer)
	defer unsubscribe()

	h.log.Infow("Event stream opened", "ip", c.ClientIP())
	defer h.log.Infow("Event stream closed", "ip", c.ClientIP())

	// The reader only services control frames and notices the client leaving.
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debugw("Event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
