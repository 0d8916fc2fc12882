package handler

import (
	"net/http"
	"time"

	"github.com/banditlabs/bandgate/internal/pkg/logger"
	"github.com/banditlabs/bandgate/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth happens in the middleware chain; the origin is not a trust
	// boundary for a read-only feed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FeedHandler streams appended audit records to websocket subscribers.
type FeedHandler struct {
	hub *service.FeedHub
}

func NewFeedHandler(hub *service.FeedHub) *FeedHandler {
	return &FeedHandler{hub: hub}
}

// Feed handles GET /v1/experiments/:id/feed
func (h *FeedHandler) Feed(c *gin.Context) {
	experimentID := c.Param("id")

	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := h.hub.Subscribe(experimentID)
	defer h.hub.Unsubscribe(sub)
	defer conn.Close()

	// Reader goroutine only to observe the close handshake
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-sub.Records():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
