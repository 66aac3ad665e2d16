package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/notify"
	"github.com/gin-gonic/gin"
)

// handleEvents streams notify events as server-sent events until the client goes away.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(notify.EventHeartbeat, notify.Event{Type: notify.EventHeartbeat, Timestamp: tick.UTC()})
			return true
		}
	})
}
