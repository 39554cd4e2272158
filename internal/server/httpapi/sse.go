package httpapi

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 15 * time.Second

// streamEvents serves the per-session transition feed over server-sent
// events. The first event is a progress snapshot so a late subscriber does
// not start blind; transitions follow as they happen.
func (s *Server) streamEvents(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, ok := s.ownedSession(c, sessionID); !ok {
		return
	}

	events, cancel := s.hub.Subscribe(sessionID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	if record, err := s.registry.Progress(c.Request.Context(), sessionID); err == nil {
		c.SSEvent("progress", record)
		c.Writer.Flush()
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("transition", event)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
