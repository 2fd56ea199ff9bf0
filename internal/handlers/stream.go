package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/rife-worker/internal/events"
	"github.com/oremus-labs/rife-worker/internal/store"
)

const keepAliveInterval = 15 * time.Second

// StreamEvents relays bus events as server-sent events. ?job= limits the
// stream to one job; ?type= to an event type prefix such as job.log.
func (h *Handler) StreamEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "event stream is disabled"})
		return
	}
	ctx := c.Request.Context()
	ch, cancel, err := h.events.Subscribe(ctx, c.Query("type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer cancel()
	jobID := c.Query("job")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			if jobID != "" && eventJobID(evt) != jobID {
				return true
			}
			c.SSEvent(evt.Type, evt)
			return true
		}
	})
}

func eventJobID(evt events.Event) string {
	switch data := evt.Data.(type) {
	case store.Job:
		return data.ID
	case *store.Job:
		return data.ID
	case map[string]interface{}:
		if id, ok := data["jobId"].(string); ok {
			return id
		}
		if id, ok := data["id"].(string); ok {
			return id
		}
	}
	return ""
}
