package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type realtimeEventPayload struct {
	DocumentID string    `json:"document_id"`
	Version    int64     `json:"version"`
	EditedBy   string    `json:"edited_by,omitempty"`
	ChangeType string    `json:"change_type,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
}

// handleDocumentEvents streams document-change events for one document as Server-Sent Events.
func (h *httpHandler) handleDocumentEvents(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	current, err := h.documents.Get(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "events", err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, documentID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(realtimeEventReady, realtimeEventPayload{
		DocumentID: current.ID,
		Version:    current.Version,
		Timestamp:  time.Now().UTC(),
		Source:     realtimeSourceBackend,
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("realtime stream opened",
		zap.String("document_id", documentID.String()),
		zap.String("actor_id", c.GetString(actorIDContextKey)))

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				DocumentID: message.DocumentID,
				Version:    message.Version,
				EditedBy:   message.EditedBy,
				ChangeType: message.ChangeType,
				Summary:    message.Summary,
				Timestamp:  message.Timestamp,
				Source:     realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				DocumentID: documentID.String(),
				Timestamp:  tick.UTC(),
				Source:     realtimeSourceBackend,
			})
			return true
		}
	})
}
