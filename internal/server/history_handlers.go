package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/history"
	"github.com/gin-gonic/gin"
)

type historyResponsePayload struct {
	Entries    []documents.AuditLogEntry `json:"entries"`
	NextCursor string                    `json:"next_cursor,omitempty"`
	Skipped    int                       `json:"skipped"`
}

type sessionPayload struct {
	history.ActivitySession
	Editor string `json:"editor_display_name"`
}

type sessionsResponsePayload struct {
	Sessions   []sessionPayload `json:"sessions"`
	NextCursor string           `json:"next_cursor,omitempty"`
	Skipped    int              `json:"skipped"`
}

func (h *httpHandler) handleReadHistory(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	page, err := h.documents.ReadHistory(c.Request.Context(), documents.HistoryQuery{
		DocumentID: documentID,
		Limit:      limit,
		Cursor:     c.Query("cursor"),
	})
	if err != nil {
		h.respondError(c, "history", err)
		return
	}
	entries := page.Entries
	if entries == nil {
		entries = []documents.AuditLogEntry{}
	}
	c.JSON(http.StatusOK, historyResponsePayload{
		Entries:    entries,
		NextCursor: page.NextCursor,
		Skipped:    page.Skipped,
	})
}

func (h *httpHandler) handleReadSessions(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	page, err := h.history.Sessions(c.Request.Context(), history.SessionQuery{
		DocumentID: documentID,
		Limit:      limit,
		Cursor:     c.Query("cursor"),
		Order:      history.ParseOrder(c.Query("order")),
	})
	if err != nil {
		h.respondError(c, "sessions", err)
		return
	}
	sessions := make([]sessionPayload, 0, len(page.Sessions))
	for _, session := range page.Sessions {
		sessions = append(sessions, sessionPayload{ActivitySession: session, Editor: session.DisplayName()})
	}
	c.JSON(http.StatusOK, sessionsResponsePayload{
		Sessions:   sessions,
		NextCursor: page.NextCursor,
		Skipped:    page.Skipped,
	})
}

// parseLimit reads the optional limit query parameter; zero lets the store apply its default.
func parseLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return 0, false
	}
	return limit, true
}
