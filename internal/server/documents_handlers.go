package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/scriptsync/backend/internal/resolution"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	writeStatusAccepted   = "accepted"
	writeStatusConflicted = "conflicted"
)

type createRequestPayload struct {
	ID     string           `json:"id"`
	Fields documents.Fields `json:"fields"`
}

type writeRequestPayload struct {
	ExpectedVersion int64            `json:"expected_version"`
	Fields          documents.Fields `json:"fields"`
	BaseFields      documents.Fields `json:"base_fields"`
	Delete          bool             `json:"delete"`
}

type resolveRequestPayload struct {
	Strategy       string           `json:"strategy" binding:"required"`
	CurrentVersion int64            `json:"current_version"`
	YourVersion    int64            `json:"your_version"`
	Fields         documents.Fields `json:"fields"`
}

type documentResponsePayload struct {
	Document documents.Document `json:"document"`
}

type writeResponsePayload struct {
	Status   string                     `json:"status"`
	Version  int64                      `json:"version"`
	Document documents.Document         `json:"document"`
	Entry    *documents.AuditLogEntry   `json:"entry,omitempty"`
	Conflict *documents.ConflictDetails `json:"conflict,omitempty"`
}

type resolveResponsePayload struct {
	Strategy    string                     `json:"strategy"`
	WriteIssued bool                       `json:"write_issued"`
	Status      string                     `json:"status"`
	Document    documents.Document         `json:"document"`
	Conflict    *documents.ConflictDetails `json:"conflict,omitempty"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	createRequest := documents.CreateRequest{Actor: actorID, Fields: request.Fields}
	if request.ID != "" {
		documentID, err := documents.NewDocumentID(request.ID)
		if err != nil {
			h.respondError(c, "create", err)
			return
		}
		createRequest.DocumentID = documentID
	}

	result, err := h.documents.Create(c.Request.Context(), createRequest)
	if err != nil {
		h.respondError(c, "create", err)
		return
	}
	h.publishAccepted(result)
	c.JSON(http.StatusCreated, documentResponsePayload{Document: result.Document})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	document, err := h.documents.Get(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, documentResponsePayload{Document: document})
}

func (h *httpHandler) handleWriteDocument(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request writeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	expectedVersion, err := documents.NewVersion(request.ExpectedVersion)
	if err != nil {
		h.respondError(c, "write", err)
		return
	}

	result, err := h.documents.Write(c.Request.Context(), documents.WriteRequest{
		DocumentID:      documentID,
		Actor:           actorID,
		ExpectedVersion: expectedVersion,
		Fields:          request.Fields,
		BaseFields:      request.BaseFields,
		Delete:          request.Delete,
	})
	if err != nil {
		h.respondError(c, "write", err)
		return
	}
	if !result.Accepted {
		c.JSON(http.StatusConflict, writeResponsePayload{
			Status:   writeStatusConflicted,
			Version:  result.Version(),
			Document: result.Document,
			Conflict: result.Conflict,
		})
		return
	}
	h.publishAccepted(result)
	c.JSON(http.StatusOK, writeResponsePayload{
		Status:   writeStatusAccepted,
		Version:  result.Version(),
		Document: result.Document,
		Entry:    result.Entry,
	})
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	strategy, err := resolution.ParseStrategy(request.Strategy)
	if err != nil {
		h.respondError(c, "resolve", err)
		return
	}

	current, err := h.documents.Get(c.Request.Context(), documentID)
	if err != nil {
		h.respondError(c, "resolve", err)
		return
	}
	// The server snapshot doubles as the conflict base only while it still matches the version
	// the editor saw; otherwise the store rebuilds the base from the audit log.
	server := current
	if current.Version != request.CurrentVersion {
		server = documents.Document{ID: current.ID, Version: request.CurrentVersion}
	}

	outcome, err := h.resolver.Resolve(c.Request.Context(), resolution.Request{
		Strategy:   strategy,
		DocumentID: documentID,
		Actor:      actorID,
		Conflict: documents.ConflictDetails{
			CurrentVersion: request.CurrentVersion,
			YourVersion:    request.YourVersion,
		},
		Local:  request.Fields,
		Server: server,
	})
	if err != nil {
		h.respondError(c, "resolve", err)
		return
	}

	if !outcome.WriteIssued {
		c.JSON(http.StatusOK, resolveResponsePayload{
			Strategy: string(outcome.Strategy),
			Status:   writeStatusAccepted,
			Document: current,
		})
		return
	}
	if outcome.Result != nil && !outcome.Result.Accepted {
		h.logger.Info("conflict resolution lost another race",
			zap.String("document_id", documentID.String()),
			zap.String("actor_id", actorID.String()),
			zap.String("strategy", string(outcome.Strategy)))
		c.JSON(http.StatusConflict, resolveResponsePayload{
			Strategy:    string(outcome.Strategy),
			WriteIssued: true,
			Status:      writeStatusConflicted,
			Document:    outcome.Document,
			Conflict:    outcome.Result.Conflict,
		})
		return
	}
	if outcome.Result != nil {
		h.publishAccepted(*outcome.Result)
	}
	c.JSON(http.StatusOK, resolveResponsePayload{
		Strategy:    string(outcome.Strategy),
		WriteIssued: true,
		Status:      writeStatusAccepted,
		Document:    outcome.Document,
	})
}
