package handlers

import (
	"net/http"
	"time"

	"github.com/freedkr/docgather/internal/database"
	"github.com/freedkr/docgather/internal/orchestrator"
	"github.com/freedkr/docgather/internal/queue"
	"github.com/gin-gonic/gin"
)

// Handlers is the ingress surface: it validates requests, persists the
// document row, and enqueues the orchestrator job. It does not run any
// pipeline logic itself.
type Handlers struct {
	db      *database.Facade
	orch    *orchestrator.Orchestrator
	version string
}

// NewHandlers creates the ingress handler set.
func NewHandlers(db *database.Facade, orch *orchestrator.Orchestrator, version string) *Handlers {
	return &Handlers{db: db, orch: orch, version: version}
}

// Health reports process liveness, no dependency checks.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":   h.version,
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// Wake is a no-op ping used to bring a scaled-to-zero deployment back up.
func (h *Handlers) Wake(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "awake",
		"version": h.version,
	})
}

// QueueRequest is the body accepted by POST /queue.
type QueueRequest struct {
	DocumentID       string `json:"documentId" binding:"required"`
	OwnerID          string `json:"ownerId" binding:"required"`
	MimeType         string `json:"mimeType" binding:"required"`
	OriginalFileID   string `json:"originalFileId" binding:"required"`
	OriginalPath     string `json:"originalPath" binding:"required"`
	OriginalFilename string `json:"originalFilename" binding:"required"`
	Source           string `json:"source"`
	Priority         int    `json:"priority"`
}

// Queue creates the document row (idempotently) and enqueues the
// orchestrator job that drives it through the pipeline.
func (h *Handlers) Queue(c *gin.Context) {
	var req QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.db.CreateDocument(ctx, req.DocumentID, req.OwnerID, req.Priority); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	if err := h.orch.EnqueueOrchestrator(ctx, req.DocumentID, req.OwnerID, req.MimeType, req.OriginalFileID, req.OriginalPath, req.OriginalFilename, req.Source); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"jobId":      queue.OrchestratorJobID(req.DocumentID),
		"documentId": req.DocumentID,
		"mimeType":   req.MimeType,
	})
}
