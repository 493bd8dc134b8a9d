package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/freedkr/docgather/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WatchEvent is one push frame on the /queue/watch feed: the document's
// current lifecycle state plus its full process history, re-sent whenever
// either changes.
type WatchEvent struct {
	DocumentID     string                    `json:"documentId"`
	Status         model.DocumentStatus      `json:"status"`
	ProcessStatus  model.ProcessStatus       `json:"processStatus"`
	ProcessHistory []model.ProcessStepRecord `json:"processHistory"`
	Terminal       bool                      `json:"terminal"`
}

// Watch upgrades the request to a WebSocket and streams process-history
// updates for one document until it reaches a terminal status or the
// client disconnects.
func (h *Handlers) Watch(c *gin.Context) {
	documentID := c.Param("documentId")
	if documentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "documentId必填"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket升级失败: %v", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	lastHistoryLen := -1
	var lastStatus model.DocumentStatus
	for {
		doc, err := h.db.GetDocument(ctx, documentID)
		if err != nil {
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
			return
		}
		if doc == nil {
			_ = conn.WriteJSON(gin.H{"error": "文档不存在"})
			return
		}

		if len(doc.ProcessHistory) != lastHistoryLen || doc.Status != lastStatus {
			lastHistoryLen = len(doc.ProcessHistory)
			lastStatus = doc.Status
			event := WatchEvent{
				DocumentID:     doc.ID,
				Status:         doc.Status,
				ProcessStatus:  doc.ProcessStatus,
				ProcessHistory: doc.ProcessHistory,
				Terminal:       doc.IsTerminal(),
			}
			if err := conn.WriteJSON(event); err != nil {
				log.Printf("WebSocket发送失败 [%s]: %v", documentID, err)
				return
			}
		}

		if doc.IsTerminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
