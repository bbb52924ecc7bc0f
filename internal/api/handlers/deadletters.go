package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-realtime-go/pkg/utils"
)

// GetDeadLetters lists dead letters, newest first. scope=cluster reads
// every instance's entries from the persistence mirror.
func (h *Handlers) GetDeadLetters(c *gin.Context) {
	limit := listLimit(c)

	if c.Query("scope") == "cluster" {
		entries, err := h.svc.ListClusterDeadLetters(c.Request.Context(), limit)
		if err != nil {
			h.log.WithError(err).Warn("Failed to list cluster dead letters")
			utils.SendError(c, http.StatusBadGateway, "Failed to read mirrored dead letters")
			return
		}
		utils.SendSuccessWithMeta(c, entries, gin.H{"count": len(entries), "scope": "cluster"})
		return
	}

	entries := h.svc.ListDeadLetters(limit)
	utils.SendSuccessWithMeta(c, entries, gin.H{
		"count":    len(entries),
		"scope":    "local",
		"instance": h.svc.InstanceID(),
	})
}

// RequeueDeadLetter puts a dead-lettered message back on its queue
func (h *Handlers) RequeueDeadLetter(c *gin.Context) {
	id, err := h.svc.RequeueDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendStatus(c, http.StatusAccepted, gin.H{"message_id": id})
}
