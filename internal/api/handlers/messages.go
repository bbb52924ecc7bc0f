package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
	"github.com/frostdev-ops/pma-realtime-go/pkg/errors"
	"github.com/frostdev-ops/pma-realtime-go/pkg/utils"
)

// QueueMessageRequest is the producer payload for POST /messages. Priority
// is a class name; when omitted the queue's priority applies.
type QueueMessageRequest struct {
	QueueID     string          `json:"queue_id"`
	Type        string          `json:"type" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	TargetUsers []string        `json:"target_users"`
	TargetRooms []string        `json:"target_rooms"`
	Priority    string          `json:"priority"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	MaxRetries  *int            `json:"max_retries"`
}

// QueueMessage accepts a message for asynchronous delivery
func (h *Handlers) QueueMessage(c *gin.Context) {
	var request QueueMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.SendAppError(c, errors.WithDetails(errors.ErrBadRequest, err.Error()))
		return
	}

	req := delivery.EnqueueRequest{
		QueueID:     request.QueueID,
		Type:        request.Type,
		Payload:     delivery.Payload(request.Payload),
		TargetUsers: request.TargetUsers,
		TargetRooms: request.TargetRooms,
		ScheduledAt: request.ScheduledAt,
		MaxRetries:  request.MaxRetries,
	}
	if request.Priority != "" {
		priority, err := delivery.ParsePriority(request.Priority)
		if err != nil {
			utils.SendAppError(c, errors.WithDetails(errors.ErrBadRequest, err.Error()))
			return
		}
		req.Priority = &priority
	}

	id, err := h.svc.Enqueue(c.Request.Context(), req)
	if err != nil {
		h.log.WithFields(logrus.Fields{
			"type":     request.Type,
			"queue_id": request.QueueID,
		}).WithError(err).Debug("Producer message rejected")
		utils.SendAppError(c, err)
		return
	}

	utils.SendStatus(c, http.StatusAccepted, gin.H{"message_id": id})
}

// GetRecentDeliveries lists delivered messages still held in history
func (h *Handlers) GetRecentDeliveries(c *gin.Context) {
	deliveries := h.svc.RecentDeliveries(listLimit(c))
	utils.SendSuccessWithMeta(c, deliveries, gin.H{"count": len(deliveries)})
}
