package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
	"github.com/frostdev-ops/pma-realtime-go/pkg/errors"
	"github.com/frostdev-ops/pma-realtime-go/pkg/utils"
)

// CreateQueueRequest provisions a queue; zero values take the per-type
// defaults
type CreateQueueRequest struct {
	Name           string  `json:"name" binding:"required"`
	Type           string  `json:"type" binding:"required"`
	MaxSize        int     `json:"max_size"`
	ProcessingRate float64 `json:"processing_rate"`
	RetryAttempts  *int    `json:"retry_attempts"`
	DLQEnabled     *bool   `json:"dlq_enabled"`
}

// GetMessageQueues lists every queue in creation order
func (h *Handlers) GetMessageQueues(c *gin.Context) {
	queues := h.svc.ListQueues()
	utils.SendSuccessWithMeta(c, queues, gin.H{"count": len(queues)})
}

// CreateMessageQueue provisions a new message queue
func (h *Handlers) CreateMessageQueue(c *gin.Context) {
	var request CreateQueueRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.SendAppError(c, errors.WithDetails(errors.ErrBadRequest, err.Error()))
		return
	}

	var opts []delivery.QueueOption
	if request.MaxSize != 0 {
		opts = append(opts, delivery.WithMaxSize(request.MaxSize))
	}
	if request.ProcessingRate != 0 {
		opts = append(opts, delivery.WithProcessingRate(request.ProcessingRate))
	}
	if request.RetryAttempts != nil {
		opts = append(opts, delivery.WithRetryAttempts(*request.RetryAttempts))
	}
	if request.DLQEnabled != nil {
		opts = append(opts, delivery.WithDLQ(*request.DLQEnabled))
	}

	queue, err := h.svc.CreateQueue(request.Name, delivery.QueueType(request.Type), opts...)
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendStatus(c, http.StatusCreated, queue)
}

// GetMessageQueue returns a queue with the head of its pending messages
func (h *Handlers) GetMessageQueue(c *gin.Context) {
	queueID := c.Param("id")
	status, ok := h.svc.GetMessageQueueStatus(queueID)
	if !ok {
		utils.SendAppError(c, errors.Detailf(errors.ErrQueueNotFound, "queue %s", queueID))
		return
	}
	utils.SendSuccess(c, status)
}
