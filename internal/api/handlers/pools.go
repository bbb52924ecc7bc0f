package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
	"github.com/frostdev-ops/pma-realtime-go/pkg/errors"
	"github.com/frostdev-ops/pma-realtime-go/pkg/utils"
)

// CreatePoolRequest provisions a pool; zero values take the defaults
type CreatePoolRequest struct {
	Name                string `json:"name" binding:"required"`
	MaxConnections      int    `json:"max_connections"`
	ConnectionTimeoutMs int64  `json:"connection_timeout_ms"`
	IdleTimeoutMs       int64  `json:"idle_timeout_ms"`
}

// GetConnectionPools lists every pool, inactive ones included
func (h *Handlers) GetConnectionPools(c *gin.Context) {
	pools := h.svc.ListPools()
	utils.SendSuccessWithMeta(c, pools, gin.H{"count": len(pools)})
}

// CreateConnectionPool provisions a new connection pool
func (h *Handlers) CreateConnectionPool(c *gin.Context) {
	var request CreatePoolRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.SendAppError(c, errors.WithDetails(errors.ErrBadRequest, err.Error()))
		return
	}

	var opts []delivery.PoolOption
	if request.MaxConnections != 0 {
		opts = append(opts, delivery.WithMaxConnections(request.MaxConnections))
	}
	if request.ConnectionTimeoutMs != 0 {
		opts = append(opts, delivery.WithConnectionTimeout(time.Duration(request.ConnectionTimeoutMs)*time.Millisecond))
	}
	if request.IdleTimeoutMs != 0 {
		opts = append(opts, delivery.WithIdleTimeout(time.Duration(request.IdleTimeoutMs)*time.Millisecond))
	}

	pool, err := h.svc.CreatePool(request.Name, opts...)
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendStatus(c, http.StatusCreated, pool)
}

// GetConnectionPool returns one pool's status
func (h *Handlers) GetConnectionPool(c *gin.Context) {
	poolID := c.Param("id")
	pool, ok := h.svc.GetConnectionPoolStatus(poolID)
	if !ok {
		utils.SendAppError(c, errors.Detailf(errors.ErrPoolNotFound, "pool %s", poolID))
		return
	}
	utils.SendSuccess(c, pool)
}

// DeactivateConnectionPool stops a pool from admitting connections
func (h *Handlers) DeactivateConnectionPool(c *gin.Context) {
	pool, err := h.svc.DeactivatePool(c.Param("id"))
	if err != nil {
		utils.SendAppError(c, err)
		return
	}
	utils.SendSuccess(c, pool)
}
