package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"msgpilot/internal/fleet"
	"msgpilot/internal/middleware"
	"msgpilot/internal/model"
	"msgpilot/internal/remote"
	"msgpilot/internal/store"
)

type SpamHandler struct {
	Store *store.Store
	Fleet *fleet.Manager
}

func (h *SpamHandler) List(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	workers, err := h.Store.Workers(c.Request.Context(), identityKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Worker lookup failed"})
		return
	}

	out := make([]gin.H, 0, len(workers))
	for _, w := range workers {
		out = append(out, gin.H{
			"id":          w.ID,
			"displayName": w.DisplayName,
			"config":      w.Config,
			"active":      w.Active,
			"running":     h.Fleet.Running(w.ID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"workers": out})
}

type addWorkerBody struct {
	Credential string `json:"token" binding:"required"`
}

func (h *SpamHandler) Add(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)

	var body addWorkerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	id, err := h.Store.AddWorker(c.Request.Context(), identityKey, body.Credential)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Worker save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "config": store.DefaultWorkerConfig()})
}

func (h *SpamHandler) Delete(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	id, ok := workerID(c)
	if !ok {
		return
	}

	// A running worker goes down before its row goes away.
	if h.Fleet.Running(id) {
		if err := h.Fleet.Stop(c.Request.Context(), identityKey, id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Worker stop failed"})
			return
		}
	}
	if err := h.Store.DeleteWorker(c.Request.Context(), identityKey, id); err != nil {
		if errors.Is(err, store.ErrWorkerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No such worker"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Worker delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *SpamHandler) Start(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	id, ok := workerID(c)
	if !ok {
		return
	}

	err := h.Fleet.Start(c.Request.Context(), identityKey, id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"running": true})
	case errors.Is(err, fleet.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "Worker already running"})
	case errors.Is(err, store.ErrWorkerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "No such worker"})
	case errors.Is(err, fleet.ErrNoChannels):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No reachable channels configured"})
	case errors.Is(err, remote.ErrAuthFailed):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Worker credential rejected"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "Worker start failed"})
	}
}

func (h *SpamHandler) Stop(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	id, ok := workerID(c)
	if !ok {
		return
	}

	if err := h.Fleet.Stop(c.Request.Context(), identityKey, id); err != nil {
		if errors.Is(err, store.ErrWorkerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No such worker"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Worker stop failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": false})
}

// SetConfig replaces a worker's config. A running worker keeps its old
// settings until restarted.
func (h *SpamHandler) SetConfig(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	id, ok := workerID(c)
	if !ok {
		return
	}

	var cfg model.WorkerConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if cfg.MinDelayMs > 0 && cfg.MaxDelayMs < cfg.MinDelayMs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "maxDelay must be at least minDelay"})
		return
	}

	if err := h.Store.SetWorkerConfig(c.Request.Context(), identityKey, id, cfg); err != nil {
		if errors.Is(err, store.ErrWorkerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No such worker"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Worker config save failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

type broadcastBody struct {
	TargetID string `json:"targetId" binding:"required"`
}

// Broadcast fires the targeting command from every worker the caller owns.
func (h *SpamHandler) Broadcast(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)

	var body broadcastBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	delivered, err := h.Fleet.BroadcastToTarget(c.Request.Context(), identityKey, body.TargetID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Broadcast failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

func workerID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid worker id"})
		return 0, false
	}
	return id, true
}
