package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"msgpilot/internal/bot"
	"msgpilot/internal/middleware"
	"msgpilot/internal/model"
	"msgpilot/internal/store"
)

type CommandsHandler struct {
	Store    *store.Store
	Registry *bot.Registry
}

func (h *CommandsHandler) List(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	cmds, err := h.Store.Commands(c.Request.Context(), identityKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Command lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

type commandBody struct {
	Trigger    string `json:"trigger"`
	Text       string `json:"text" binding:"required"`
	IntervalMs int64  `json:"interval"`
	MinDelayMs int64  `json:"minDelay"`
	MaxDelayMs int64  `json:"maxDelay"`
	Type       string `json:"type"`
}

func (b commandBody) valid() bool {
	if b.IntervalMs < 0 || b.MinDelayMs < 0 {
		return false
	}
	return b.MaxDelayMs == 0 || b.MaxDelayMs >= b.MinDelayMs
}

func (b commandBody) toModel() model.Command {
	return model.Command{
		Trigger:    b.Trigger,
		Text:       b.Text,
		IntervalMs: b.IntervalMs,
		MinDelayMs: b.MinDelayMs,
		MaxDelayMs: b.MaxDelayMs,
		Type:       b.Type,
	}
}

func (h *CommandsHandler) Add(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)

	var body commandBody
	if err := c.ShouldBindJSON(&body); err != nil || !body.valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	cmds, err := h.Store.AddCommand(c.Request.Context(), identityKey, body.toModel())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Command save failed"})
		return
	}
	if !h.refreshTimers(c, identityKey) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

// SetAll replaces the whole command list in one call.
func (h *CommandsHandler) SetAll(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)

	var bodies []commandBody
	if err := c.ShouldBindJSON(&bodies); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	cmds := make([]model.Command, 0, len(bodies))
	for _, b := range bodies {
		if b.Text == "" || !b.valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		cmds = append(cmds, b.toModel())
	}

	if err := h.Store.SaveCommands(c.Request.Context(), identityKey, cmds); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Command save failed"})
		return
	}
	if !h.refreshTimers(c, identityKey) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

func (h *CommandsHandler) Update(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	index, ok := commandIndex(c)
	if !ok {
		return
	}

	var body commandBody
	if err := c.ShouldBindJSON(&body); err != nil || !body.valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	cmds, err := h.Store.UpdateCommand(c.Request.Context(), identityKey, index, body.toModel())
	if err != nil {
		if errors.Is(err, store.ErrInvalidIndex) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No such command"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Command save failed"})
		return
	}
	if !h.refreshTimers(c, identityKey) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

func (h *CommandsHandler) Delete(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	index, ok := commandIndex(c)
	if !ok {
		return
	}

	cmds, err := h.Store.DeleteCommand(c.Request.Context(), identityKey, index)
	if err != nil {
		if errors.Is(err, store.ErrInvalidIndex) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No such command"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Command delete failed"})
		return
	}
	if !h.refreshTimers(c, identityKey) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

// refreshTimers re-derives the live timer set after a mutation. A session
// that is not running has nothing to refresh. Reports whether the caller
// should keep going.
func (h *CommandsHandler) refreshTimers(c *gin.Context, identityKey string) bool {
	pilot := h.Registry.Get(identityKey)
	if pilot == nil {
		return true
	}
	if err := pilot.RebuildTimers(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Timer refresh failed"})
		return false
	}
	return true
}

func commandIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid command index"})
		return 0, false
	}
	return index, true
}
