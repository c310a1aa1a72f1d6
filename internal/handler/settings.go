package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"msgpilot/internal/bot"
	"msgpilot/internal/middleware"
	"msgpilot/internal/model"
	"msgpilot/internal/store"
)

type SettingsHandler struct {
	Store    *store.Store
	Registry *bot.Registry
}

func (h *SettingsHandler) Get(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	settings, err := h.Store.Settings(c.Request.Context(), identityKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Settings lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// Set replaces the whole settings record and applies the changes to the live
// session: timers follow the channel, auto-delete follows its config, and
// the presence activity is pushed when the session is up.
func (h *SettingsHandler) Set(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)

	var settings model.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.Store.SaveSettings(c.Request.Context(), identityKey, settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Settings save failed"})
		return
	}

	if pilot := h.Registry.Get(identityKey); pilot != nil {
		pilot.ApplyAutoDelete(settings.AutoDelete)
		if err := pilot.RebuildTimers(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Timer refresh failed"})
			return
		}
		if err := pilot.ApplyPresence(c.Request.Context(), settings.PresenceEnabled, settings.Presence); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Presence update failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

type presenceBody struct {
	Enabled  bool                 `json:"enabled"`
	Presence model.PresenceConfig `json:"presence"`
}

// SetPresence updates only the presence part of the settings.
func (h *SettingsHandler) SetPresence(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)

	var body presenceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	settings, err := h.Store.Settings(c.Request.Context(), identityKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Settings lookup failed"})
		return
	}
	settings.PresenceEnabled = body.Enabled
	settings.Presence = body.Presence
	if err := h.Store.SaveSettings(c.Request.Context(), identityKey, settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Settings save failed"})
		return
	}

	if pilot := h.Registry.Get(identityKey); pilot != nil {
		if err := pilot.ApplyPresence(c.Request.Context(), body.Enabled, body.Presence); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Presence update failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"presenceEnabled": body.Enabled, "presence": body.Presence})
}

// SetAutoDelete updates only the auto-delete filter.
func (h *SettingsHandler) SetAutoDelete(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)

	var cfg model.AutoDeleteConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	settings, err := h.Store.Settings(c.Request.Context(), identityKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Settings lookup failed"})
		return
	}
	settings.AutoDelete = cfg
	if err := h.Store.SaveSettings(c.Request.Context(), identityKey, settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Settings save failed"})
		return
	}

	if pilot := h.Registry.Get(identityKey); pilot != nil {
		pilot.ApplyAutoDelete(cfg)
	}
	c.JSON(http.StatusOK, gin.H{"autoDelete": cfg})
}
