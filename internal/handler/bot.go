package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"msgpilot/internal/bot"
	"msgpilot/internal/logging"
	"msgpilot/internal/middleware"
	"msgpilot/internal/remote"
	"msgpilot/internal/store"
)

type BotHandler struct {
	Store    *store.Store
	Registry *bot.Registry
	LogRing  *logging.Ring
}

// Status reports the session view: connection, latency, toggles and the
// persisted challenge lock. Works whether or not the session is up.
func (h *BotHandler) Status(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)

	st, err := h.Registry.Status(c.Request.Context(), identityKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Status lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connected":   st.Connected,
		"displayName": st.DisplayName,
		"latencyMs":   st.Stats.LatencyMs,
		"uptimeMs":    st.Stats.Uptime.Milliseconds(),
		"peers":       st.Stats.PeerCount,
		"features":    st.Features,
		"captcha": gin.H{
			"active":      st.Challenge.Active,
			"updatedAt":   st.Challenge.UpdatedAt,
			"hasEvidence": len(st.Challenge.Evidence) > 0,
		},
	})
}

// Start brings the caller's session online, or re-arms automation when it
// already is.
func (h *BotHandler) Start(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)

	pilot, err := h.Registry.GetOrCreate(c.Request.Context(), identityKey, true)
	if err != nil {
		switch {
		case errors.Is(err, remote.ErrAuthFailed), errors.Is(err, remote.ErrZombie):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Credential no longer valid"})
		case errors.Is(err, remote.ErrConnectTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Platform did not respond in time"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "Session start failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true, "displayName": pilot.SelfName()})
}

// Stop pauses automation but keeps the session connected.
func (h *BotHandler) Stop(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	if !h.Registry.Suspend(identityKey) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session is not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// Disconnect tears the session down entirely.
func (h *BotHandler) Disconnect(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	h.Registry.Stop(identityKey)
	c.JSON(http.StatusOK, gin.H{"disconnected": true})
}

type featuresBody struct {
	Sending *bool `json:"messages"`
	Click   *bool `json:"click"`
}

// Features applies partial toggle updates on a running session.
func (h *BotHandler) Features(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	pilot := h.Registry.Get(identityKey)
	if pilot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session is not running"})
		return
	}

	var body featuresBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"features": pilot.SetFeatures(body.Sending, body.Click)})
}

type sendMessageBody struct {
	ChannelID string `json:"channelId"`
	Text      string `json:"text" binding:"required"`
}

// SendMessage is the manual send path. A challenge lock turns it into 423 so
// clients can distinguish "locked" from "failed".
func (h *BotHandler) SendMessage(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	pilot := h.Registry.Get(identityKey)
	if pilot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session is not running"})
		return
	}

	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	channelID := body.ChannelID
	if channelID == "" {
		settings, err := h.Store.Settings(c.Request.Context(), identityKey)
		if err != nil || settings.ChannelID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No channel configured"})
			return
		}
		channelID = settings.ChannelID
	}

	if err := pilot.SendMessage(c.Request.Context(), channelID, body.Text); err != nil {
		switch {
		case errors.Is(err, bot.ErrChallengeLocked):
			c.JSON(http.StatusLocked, gin.H{"error": "Challenge lock active, solve the captcha first"})
		case errors.Is(err, remote.ErrChannelUnavailable):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Channel unavailable"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "Send failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

type solveBody struct {
	Solution  string `json:"solution" binding:"required"`
	ChannelID string `json:"channelId"`
}

// SolveCaptcha submits an operator-typed solution. Allowed while locked;
// the lock only clears when the platform confirms.
func (h *BotHandler) SolveCaptcha(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	pilot := h.Registry.Get(identityKey)
	if pilot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session is not running"})
		return
	}

	var body solveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := pilot.SolveChallenge(c.Request.Context(), body.Solution, body.ChannelID); err != nil {
		switch {
		case errors.Is(err, bot.ErrNoChannel):
			c.JSON(http.StatusBadRequest, gin.H{"error": "No channel configured"})
		case errors.Is(err, remote.ErrChannelUnavailable):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Channel unavailable"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "Send failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"submitted": true})
}

// CaptchaImage serves the stored challenge evidence for the operator to look
// at while typing the solution.
func (h *BotHandler) CaptchaImage(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	state, err := h.Store.ChallengeState(c.Request.Context(), identityKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Challenge state lookup failed"})
		return
	}
	if len(state.Evidence) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No challenge image stored"})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(state.Evidence), state.Evidence)
}

// Stats returns per-command usage counts, most used first.
func (h *BotHandler) Stats(c *gin.Context) {
	identityKey, _ := middleware.IdentityFromContext(c)
	stats, err := h.Store.CommandStats(c.Request.Context(), identityKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Stats lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// Logs returns recent process log entries; ?since filters to entries newer
// than a unix-millis timestamp.
func (h *BotHandler) Logs(c *gin.Context) {
	var since int64
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since parameter"})
			return
		}
		since = parsed
	}
	c.JSON(http.StatusOK, gin.H{"logs": h.LogRing.Since(since)})
}
