// Package handler holds the gin HTTP handlers of the control API.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"msgpilot/internal/auth"
	"msgpilot/internal/middleware"
	"msgpilot/internal/remote"
	"msgpilot/internal/store"
)

type AuthHandler struct {
	Store          *store.Store
	TokenConfig    auth.TokenConfig
	Dial           remote.Dialer
	ConnectTimeout time.Duration
}

type registerBody struct {
	Credential string `json:"token" binding:"required"`
}

// Register validates a credential with a one-time login, then stores the
// account and hands back a fresh API key. The validation session is torn
// down immediately; registration never leaves a connection running.
func (h *AuthHandler) Register(c *gin.Context) {
	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sess := h.Dial(body.Credential)
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.ConnectTimeout)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		_ = sess.Close()
		if errors.Is(err, remote.ErrAuthFailed) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Credential rejected by the platform"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Could not reach the platform"})
		return
	}
	identityKey := sess.SelfID()
	displayName := sess.SelfName()
	_ = sess.Close()

	apiKey, err := h.Store.CreateIdentity(c.Request.Context(), identityKey, displayName, body.Credential)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyRegistered) {
			c.JSON(http.StatusConflict, gin.H{"error": "Account already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Registration failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"apiKey":      apiKey,
		"identityKey": identityKey,
		"displayName": displayName,
	})
}

// Verify confirms the caller's API key resolves to a registered account.
func (h *AuthHandler) Verify(c *gin.Context) {
	identityKey, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		return
	}
	ident, err := h.Store.IdentityByKey(c.Request.Context(), identityKey)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identityKey": ident.ID,
		"displayName": ident.DisplayName,
		"createdAt":   ident.CreatedAt,
	})
}

// Token exchanges an authenticated request for a short-lived bearer token,
// which the websocket endpoint requires.
func (h *AuthHandler) Token(c *gin.Context) {
	identityKey, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		return
	}
	token, err := auth.CreateToken(identityKey, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
