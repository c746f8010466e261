package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fedora-infra/fas-openid/internal/authmod"
	passwordmod "github.com/fedora-infra/fas-openid/internal/authmod/password"
	"github.com/fedora-infra/fas-openid/internal/logger"
	"github.com/fedora-infra/fas-openid/internal/transaction"
)

// passwordLogin authenticates a local-credential module. The form also
// carries the transaction field, which is how the middleware resumes
// the flow started at GET /login.
func (h *Handler) passwordLogin(c *gin.Context) {
	name := c.Param("module")

	module := h.registry.ByName(name)
	m, ok := module.(*passwordmod.Module)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown auth module",
		})
		return
	}

	email := c.PostForm("email")
	password := c.PostForm("password")
	if email == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request",
		})
		return
	}

	if !module.AllowsEmailAuthDomain(emailDomain(email)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "email domain not allowed",
		})
		return
	}

	userID, err := m.Authenticate(c.Request.Context(), email, password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "invalid credentials",
		})
		return
	}

	tc := transaction.FromRequest(c.Request)

	values, err := tc.Values()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "transaction unavailable",
		})
		return
	}

	values[authmod.AuthedKey(name)] = true
	values[authmod.UserIDKey] = userID

	if err := tc.Save(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to persist transaction",
		})
		return
	}

	trid, _ := tc.ID()
	logger.Info("login succeeded", map[string]any{
		"module":      name,
		"user_id":     userID,
		"transaction": trid,
		"ip":          c.ClientIP(),
	})

	c.JSON(http.StatusOK, gin.H{
		"status": "logged_in",
	})
}

func (h *Handler) register(c *gin.Context) {
	name := c.Param("module")

	module := h.registry.ByName(name)
	m, ok := module.(*passwordmod.Module)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown auth module",
		})
		return
	}

	email := c.PostForm("email")
	password := c.PostForm("password")
	if email == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request",
		})
		return
	}

	if !module.AllowsEmailAuthDomain(emailDomain(email)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "email domain not allowed",
		})
		return
	}

	userID, err := m.Register(c.Request.Context(), email, password)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error": "registration failed",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id": userID,
	})
}

func emailDomain(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 {
		return email[at+1:]
	}
	return ""
}
