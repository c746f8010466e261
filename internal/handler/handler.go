package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fedora-infra/fas-openid/internal/authmod"
	oidcmod "github.com/fedora-infra/fas-openid/internal/authmod/oidc"
	"github.com/fedora-infra/fas-openid/internal/identity"
	"github.com/fedora-infra/fas-openid/internal/logger"
	"github.com/fedora-infra/fas-openid/internal/transaction"
)

type Handler struct {
	registry *authmod.Registry
	resolver identity.Resolver
}

func NewHandler(
	registry *authmod.Registry,
	resolver identity.Resolver,
) *Handler {
	return &Handler{
		registry: registry,
		resolver: resolver,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/login", h.listLogin)
	r.GET("/login/:module", h.startLogin)
	r.POST("/login/:module", h.passwordLogin)
	r.POST("/register/:module", h.register)
	r.GET("/callback/:module", h.callback)
	r.POST("/logout", h.logout)
	r.GET("/whoami", h.whoami)
}

// listLogin offers the user-selectable modules, optionally narrowed to
// the ones accepting a given email domain. The transaction id is
// returned so forms can echo it back.
func (h *Handler) listLogin(c *gin.Context) {
	tc := transaction.FromRequest(c.Request)

	trid, err := tc.ID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "transaction unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": trid,
		"modules":     h.registry.Listed(c.Query("email_domain")),
	})
}

// startLogin begins a flow with the chosen module. OIDC modules
// redirect upstream; the transaction is persisted across the hop via
// the short-lived signed cookie since the provider will not echo our
// query parameters back.
func (h *Handler) startLogin(c *gin.Context) {
	name := c.Param("module")

	module := h.registry.ByName(name)
	if module == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown auth module",
		})
		return
	}

	tc := transaction.FromRequest(c.Request)

	m, ok := module.(*oidcmod.Module)
	if !ok {
		// Non-redirecting modules log in with a form POST instead.
		trid, err := tc.ID()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "transaction unavailable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"transaction": trid,
			"module":      name,
		})
		return
	}

	values, err := tc.Values()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "transaction unavailable",
		})
		return
	}

	trid, _ := tc.ID()

	verifier, challenge := generatePKCE()
	values[name+"/pkce_verifier"] = verifier

	if err := tc.Save(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to persist transaction",
		})
		return
	}

	tc.Persist()

	c.Redirect(http.StatusFound, m.AuthCodeURL(trid, challenge))
}

func (h *Handler) callback(c *gin.Context) {
	name := c.Param("module")

	module := h.registry.ByName(name)
	m, ok := module.(*oidcmod.Module)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown auth module",
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

	trid, _ := tc.ID()
	if c.Query("state") != trid {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "invalid state",
		})
		return
	}

	errParam := c.Query("error")
	errDesc := c.Query("error_description")

	// CASE 1: upstream error (common when the user cancels)
	if errParam != "" {
		logger.Warn("oidc callback returned error", map[string]any{
			"module": name,
			"error":  errParam,
			"desc":   errDesc,
		})
		c.Redirect(http.StatusFound, "/login")
		return
	}

	// CASE 2: normal callback
	code := c.Query("code")
	if code == "" {
		logger.Error("oidc callback missing code and error", nil)
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	codeVerifier, _ := values[name+"/pkce_verifier"].(string)
	if codeVerifier == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "missing pkce verifier",
		})
		return
	}

	ident, err := m.ExchangeCode(
		c.Request.Context(),
		code,
		codeVerifier,
	)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "authentication failed",
		})
		return
	}

	if !module.AllowsEmailAuthDomain(ident.Domain()) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "email domain not allowed",
		})
		return
	}

	userID, err := h.resolver.Resolve(c.Request.Context(), ident)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to resolve user",
		})
		return
	}

	values[authmod.AuthedKey(name)] = true
	values[authmod.UserIDKey] = userID
	delete(values, name+"/pkce_verifier")

	if err := tc.Save(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to persist transaction",
		})
		return
	}

	// The third-party hop is done; drop the bearer reference.
	tc.SetCookie(&http.Cookie{
		Name:     transaction.PersistentCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	logger.Info("login succeeded", map[string]any{
		"module":      name,
		"user_id":     userID,
		"transaction": trid,
		"ip":          c.ClientIP(),
	})

	c.JSON(http.StatusOK, gin.H{
		"status": "authenticated",
	})
}

func (h *Handler) logout(c *gin.Context) {
	tc := transaction.FromRequest(c.Request)

	if trid, err := tc.ID(); err == nil {
		logger.Info("logout", map[string]any{
			"transaction": trid,
			"ip":          c.ClientIP(),
		})
	}

	tc.DeleteAfterResponse()

	c.Status(http.StatusNoContent)
}

func (h *Handler) whoami(c *gin.Context) {
	module := h.registry.Current(c.Request)
	if module == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "not authenticated",
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

	c.JSON(http.StatusOK, gin.H{
		"module":  module.InternalName(),
		"user_id": values[authmod.UserIDKey],
	})
}
