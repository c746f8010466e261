package app

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fedora-infra/fas-openid/internal/authmod"
	oidcmod "github.com/fedora-infra/fas-openid/internal/authmod/oidc"
	passwordmod "github.com/fedora-infra/fas-openid/internal/authmod/password"
	"github.com/fedora-infra/fas-openid/internal/config"
	"github.com/fedora-infra/fas-openid/internal/handler"
	"github.com/fedora-infra/fas-openid/internal/identity"
	"github.com/fedora-infra/fas-openid/internal/middleware"
	"github.com/fedora-infra/fas-openid/internal/signer"
	"github.com/fedora-infra/fas-openid/internal/transaction"
)

func setupHTTP(ctx context.Context, cfg config.Config) (*gin.Engine, func() error, error) {

	infra, err := setupInfra(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	// ----------------------------
	// Dependencies
	// ----------------------------

	sg := signer.New(cfg.SecretKey)
	timeout := time.Duration(cfg.TransactionTimeoutMinutes) * time.Minute

	var txStore transaction.Store
	if infra.Redis != nil {
		txStore = transaction.NewRedisStore(infra.Redis.Client, timeout)
	} else {
		txStore = transaction.NewPostgresStore(infra.DB.DB, timeout)
	}

	identityResolver := identity.NewDBResolver(infra.DB.DB)
	credentialService := identity.NewCredentialService(infra.DB.DB)

	// Known backends; configuration keys map to constructors here, no
	// dynamic loading.
	factories := map[string]authmod.Factory{
		"oidc": func(mc config.ModuleConfig) (authmod.Module, error) {
			return oidcmod.New(ctx, mc, cfg)
		},
		"password": func(mc config.ModuleConfig) (authmod.Module, error) {
			return passwordmod.New(mc, credentialService), nil
		},
	}

	registry, err := authmod.NewRegistry(cfg.AuthModules, factories)
	if err != nil {
		return nil, nil, err
	}

	authHandler := handler.NewHandler(registry, identityResolver)
	authMiddleware := middleware.NewAuthMiddleware(registry)

	// ----------------------------
	// Router
	// ----------------------------

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(transaction.GinMiddleware(txStore, sg, transaction.Options{
		Timeout:       timeout,
		CookiesSecure: cfg.CookiesSecure,
	}))

	// ----------------------------
	// Public Routes
	// ----------------------------

	authHandler.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// ----------------------------
	// Protected API Routes
	// ----------------------------

	api := router.Group("/api")
	api.Use(middleware.GinRequireAuth(authMiddleware))

	api.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	api.GET("/me", func(c *gin.Context) {
		userID, _ := middleware.UserIDFromContext(c.Request.Context())
		module, _ := middleware.ModuleFromContext(c.Request.Context())
		c.JSON(200, gin.H{
			"user_id": userID,
			"module":  module,
		})
	})

	// ----------------------------
	// Cleanup
	// ----------------------------

	return router, func() error {
		return infra.DB.Close()
	}, nil
}
