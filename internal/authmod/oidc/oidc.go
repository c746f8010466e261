package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/fedora-infra/fas-openid/internal/authmod"
	"github.com/fedora-infra/fas-openid/internal/config"
	"github.com/fedora-infra/fas-openid/internal/identity"
	"github.com/fedora-infra/fas-openid/internal/logger"
)

// Module authenticates against an upstream OpenID Connect provider.
// It returns identity facts only; user resolution and transaction
// state belong to the caller.
type Module struct {
	name        string
	domains     []string
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
}

// New initializes the module using OIDC discovery on the configured
// issuer.
func New(
	ctx context.Context,
	mc config.ModuleConfig,
	cfg config.Config,
) (*Module, error) {

	if cfg.OIDCIssuer == "" || cfg.OIDCClientID == "" || cfg.OIDCRedirectURL == "" {
		return nil, errors.New("oidc module config missing required fields")
	}

	oidcProvider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to init oidc provider: %w", err)
	}

	verifier := oidcProvider.Verifier(&oidc.Config{
		ClientID: cfg.OIDCClientID,
	})

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURL:  cfg.OIDCRedirectURL,
		Endpoint:     oidcProvider.Endpoint(),
		Scopes: []string{
			oidc.ScopeOpenID,
			"profile",
			"email",
		},
	}

	return &Module{
		name:        mc.Name,
		domains:     mc.EmailDomains,
		oauthConfig: oauthCfg,
		verifier:    verifier,
	}, nil
}

// InternalName returns the module identifier used by the registry.
func (m *Module) InternalName() string {
	return m.name
}

func (m *Module) LoggedIn(r *http.Request) bool {
	return authmod.LoggedIn(r, m.name)
}

func (m *Module) AllowsEmailAuthDomain(domain string) bool {
	return authmod.AllowsDomain(m.domains, domain)
}

// AuthCodeURL builds the upstream authorization URL with PKCE
// parameters.
func (m *Module) AuthCodeURL(state string, codeChallenge string) string {
	return m.oauthConfig.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode exchanges the authorization code and returns a
// normalized identity. No user or transaction decisions are made here.
func (m *Module) ExchangeCode(
	ctx context.Context,
	code string,
	codeVerifier string,
) (*identity.Identity, error) {

	token, err := m.oauthConfig.Exchange(
		ctx,
		code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("oidc code exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("oidc token response missing id_token")
	}

	idToken, err := m.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("oidc id_token verification failed: %w", err)
	}

	var claims struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("oidc claims decode failed: %w", err)
	}

	if claims.Sub == "" {
		return nil, errors.New("oidc id_token missing sub")
	}

	logger.Debug("oidc identity received", map[string]any{
		"module": m.name,
		"sub":    claims.Sub,
	})

	return &identity.Identity{
		Module:        m.name,
		SubjectID:     claims.Sub,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}, nil
}
