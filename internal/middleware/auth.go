package middleware

import (
	"context"
	"net/http"

	"github.com/fedora-infra/fas-openid/internal/authmod"
	"github.com/fedora-infra/fas-openid/internal/transaction"
)

// unexported, collision-proof context keys
type userIDContextKeyType struct{}
type moduleContextKeyType struct{}

var (
	userIDKey = userIDContextKeyType{}
	moduleKey = moduleContextKeyType{}
)

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

// ModuleFromContext extracts the name of the module that authenticated
// the request.
func ModuleFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(moduleKey).(string)
	return name, ok
}

type AuthMiddleware struct {
	Registry *authmod.Registry
}

func NewAuthMiddleware(registry *authmod.Registry) *AuthMiddleware {
	return &AuthMiddleware{Registry: registry}
}

// RequireAuth rejects requests no enabled auth module claims. Probe
// order is the configured module order; the first match wins.
func (a *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		module := a.Registry.Current(r)
		if module == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), moduleKey, module.InternalName())

		if tc := transaction.FromRequest(r); tc != nil {
			if values, err := tc.Values(); err == nil {
				if userID, ok := values[authmod.UserIDKey].(string); ok {
					ctx = context.WithValue(ctx, userIDKey, userID)
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
