package authmod

import (
	"net/http"

	"github.com/fedora-infra/fas-openid/internal/transaction"
)

// AuthedKey returns the transaction values key under which a module
// records that it authenticated the current flow. Keys are prefixed
// with the module's internal name to prevent collisions.
func AuthedKey(internalName string) string {
	return internalName + "/authed"
}

// UserIDKey is the transaction values key holding the authenticated
// user id once any module completes.
const UserIDKey = "user_id"

// Module is one pluggable authentication backend. Implementations
// return identity facts and flow state only; session decisions belong
// to the transaction core.
type Module interface {
	// InternalName is the stable identity of this module, derived from
	// its configuration key.
	InternalName() string

	// LoggedIn reports whether the current request is authenticated
	// through this module.
	LoggedIn(r *http.Request) bool

	// AllowsEmailAuthDomain reports whether this module accepts users
	// from the given email domain. Modules with no domain restriction
	// accept every domain.
	AllowsEmailAuthDomain(domain string) bool
}

// LoggedIn is the shared liveness probe: a module authenticated this
// request iff its authed marker is set in the current transaction.
func LoggedIn(r *http.Request, internalName string) bool {
	tc := transaction.FromRequest(r)
	if tc == nil {
		return false
	}
	values, err := tc.Values()
	if err != nil {
		return false
	}
	authed, _ := values[AuthedKey(internalName)].(bool)
	return authed
}

// AllowsDomain implements the domain allow-list rule shared by the
// concrete modules: an empty list accepts everything.
func AllowsDomain(allowed []string, domain string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, d := range allowed {
		if d == domain {
			return true
		}
	}
	return false
}
