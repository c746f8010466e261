package password

import (
	"context"
	"net/http"

	"github.com/fedora-infra/fas-openid/internal/authmod"
	"github.com/fedora-infra/fas-openid/internal/config"
	"github.com/fedora-infra/fas-openid/internal/identity"
)

// Module authenticates against the local users/credentials tables.
type Module struct {
	name    string
	domains []string
	creds   *identity.CredentialService
}

func New(mc config.ModuleConfig, creds *identity.CredentialService) *Module {
	return &Module{
		name:    mc.Name,
		domains: mc.EmailDomains,
		creds:   creds,
	}
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

// Authenticate verifies the email/password pair and returns the user
// id. Failures are indistinguishable between unknown user and wrong
// password.
func (m *Module) Authenticate(ctx context.Context, email, password string) (string, error) {
	return m.creds.Authenticate(ctx, email, password)
}

// Register creates local credentials for the email.
func (m *Module) Register(ctx context.Context, email, password string) (string, error) {
	return m.creds.Register(ctx, email, password)
}
