package authmod

import (
	"fmt"
	"net/http"

	"github.com/fedora-infra/fas-openid/internal/config"
)

// Factory constructs a module from its configuration entry. Known
// backends are registered in a factory map at startup; there is no
// dynamic loading.
type Factory func(cfg config.ModuleConfig) (Module, error)

// Registry is the process-wide set of enabled auth modules. It is
// built once at startup and read-only afterwards, so it needs no
// locking.
type Registry struct {
	modules []Module // configured order, enabled modules only
	listed  []string // internal names, configured order
	byName  map[string]Module
}

// NewRegistry instantiates every enabled module from the ordered
// configuration list. An entry whose name has no factory is a
// configuration error.
func NewRegistry(cfgs []config.ModuleConfig, factories map[string]Factory) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]Module),
	}

	for _, mc := range cfgs {
		if !mc.Enabled {
			continue
		}

		factory, ok := factories[mc.Name]
		if !ok {
			return nil, fmt.Errorf("authmod: unknown auth module: %s", mc.Name)
		}

		module, err := factory(mc)
		if err != nil {
			return nil, fmt.Errorf("authmod: init %s: %w", mc.Name, err)
		}

		r.modules = append(r.modules, module)
		r.byName[module.InternalName()] = module
		if mc.Listed {
			r.listed = append(r.listed, module.InternalName())
		}
	}

	return r, nil
}

// ByName returns the module with the given internal name, or nil.
func (r *Registry) ByName(name string) Module {
	return r.byName[name]
}

// Listed returns the internal names of all listed modules in
// configured order. A non-empty emailDomain narrows the result to
// modules accepting that domain.
func (r *Registry) Listed(emailDomain string) []string {
	names := make([]string, 0, len(r.listed))
	for _, name := range r.listed {
		if emailDomain == "" || r.byName[name].AllowsEmailAuthDomain(emailDomain) {
			names = append(names, name)
		}
	}
	return names
}

// Current returns the first module, in configured order, reporting the
// request as authenticated, or nil if none do. Order matters: it must
// match the configuration order.
func (r *Registry) Current(req *http.Request) Module {
	for _, module := range r.modules {
		if module.LoggedIn(req) {
			return module
		}
	}
	return nil
}
