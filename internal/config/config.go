package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// ModuleConfig describes one configured auth module. Order of the
// AUTH_MODULES list is significant: it decides probe order at runtime.
type ModuleConfig struct {
	Name         string
	Enabled      bool
	Listed       bool
	EmailDomains []string // empty means any domain is accepted
}

type Config struct {
	AppPort string
	URLRoot string

	SecretKey                 string
	TransactionTimeoutMinutes int
	CookiesSecure             bool

	AuthModules []ModuleConfig

	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string

	RedisAddr     string
	RedisPassword string

	DatabaseDSN string
}

func Load() Config {

	cfg := Config{

		AppPort: os.Getenv("APP_PORT"),
		URLRoot: os.Getenv("URL_ROOT"),

		SecretKey:                 os.Getenv("SECRET_KEY"),
		TransactionTimeoutMinutes: envInt("TRANSACTION_TIMEOUT_MINUTES", 30),
		CookiesSecure:             envBool("COOKIES_SECURE"),

		AuthModules: loadModules(),

		OIDCIssuer:       os.Getenv("OIDC_ISSUER"),
		OIDCClientID:     os.Getenv("OIDC_CLIENT_ID"),
		OIDCClientSecret: os.Getenv("OIDC_CLIENT_SECRET"),
		OIDCRedirectURL:  os.Getenv("OIDC_REDIRECT_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		DatabaseDSN: os.Getenv("DATABASE_DSN"),
	}

	return cfg

}

// Validate enforces the startup rules the broker refuses to run without.
func (c Config) Validate() error {
	if c.SecretKey == "" || c.SecretKey == "setme" {
		return errors.New("config: please configure a secret key")
	}
	if strings.HasSuffix(c.URLRoot, "/") {
		return errors.New("config: url root must not end with a trailing slash")
	}
	if c.TransactionTimeoutMinutes <= 0 {
		return errors.New("config: transaction timeout must be positive")
	}
	return nil
}

// loadModules reads the ordered module list from AUTH_MODULES and the
// per-module settings from AUTH_MODULE_<NAME>_* variables.
func loadModules() []ModuleConfig {
	list := os.Getenv("AUTH_MODULES")
	if list == "" {
		return nil
	}

	var modules []ModuleConfig
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		prefix := "AUTH_MODULE_" + strings.ToUpper(name) + "_"
		mc := ModuleConfig{
			Name:    name,
			Enabled: envBool(prefix + "ENABLED"),
			Listed:  envBool(prefix + "LISTED"),
		}
		if domains := os.Getenv(prefix + "EMAIL_DOMAINS"); domains != "" {
			for _, d := range strings.Split(domains, ",") {
				if d = strings.TrimSpace(d); d != "" {
					mc.EmailDomains = append(mc.EmailDomains, d)
				}
			}
		}
		modules = append(modules, mc)
	}
	return modules
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
