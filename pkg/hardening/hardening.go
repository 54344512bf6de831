// Package hardening refuses to start a production-like deployment with an
// unsafe configuration.
package hardening

import (
	"fmt"
	"strings"
)

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	ControlToken       string
	DatabaseURL        string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	CORSAllowedOrigins string
	WSAllowedOrigins   string
	AuditBackend       string
	AuditHashSalt      string
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if strings.TrimSpace(o.ControlToken) == "" {
		return fmt.Errorf("%s: strict production hardening requires CONTROL_TOKEN", service)
	}
	if strings.TrimSpace(o.DatabaseURL) != "" && !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" && !isTrue(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	if strings.EqualFold(strings.TrimSpace(o.AuditBackend), "log") || strings.TrimSpace(o.AuditBackend) == "" {
		return fmt.Errorf("%s: strict production hardening requires a durable AUDIT_BACKEND", service)
	}
	if strings.TrimSpace(o.AuditHashSalt) == "" {
		return fmt.Errorf("%s: strict production hardening requires AUDIT_HASH_SALT", service)
	}
	if err := validateOrigins("CORS_ALLOWED_ORIGINS", o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	return validateOrigins("WS_ALLOWED_ORIGINS", o.WSAllowedOrigins, service)
}

func validateOrigins(key, raw, service string) error {
	valid := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		valid++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids wildcard %s", service, key)
		}
		if isLoopbackOrigin(lower) {
			return fmt.Errorf("%s: strict production hardening forbids localhost origin %q in %s", service, o, key)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS origin in %s, got %q", service, key, o)
		}
	}
	if valid == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit %s", service, key)
	}
	return nil
}

func isLoopbackOrigin(lower string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
