package hardening

import (
	"strings"
	"testing"
)

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:            "gateway",
		Environment:        "production",
		StrictProdSecurity: "true",
		ControlToken:       "secret",
		DatabaseURL:        "postgres://db/warpgate?sslmode=require",
		DatabaseRequireTLS: "true",
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    "true",
		CORSAllowedOrigins: "https://console.example.com",
		WSAllowedOrigins:   "https://console.example.com",
		AuditBackend:       "postgres",
		AuditHashSalt:      "pepper",
	}
	if err := ValidateProduction(base); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"control token", func(o *Options) { o.ControlToken = " " }, "CONTROL_TOKEN"},
		{"db tls", func(o *Options) { o.DatabaseRequireTLS = "false" }, "DATABASE_REQUIRE_TLS"},
		{"redis tls", func(o *Options) { o.RedisRequireTLS = "" }, "REDIS_REQUIRE_TLS"},
		{"audit backend", func(o *Options) { o.AuditBackend = "log" }, "AUDIT_BACKEND"},
		{"audit salt", func(o *Options) { o.AuditHashSalt = "" }, "AUDIT_HASH_SALT"},
		{"cors wildcard", func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard CORS_ALLOWED_ORIGINS"},
		{"cors localhost", func(o *Options) { o.CORSAllowedOrigins = "http://localhost:5173" }, "localhost"},
		{"cors http", func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" }, "HTTPS"},
		{"cors empty", func(o *Options) { o.CORSAllowedOrigins = " , " }, "explicit CORS_ALLOWED_ORIGINS"},
		{"ws wildcard", func(o *Options) { o.WSAllowedOrigins = "*" }, "WS_ALLOWED_ORIGINS"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := base
			tt.mutate(&o)
			err := ValidateProduction(o)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateProductionSkips(t *testing.T) {
	t.Parallel()
	loose := Options{Environment: "development", CORSAllowedOrigins: "*"}
	if err := ValidateProduction(loose); err != nil {
		t.Fatalf("development must skip, got %v", err)
	}
	loose.Environment = "prod"
	loose.StrictProdSecurity = "false"
	if err := ValidateProduction(loose); err != nil {
		t.Fatalf("strict mode off must skip, got %v", err)
	}
	loose.StrictProdSecurity = ""
	if err := ValidateProduction(loose); err == nil {
		t.Fatal("strict mode defaults on in production")
	}
}

func TestOptionalBackendsSkipTLSChecks(t *testing.T) {
	t.Parallel()
	o := Options{
		Environment:        "staging",
		ControlToken:       "secret",
		AuditBackend:       "kafka",
		AuditHashSalt:      "pepper",
		CORSAllowedOrigins: "https://a.example.com, https://b.example.com",
		WSAllowedOrigins:   "https://a.example.com",
	}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("expected pass without db/redis, got %v", err)
	}
}
