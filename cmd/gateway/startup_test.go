package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"warpgate/pkg/audit"
)

func noopTelemetry(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func noRedis(context.Context) (*redis.Client, error) { return nil, nil }

type fakeDB struct {
	execs  []string
	closed bool
	err    error
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.CommandTag{}, f.err
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (f *fakeDB) Close() { f.closed = true }

func baseDeps() gatewayDeps {
	return gatewayDeps{
		initTelemetry: noopTelemetry,
		openRedis:     noRedis,
		listen:        func(*http.Server) error { return nil },
	}
}

func TestRunGateway(t *testing.T) {
	t.Setenv("AUDIT_BACKEND", "log")
	t.Setenv("ENVIRONMENT", "")

	t.Run("telemetry_error", func(t *testing.T) {
		deps := baseDeps()
		deps.initTelemetry = func(context.Context, string) (func(context.Context) error, error) {
			return nil, errors.New("collector down")
		}
		if err := runGateway(deps); err == nil || !strings.Contains(err.Error(), "otel") {
			t.Fatalf("expected otel error, got %v", err)
		}
	})

	t.Run("hardening_error", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("CONTROL_TOKEN", "")
		if err := runGateway(baseDeps()); err == nil || !strings.Contains(err.Error(), "CONTROL_TOKEN") {
			t.Fatalf("expected hardening error, got %v", err)
		}
	})

	t.Run("rules_error", func(t *testing.T) {
		t.Setenv("POLICY_RULES_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
		if err := runGateway(baseDeps()); err == nil || !strings.Contains(err.Error(), "policy rules") {
			t.Fatalf("expected rules error, got %v", err)
		}
	})

	t.Run("unknown_audit_backend", func(t *testing.T) {
		t.Setenv("AUDIT_BACKEND", "s3")
		if err := runGateway(baseDeps()); err == nil || !strings.Contains(err.Error(), "AUDIT_BACKEND") {
			t.Fatalf("expected backend error, got %v", err)
		}
	})

	t.Run("db_error", func(t *testing.T) {
		t.Setenv("AUDIT_BACKEND", "postgres")
		deps := baseDeps()
		deps.openDB = func(context.Context) (gatewayDBCloser, error) { return nil, errors.New("refused") }
		if err := runGateway(deps); err == nil || !strings.Contains(err.Error(), "db: refused") {
			t.Fatalf("expected db error, got %v", err)
		}
	})

	t.Run("db_schema_error_closes_pool", func(t *testing.T) {
		t.Setenv("AUDIT_BACKEND", "postgres")
		db := &fakeDB{err: errors.New("permission denied")}
		deps := baseDeps()
		deps.openDB = func(context.Context) (gatewayDBCloser, error) { return db, nil }
		if err := runGateway(deps); err == nil || !strings.Contains(err.Error(), "audit schema") {
			t.Fatalf("expected schema error, got %v", err)
		}
		if !db.closed {
			t.Fatal("expected pool to be closed after schema failure")
		}
	})

	t.Run("postgres_backend", func(t *testing.T) {
		t.Setenv("AUDIT_BACKEND", "postgres")
		db := &fakeDB{}
		deps := baseDeps()
		deps.openDB = func(context.Context) (gatewayDBCloser, error) { return db, nil }
		if err := runGateway(deps); err != nil {
			t.Fatalf("runGateway: %v", err)
		}
		if len(db.execs) == 0 || !strings.Contains(db.execs[0], "approval_audit") {
			t.Fatalf("expected schema creation, got %v", db.execs)
		}
		if !db.closed {
			t.Fatal("expected pool closed on exit")
		}
	})

	t.Run("kafka_error", func(t *testing.T) {
		t.Setenv("AUDIT_BACKEND", "kafka")
		deps := baseDeps()
		deps.openKafka = func(audit.KafkaConfig) (audit.Sink, error) { return nil, errors.New("no brokers") }
		if err := runGateway(deps); err == nil || !strings.Contains(err.Error(), "kafka: no brokers") {
			t.Fatalf("expected kafka error, got %v", err)
		}
	})

	t.Run("kafka_config", func(t *testing.T) {
		t.Setenv("AUDIT_BACKEND", "kafka")
		t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
		var got audit.KafkaConfig
		deps := baseDeps()
		deps.openKafka = func(cfg audit.KafkaConfig) (audit.Sink, error) {
			got = cfg
			return audit.LogSink{}, nil
		}
		if err := runGateway(deps); err != nil {
			t.Fatalf("runGateway: %v", err)
		}
		if len(got.Brokers) != 2 || got.Topic != "warpgate.audit" {
			t.Fatalf("unexpected kafka config %+v", got)
		}
	})

	t.Run("redis_error", func(t *testing.T) {
		deps := baseDeps()
		deps.openRedis = func(context.Context) (*redis.Client, error) { return nil, errors.New("timeout") }
		if err := runGateway(deps); err == nil || !strings.Contains(err.Error(), "redis: timeout") {
			t.Fatalf("expected redis error, got %v", err)
		}
	})

	t.Run("redis_limiter", func(t *testing.T) {
		mr := miniredis.RunT(t)
		deps := baseDeps()
		deps.openRedis = func(context.Context) (*redis.Client, error) {
			return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
		}
		if err := runGateway(deps); err != nil {
			t.Fatalf("runGateway: %v", err)
		}
	})

	t.Run("listen_missing", func(t *testing.T) {
		deps := baseDeps()
		deps.listen = nil
		if err := runGateway(deps); err == nil || !strings.Contains(err.Error(), "listen") {
			t.Fatalf("expected listen error, got %v", err)
		}
	})

	t.Run("listen_error", func(t *testing.T) {
		deps := baseDeps()
		deps.listen = func(*http.Server) error { return errors.New("address in use") }
		if err := runGateway(deps); err == nil || err.Error() != "address in use" {
			t.Fatalf("expected listen error, got %v", err)
		}
	})

	t.Run("server_closed_is_clean", func(t *testing.T) {
		deps := baseDeps()
		deps.listen = func(*http.Server) error { return http.ErrServerClosed }
		if err := runGateway(deps); err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
	})

	t.Run("wires_routes_and_loops", func(t *testing.T) {
		t.Setenv("ADDR", ":9999")
		t.Setenv("CONTROL_TOKEN", "secret")
		t.Setenv("POLICY_SAFE_MODE", "true")
		started := false
		deps := baseDeps()
		deps.startLoops = func(_ context.Context, s *Server) {
			started = s != nil && s.Gateway != nil
		}
		deps.listen = func(server *http.Server) error {
			if server.Addr != ":9999" {
				t.Errorf("unexpected addr %q", server.Addr)
			}
			if server.ReadHeaderTimeout <= 0 || server.WriteTimeout != 0 {
				t.Errorf("unexpected timeouts %+v", server)
			}
			rr := httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rr.Code != http.StatusOK {
				t.Errorf("healthz: %d", rr.Code)
			}

			req := httptest.NewRequest(http.MethodPost, "/v1/invoke/policy:get", nil)
			req.Header.Set("Authorization", "Bearer secret")
			rr = httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, req)
			var state map[string]any
			_ = json.Unmarshal(rr.Body.Bytes(), &state)
			if rr.Code != http.StatusOK || state["safeMode"] != true {
				t.Errorf("policy:get: %d %s", rr.Code, rr.Body.String())
			}

			rr = httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/invoke/policy:get", nil))
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401 without token, got %d", rr.Code)
			}
			return nil
		}
		if err := runGateway(deps); err != nil {
			t.Fatalf("runGateway: %v", err)
		}
		if !started {
			t.Fatal("expected background loops to start")
		}
	})
}

func TestMainUsesLogFatalOnError(t *testing.T) {
	t.Setenv("AUDIT_BACKEND", "nope")
	origFatal, origTelemetry, origRedis, origListen := logFatalf, initTelemetryG, openRedisFnG, listenFnG
	defer func() {
		logFatalf, initTelemetryG, openRedisFnG, listenFnG = origFatal, origTelemetry, origRedis, origListen
	}()
	initTelemetryG = noopTelemetry
	openRedisFnG = noRedis
	listenFnG = func(*http.Server) error { return nil }
	var msg string
	logFatalf = func(format string, args ...any) {
		msg = format
		if len(args) > 0 {
			if err, ok := args[0].(error); ok {
				msg = err.Error()
			}
		}
	}
	main()
	if !strings.Contains(msg, "AUDIT_BACKEND") {
		t.Fatalf("expected fatal log for bad backend, got %q", msg)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GW_TEST_STR", "  value ")
	t.Setenv("GW_TEST_INT", "42")
	t.Setenv("GW_TEST_BAD_INT", "x")
	t.Setenv("GW_TEST_BOOL", "true")
	if got := env("GW_TEST_STR", "def"); got != "value" {
		t.Fatalf("env: %q", got)
	}
	if got := env("GW_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("env default: %q", got)
	}
	if envInt("GW_TEST_INT", 1) != 42 || envInt("GW_TEST_BAD_INT", 7) != 7 {
		t.Fatal("envInt parsing")
	}
	if !envBool("GW_TEST_BOOL", false) || envBool("GW_TEST_MISSING", false) {
		t.Fatal("envBool parsing")
	}
	if envDurationSec("GW_TEST_INT", 0).Seconds() != 42 {
		t.Fatal("envDurationSec")
	}
}

func TestWSOriginPatterns(t *testing.T) {
	got := wsOriginPatterns("https://app.example.com, *, localhost:5173,,")
	want := []string{"app.example.com", "*", "localhost:5173"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
