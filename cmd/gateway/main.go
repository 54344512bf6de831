package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"warpgate/pkg/approval"
	"warpgate/pkg/audit"
	"warpgate/pkg/channels"
	"warpgate/pkg/gateway"
	"warpgate/pkg/hardening"
	"warpgate/pkg/metrics"
	"warpgate/pkg/mux"
	"warpgate/pkg/policy"
	"warpgate/pkg/producer"
	"warpgate/pkg/ratelimit"
	"warpgate/pkg/store"
	"warpgate/pkg/stream"
	"warpgate/pkg/telemetry"
	"warpgate/pkg/terminal"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayOpenKafkaFunc func(cfg audit.KafkaConfig) (audit.Sink, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return telemetry.Init(ctx, telemetry.ConfigFromEnv(service))
	}
	openDBFnG = func(ctx context.Context) (gatewayDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv())
	}
	openRedisFnG = func(ctx context.Context) (*redis.Client, error) {
		return store.NewRedis(ctx, store.RedisConfigFromEnv())
	}
	openKafkaFnG = func(cfg audit.KafkaConfig) (audit.Sink, error) {
		sink, err := audit.NewKafkaSink(cfg)
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	listenFnG     = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG = func(ctx context.Context, s *Server) {
		go s.maintenanceLoop(ctx)
	}
)

func main() {
	deps := gatewayDeps{
		initTelemetry: initTelemetryG,
		openDB:        openDBFnG,
		openRedis:     openRedisFnG,
		openKafka:     openKafkaFnG,
		listen:        listenFnG,
		startLoops:    startLoopsFnG,
	}
	if err := runGateway(deps); err != nil {
		logFatalf("gateway: %v", err)
	}
}

type gatewayDeps struct {
	initTelemetry gatewayInitTelemetryFunc
	openDB        gatewayOpenDBFunc
	openRedis     gatewayOpenRedisFunc
	openKafka     gatewayOpenKafkaFunc
	listen        gatewayListenFunc
	startLoops    gatewayStartLoopsFunc
}

func runGateway(deps gatewayDeps) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := deps.initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        env("ENVIRONMENT", ""),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		ControlToken:       env("CONTROL_TOKEN", ""),
		DatabaseURL:        env("DATABASE_URL", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:   env("WS_ALLOWED_ORIGINS", ""),
		AuditBackend:       env("AUDIT_BACKEND", "log"),
		AuditHashSalt:      env("AUDIT_HASH_SALT", ""),
	}); err != nil {
		return err
	}

	rules, err := policy.LoadRules(env("POLICY_RULES_FILE", ""))
	if err != nil {
		return err
	}
	if root := env("PROJECT_ROOT", ""); root != "" {
		rules.ProjectRoot = root
	}
	if root := env("SANDBOX_ROOT", ""); root != "" {
		rules.SandboxRoot = root
	}
	engine, err := policy.NewEngine(policy.Flags{
		Offline:  envBool("POLICY_OFFLINE", false),
		SafeMode: envBool("POLICY_SAFE_MODE", false),
	}, rules)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	sink, closeDB, err := openAuditSink(ctx, deps)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}
	auditWriter := audit.NewWriter(sink, []byte(env("AUDIT_HASH_SALT", "")), envBool("AUDIT_REDACT", false))

	var limiter ratelimit.Limiter = ratelimit.NewInMemory(time.Minute)
	if deps.openRedis != nil {
		rdb, err := deps.openRedis(ctx)
		if err != nil {
			_ = auditWriter.Close()
			return fmt.Errorf("redis: %w", err)
		}
		if rdb != nil {
			defer rdb.Close()
			limiter = ratelimit.NewRedis(rdb, time.Minute)
			log.Printf("gateway: proposal rate limit shared through redis")
		}
	}

	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	chans := channels.NewRegistry(channels.Default())
	gw, err := gateway.New(gateway.Options{
		Policy:       engine,
		Approvals:    approval.NewStore(),
		Spawner:      terminal.PTYSpawner{DefaultShell: env("DEFAULT_SHELL", "")},
		Hub:          hub,
		Channels:     chans,
		Audit:        auditWriter,
		Metrics:      reg,
		Limiter:      limiter,
		ProposeLimit: envInt("PROPOSE_RATE_LIMIT_PER_MINUTE", 30),
		ApprovalTTL:  time.Millisecond * time.Duration(envInt("APPROVAL_TTL_MS", 60000)),
	})
	if err != nil {
		_ = auditWriter.Close()
		return err
	}
	gw.Register(chans)

	headers := map[string]string{}
	if token := env("UPSTREAM_AUTH_TOKEN", ""); token != "" {
		headers[env("UPSTREAM_AUTH_HEADER", "Authorization")] = token
	}
	retries := envInt("UPSTREAM_RETRIES", 2)
	muxCfg := mux.Config{
		Hub:               hub,
		Commands:          gw,
		Runner:            producer.CommandRunner{Shell: env("DEFAULT_SHELL", ""), Timeout: envDurationSec("COMMAND_TIMEOUT_SEC", 300)},
		Metrics:           reg,
		HeartbeatInterval: envDurationSec("HEARTBEAT_INTERVAL_SEC", 30),
		OriginPatterns:    wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")),
	}
	// Typed nils must not reach the interfaces; mux treats nil as "not configured".
	if up := producer.NewUpstream(env("AI_UPSTREAM_URL", ""), headers, retries); up != nil {
		muxCfg.AI = up
	}
	if up := producer.NewUpstream(env("VOICE_UPSTREAM_URL", ""), headers, retries); up != nil {
		muxCfg.Voice = up
	}

	s := &Server{
		Gateway:             gw,
		Channels:            chans,
		Stream:              mux.NewServer(muxCfg),
		Metrics:             reg,
		ControlToken:        env("CONTROL_TOKEN", ""),
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		MaintenanceInterval: envDurationSec("MAINTENANCE_INTERVAL_SEC", 15),
	}
	defer s.close()

	if deps.startLoops != nil {
		deps.startLoops(ctx, s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	// Read and write timeouts default to zero since websocket connections outlive
	// any per-request deadline; mux enforces its own per-frame write timeout.
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 0),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 0),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if deps.listen == nil {
		return errors.New("listen function required")
	}

	go func() {
		<-ctx.Done()
		drain, cancel := context.WithTimeout(context.Background(), envDurationSec("SHUTDOWN_TIMEOUT_SEC", 10))
		defer cancel()
		_ = server.Shutdown(drain)
	}()
	if err := deps.listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// openAuditSink selects the audit backend. The returned close func, when set,
// releases the database pool after the writer is closed.
func openAuditSink(ctx context.Context, deps gatewayDeps) (audit.Sink, func(), error) {
	backend := strings.ToLower(env("AUDIT_BACKEND", "log"))
	switch backend {
	case "", "log":
		return audit.LogSink{Logf: log.Printf}, nil, nil
	case "postgres":
		if deps.openDB == nil {
			return nil, nil, errors.New("audit: postgres backend needs a database")
		}
		db, err := deps.openDB(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("db: %w", err)
		}
		sink := &audit.PostgresSink{DB: db}
		if err := sink.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("audit schema: %w", err)
		}
		return sink, db.Close, nil
	case "kafka":
		if deps.openKafka == nil {
			return nil, nil, errors.New("audit: kafka backend not available")
		}
		sink, err := deps.openKafka(audit.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", ""), ","),
			Topic:   env("KAFKA_AUDIT_TOPIC", "warpgate.audit"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("kafka: %w", err)
		}
		return sink, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown AUDIT_BACKEND %q", backend)
	}
}

// wsOriginPatterns turns configured origins into the host patterns the websocket
// handshake matches against. "*" is passed through.
func wsOriginPatterns(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if origin == "*" {
			out = append(out, origin)
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, origin)
	}
	return out
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
