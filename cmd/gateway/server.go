package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"warpgate/pkg/auth"
	"warpgate/pkg/channels"
	"warpgate/pkg/gateway"
	"warpgate/pkg/httpx"
	"warpgate/pkg/metrics"
	"warpgate/pkg/mux"
	"warpgate/pkg/telemetry"
)

// Server exposes the channel table over HTTP and the streaming multiplexer over
// a websocket, both behind the control token.
type Server struct {
	Gateway             *gateway.Gateway
	Channels            *channels.Registry
	Stream              *mux.Server
	Metrics             *metrics.Registry
	ControlToken        string
	CORSAllowedOrigins  string
	MaxRequestBodyBytes int64
	MaintenanceInterval time.Duration
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(s.ControlToken))
	authRouter.Get("/metrics", s.handleMetrics)
	authRouter.Get("/metrics/prometheus", s.handlePrometheus)
	authRouter.Get("/v1/channels", s.listChannels)
	authRouter.Post("/v1/invoke/{channel}", s.handleInvoke)
	authRouter.Get("/v1/stream", s.Stream.ServeHTTP)
	authRouter.Get("/v1/stream/stats", s.streamStats)
	r.Mount("/", authRouter)
	return r
}

// handleInvoke is the single control entry point. Unlisted names never reach a
// handler and get a 404; everything else answers 200 with a uniform body, except
// an oversized request.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := channels.Name(chi.URLParam(r, "channel"))
	if !s.Channels.Allowed(name) {
		log.Printf("gateway: refused unlisted channel %q", name)
		httpx.Error(w, http.StatusNotFound, "channel not allowed: "+string(name))
		return
	}
	var payload json.RawMessage
	if err := httpx.DecodeJSON(w, r, s.MaxRequestBodyBytes, &payload); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		httpx.Error(w, http.StatusOK, err.Error())
		return
	}
	out, err := s.Channels.Dispatch(r.Context(), name, payload)
	switch {
	case errors.Is(err, channels.ErrChannelNotAllowed):
		httpx.Error(w, http.StatusNotFound, "channel not allowed: "+string(name))
	case errors.Is(err, channels.ErrNoHandler):
		// event-only channels such as terminal:data
		httpx.Error(w, http.StatusOK, err.Error())
	case err != nil:
		log.Printf("gateway: channel %s failed: %v", name, err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	default:
		httpx.WriteJSON(w, http.StatusOK, out)
	}
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"channels": s.Channels.Names()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.Gateway.RefreshGauges()
	s.Metrics.Handler()(w, r)
}

func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	s.Gateway.RefreshGauges()
	s.Metrics.PrometheusHandler()(w, r)
}

func (s *Server) streamStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Stream.Stats())
}

// maintenanceLoop reaps expired approvals and refreshes gauges until ctx ends.
func (s *Server) maintenanceLoop(ctx context.Context) {
	interval := s.MaintenanceInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Gateway.Approvals().Prune(); n > 0 {
				log.Printf("gateway: pruned %d expired approvals", n)
			}
			s.Gateway.RefreshGauges()
		}
	}
}

func (s *Server) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Stream.Shutdown(ctx); err != nil {
		log.Printf("gateway: stream shutdown: %v", err)
	}
	s.Gateway.Shutdown()
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets the websocket handshake take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
