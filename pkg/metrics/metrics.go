package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}

type Registry struct {
	mu        sync.RWMutex
	endpoint  map[string]*EndpointStat
	decision  map[string]int64
	approval  map[string]int64
	stream    map[string]int64
	gauges    map[string]float64
	latencies map[string]*latency
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type latency struct {
	buckets []int64
	sum     float64
	count   int64
}

type LatencySnapshot struct {
	Name    string    `json:"name"`
	Bounds  []float64 `json:"bounds"`
	Buckets []int64   `json:"buckets"`
	Sum     float64   `json:"sum"`
	Count   int64     `json:"count"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Decisions   map[string]int64        `json:"decisions"`
	Approvals   map[string]int64        `json:"approvals"`
	Stream      map[string]int64        `json:"stream_events"`
	Gauges      map[string]float64      `json:"gauges"`
	Latencies   []LatencySnapshot       `json:"latencies,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:  map[string]*EndpointStat{},
		decision:  map[string]int64{},
		approval:  map[string]int64{},
		stream:    map[string]int64{},
		gauges:    map[string]float64{},
		latencies: map[string]*latency{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	r.observeLatencyLocked(path, d)
}

// ObserveLatency records d in the cumulative histogram for name.
func (r *Registry) ObserveLatency(name string, d time.Duration) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.observeLatencyLocked(name, d)
	r.mu.Unlock()
}

func (r *Registry) observeLatencyLocked(name string, d time.Duration) {
	h, ok := r.latencies[name]
	if !ok {
		h = &latency{buckets: make([]int64, len(latencyBuckets))}
		r.latencies[name] = h
	}
	sec := d.Seconds()
	h.sum += sec
	h.count++
	for i, le := range latencyBuckets {
		if sec <= le {
			h.buckets[i]++
		}
	}
}

// IncDecision counts a policy verdict for an action kind, e.g. ("terminal:exec", "deny").
func (r *Registry) IncDecision(kind, verdict string) {
	kind = strings.TrimSpace(kind)
	verdict = strings.TrimSpace(strings.ToLower(verdict))
	if kind == "" || verdict == "" {
		return
	}
	r.mu.Lock()
	r.decision[kind+"|"+verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncApproval(outcome string) {
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.approval[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncStreamEvent(eventType string) {
	if eventType == "" {
		return
	}
	r.mu.Lock()
	r.stream[eventType]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:   copyCounts(r.decision),
		Approvals:   copyCounts(r.approval),
		Stream:      copyCounts(r.stream),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for _, name := range SortedKeys(r.latencies) {
		h := r.latencies[name]
		out.Latencies = append(out.Latencies, LatencySnapshot{
			Name:    name,
			Bounds:  latencyBuckets,
			Buckets: append([]int64(nil), h.buckets...),
			Sum:     h.sum,
			Count:   h.count,
		})
	}
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP warpgate_requests_total control requests by route\n")
		b.WriteString("# TYPE warpgate_requests_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "warpgate_requests_total{route=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP warpgate_request_errors_total control requests answered with status >= 400\n")
		b.WriteString("# TYPE warpgate_request_errors_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "warpgate_request_errors_total{route=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP warpgate_policy_decisions_total policy verdicts by action kind\n")
		b.WriteString("# TYPE warpgate_policy_decisions_total counter\n")
		for _, key := range SortedKeys(snap.Decisions) {
			kind, verdict, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "warpgate_policy_decisions_total{kind=%q,verdict=%q} %d\n", kind, verdict, snap.Decisions[key])
		}
		b.WriteString("# HELP warpgate_approvals_total approval token outcomes\n")
		b.WriteString("# TYPE warpgate_approvals_total counter\n")
		for _, outcome := range SortedKeys(snap.Approvals) {
			fmt.Fprintf(b, "warpgate_approvals_total{outcome=%q} %d\n", outcome, snap.Approvals[outcome])
		}
		b.WriteString("# HELP warpgate_stream_events_total events written to stream connections\n")
		b.WriteString("# TYPE warpgate_stream_events_total counter\n")
		for _, typ := range SortedKeys(snap.Stream) {
			fmt.Fprintf(b, "warpgate_stream_events_total{type=%q} %d\n", typ, snap.Stream[typ])
		}
		b.WriteString("# HELP warpgate_gauge operational gauges\n")
		b.WriteString("# TYPE warpgate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "warpgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Latencies) > 0 {
			b.WriteString("# HELP warpgate_latency_seconds request latency\n")
			b.WriteString("# TYPE warpgate_latency_seconds histogram\n")
		}
		for _, h := range snap.Latencies {
			for i, le := range h.Bounds {
				fmt.Fprintf(b, "warpgate_latency_seconds_bucket{route=%q,le=\"%.3f\"} %d\n", h.Name, le, h.Buckets[i])
			}
			fmt.Fprintf(b, "warpgate_latency_seconds_bucket{route=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "warpgate_latency_seconds_sum{route=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "warpgate_latency_seconds_count{route=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
