// Package gateway composes policy, approvals and terminal sessions into the
// control surface. Every operation returns a Result; typed errors from the
// lower packages are converted here and never escape as panics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"warpgate/pkg/approval"
	"warpgate/pkg/audit"
	"warpgate/pkg/auth"
	"warpgate/pkg/channels"
	"warpgate/pkg/metrics"
	"warpgate/pkg/policy"
	"warpgate/pkg/ratelimit"
	"warpgate/pkg/stream"
	"warpgate/pkg/telemetry"
	"warpgate/pkg/terminal"
)

const DefaultApprovalTTL = 60 * time.Second

var (
	ErrRateLimited = errors.New("proposal rate limit exceeded")
	ErrInternal    = errors.New("internal error")
)

type Result struct {
	OK         bool   `json:"ok"`
	Token      string `json:"token,omitempty"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
	TerminalID string `json:"terminalId,omitempty"`
	Success    bool   `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
}

type PolicyState struct {
	OK bool `json:"ok"`
	policy.Flags
}

func failure(err error) Result {
	return Result{OK: false, Error: err.Error()}
}

type ExecRequest struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	AgentID string            `json:"agentId,omitempty"`
}

type Options struct {
	Policy       *policy.Engine
	Approvals    *approval.Store
	Spawner      terminal.Spawner
	Hub          *stream.Hub
	Channels     *channels.Registry
	Audit        *audit.Writer
	Metrics      *metrics.Registry
	Limiter      ratelimit.Limiter
	ProposeLimit int
	ApprovalTTL  time.Duration
}

type Gateway struct {
	policy       *policy.Engine
	approvals    *approval.Store
	terminals    *terminal.Manager
	hub          *stream.Hub
	channels     *channels.Registry
	audit        *audit.Writer
	metrics      *metrics.Registry
	limiter      ratelimit.Limiter
	proposeLimit int
	ttl          time.Duration
}

// New wires the gateway. Policy is required; the remaining collaborators get
// in-memory defaults.
func New(o Options) (*Gateway, error) {
	if o.Policy == nil {
		return nil, errors.New("gateway: policy engine is required")
	}
	g := &Gateway{
		policy:       o.Policy,
		approvals:    o.Approvals,
		hub:          o.Hub,
		channels:     o.Channels,
		audit:        o.Audit,
		metrics:      o.Metrics,
		limiter:      o.Limiter,
		proposeLimit: o.ProposeLimit,
		ttl:          o.ApprovalTTL,
	}
	if g.approvals == nil {
		g.approvals = approval.NewStore()
	}
	if g.hub == nil {
		g.hub = stream.NewHub()
	}
	if g.channels == nil {
		g.channels = channels.NewRegistry(channels.Default())
	}
	if g.audit == nil {
		g.audit = audit.NewWriter(audit.LogSink{}, nil, false)
	}
	if g.metrics == nil {
		g.metrics = metrics.NewRegistry()
	}
	if g.ttl <= 0 {
		g.ttl = DefaultApprovalTTL
	}
	g.terminals = terminal.NewManager(o.Spawner, g.publishTerminal)
	return g, nil
}

func (g *Gateway) Terminals() *terminal.Manager { return g.terminals }
func (g *Gateway) Approvals() *approval.Store   { return g.approvals }
func (g *Gateway) Hub() *stream.Hub             { return g.hub }
func (g *Gateway) Metrics() *metrics.Registry   { return g.metrics }

func (g *Gateway) recoverInto(res *Result, op string) {
	if r := recover(); r != nil {
		log.Printf("gateway: %s panic: %v", op, r)
		*res = failure(ErrInternal)
	}
}

func (g *Gateway) decide(a policy.Action) policy.Decision {
	d := g.policy.Decide(a)
	verdict := "deny"
	if d.Allow {
		verdict = "allow"
	}
	g.metrics.IncDecision(string(a.Kind()), verdict)
	return d
}

func (g *Gateway) record(ctx context.Context, rec audit.Record) {
	if _, err := g.audit.Append(ctx, rec); err != nil {
		log.Printf("gateway: %v", err)
	}
}

// agentID is the authenticated identity proposals are counted and audited under.
// A request body can name an agent too, but that value is only a label.
func agentID(ctx context.Context) string {
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		if p.AgentID != "" {
			return p.AgentID
		}
		if p.Subject != "" {
			return p.Subject
		}
	}
	return "anonymous"
}

func execAction(p approval.Payload) policy.TerminalExec {
	return policy.TerminalExec{Command: p.Command, Cwd: p.Cwd, Env: p.Env}
}

// notify publishes an approval or policy event to observers subscribed to its class.
func (g *Gateway) notify(class stream.Class, eventType string, payload map[string]any) {
	g.hub.BroadcastToSubscribers(stream.NewEvent(class, eventType, payload))
	g.metrics.IncStreamEvent(eventType)
}

// ProposeExec checks the command against current policy and, when allowed, mints
// a single-use approval token. A denial creates no token.
func (g *Gateway) ProposeExec(ctx context.Context, req ExecRequest) (res Result) {
	defer g.recoverInto(&res, "proposeExec")
	agent := agentID(ctx)
	label := strings.TrimSpace(req.AgentID)
	ctx, span := telemetry.StartSpan(ctx, "gateway.proposeExec", map[string]string{"agent.id": agent, "agent.label": label})
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	g.approvals.Prune()
	if g.limiter != nil && g.proposeLimit > 0 {
		if d := g.limiter.Allow(ctx, agent, g.proposeLimit); !d.Allowed {
			err = fmt.Errorf("%w: retry after %s", ErrRateLimited, d.ResetAt.Format(time.RFC3339))
			g.metrics.IncApproval("rate_limited")
			return failure(err)
		}
	}
	payload := approval.Payload{Command: req.Command, Cwd: req.Cwd, Env: req.Env}
	d := g.decide(execAction(payload))
	if err = policy.AssertAllowed(d); err != nil {
		g.metrics.IncApproval("denied")
		g.record(ctx, audit.Record{Event: audit.EventDenied, AgentID: agent, AgentLabel: label, Command: req.Command, Cwd: req.Cwd, Reason: d.Reason})
		g.notify(stream.ClassCommand, "approval:denied", map[string]any{"agentId": agent, "command": req.Command, "reason": d.Reason})
		return failure(err)
	}
	ticket, err := g.approvals.Create(payload, g.ttl)
	if err != nil {
		return failure(err)
	}
	g.metrics.IncApproval("proposed")
	g.record(ctx, audit.Record{Event: audit.EventProposed, AgentID: agent, AgentLabel: label, Command: req.Command, Cwd: req.Cwd, Token: ticket.Token})
	g.notify(stream.ClassCommand, "approval:proposed", map[string]any{
		"agentId":   agent,
		"command":   req.Command,
		"cwd":       req.Cwd,
		"expiresAt": ticket.ExpiresAt.UnixMilli(),
	})
	return Result{OK: true, Token: ticket.Token, ExpiresAt: ticket.ExpiresAt.UnixMilli()}
}

// ApproveExec consumes token, re-evaluates policy on the stored command and writes
// it into the session. If the fresh decision denies or the session is gone the
// token stays pending.
func (g *Gateway) ApproveExec(ctx context.Context, terminalID, token string) (res Result) {
	defer g.recoverInto(&res, "approveExec")
	ctx, span := telemetry.StartSpan(ctx, "gateway.approveExec", map[string]string{"terminal.id": terminalID})
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	agent := agentID(ctx)
	var reason, command string
	payload, err := g.approvals.ConsumeIf(token, func(p approval.Payload) error {
		command = p.Command
		d := g.decide(execAction(p))
		if err := policy.AssertAllowed(d); err != nil {
			reason = d.Reason
			return err
		}
		sess := g.terminals.Get(terminalID)
		if sess == nil || sess.Status() == terminal.StatusExited {
			return terminal.ErrUnknownSession
		}
		return nil
	})
	if err != nil {
		g.rejected(ctx, agent, terminalID, command, token, reason, err)
		return failure(err)
	}
	if err = g.terminals.Write(terminalID, []byte(payload.Command+"\r")); err != nil {
		// the token is spent; the command never reached the session
		g.rejected(ctx, agent, terminalID, payload.Command, token, "write failed: "+err.Error(), err)
		return failure(err)
	}
	g.metrics.IncApproval("approved")
	g.record(ctx, audit.Record{Event: audit.EventApproved, AgentID: agent, TerminalID: terminalID, Command: payload.Command, Cwd: payload.Cwd, Token: token})
	g.notify(stream.ClassCommand, "approval:approved", map[string]any{"agentId": agent, "terminalId": terminalID, "command": payload.Command})
	return Result{OK: true, TerminalID: terminalID, Success: true}
}

func (g *Gateway) rejected(ctx context.Context, agent, terminalID, command, token, reason string, err error) {
	g.metrics.IncApproval("rejected")
	if reason == "" {
		reason = err.Error()
	}
	g.record(ctx, audit.Record{Event: audit.EventRejected, AgentID: agent, TerminalID: terminalID, Command: command, Token: token, Reason: reason})
	g.notify(stream.ClassCommand, "approval:rejected", map[string]any{"agentId": agent, "terminalId": terminalID, "command": command, "reason": reason})
}

// ClaimApproved consumes token for the command output stream. Policy is
// re-evaluated exactly as in ApproveExec.
func (g *Gateway) ClaimApproved(ctx context.Context, token string) (approval.Payload, error) {
	agent := agentID(ctx)
	var reason, command string
	p, err := g.approvals.ConsumeIf(token, func(p approval.Payload) error {
		command = p.Command
		d := g.decide(execAction(p))
		reason = d.Reason
		return policy.AssertAllowed(d)
	})
	if err != nil {
		g.rejected(ctx, agent, "", command, token, reason, err)
		return approval.Payload{}, err
	}
	g.metrics.IncApproval("streamed")
	g.record(ctx, audit.Record{Event: audit.EventStreamed, AgentID: agent, Command: p.Command, Cwd: p.Cwd, Token: token})
	g.notify(stream.ClassCommand, "approval:streamed", map[string]any{"agentId": agent, "command": p.Command})
	return p, nil
}

func (g *Gateway) CreateTerminal(ctx context.Context, opts terminal.Options) (res Result) {
	defer g.recoverInto(&res, "createTerminal")
	sess, err := g.terminals.Create(ctx, opts)
	if err != nil {
		return failure(err)
	}
	return Result{OK: true, TerminalID: sess.ID}
}

func (g *Gateway) WriteTerminal(_ context.Context, terminalID, data string) (res Result) {
	defer g.recoverInto(&res, "writeTerminal")
	if err := g.terminals.Write(terminalID, []byte(data)); err != nil {
		return failure(err)
	}
	return Result{OK: true, Success: true}
}

func (g *Gateway) KillTerminal(_ context.Context, terminalID string) (res Result) {
	defer g.recoverInto(&res, "killTerminal")
	if err := g.terminals.Kill(terminalID); err != nil {
		return failure(err)
	}
	return Result{OK: true, Success: true}
}

func (g *Gateway) ResizeTerminal(_ context.Context, terminalID string, cols, rows uint16) (res Result) {
	defer g.recoverInto(&res, "resizeTerminal")
	if err := g.terminals.Resize(terminalID, cols, rows); err != nil {
		return failure(err)
	}
	return Result{OK: true, Success: true}
}

func (g *Gateway) PolicyGet(context.Context) PolicyState {
	return PolicyState{OK: true, Flags: g.policy.Get()}
}

func (g *Gateway) PolicySet(_ context.Context, u policy.Update) PolicyState {
	before := g.policy.Get()
	flags := g.policy.Set(u)
	log.Printf("gateway: policy set offline=%t safeMode=%t", flags.Offline, flags.SafeMode)
	if flags != before {
		g.notify(stream.ClassSystem, "policy:changed", map[string]any{"offline": flags.Offline, "safeMode": flags.SafeMode})
	}
	return PolicyState{OK: true, Flags: flags}
}

// publishTerminal is the session manager's sink. It runs on each session's
// reader goroutine, so per-session order is preserved into the hub.
func (g *Gateway) publishTerminal(evt terminal.Event) {
	var (
		name    channels.Name
		payload any
	)
	switch evt.Kind {
	case terminal.EventData:
		name = channels.TerminalData
		payload = map[string]any{"terminalId": evt.TerminalID, "data": evt.Data}
	case terminal.EventExit:
		name = channels.TerminalExit
		payload = map[string]any{"terminalId": evt.TerminalID, "code": evt.Code}
	default:
		return
	}
	if err := g.channels.Emit(name); err != nil {
		log.Printf("gateway: drop %s event: %v", name, err)
		return
	}
	g.hub.Broadcast(stream.NewEvent(stream.ClassTerminal, string(name), payload))
	g.metrics.IncStreamEvent(string(name))
}

// RefreshGauges copies live sizes into the metrics registry.
func (g *Gateway) RefreshGauges() {
	stats := g.approvals.Stats()
	g.metrics.SetGauge("approvals_pending", float64(stats.Pending))
	g.metrics.SetGauge("terminals_active", float64(len(g.terminals.List())))
	g.metrics.SetGauge("stream_observers", float64(g.hub.Len()))
	g.metrics.SetGauge("stream_evicted", float64(g.hub.Evicted()))
}

func (g *Gateway) Shutdown() {
	g.terminals.Shutdown()
	if err := g.audit.Close(); err != nil {
		log.Printf("gateway: close audit sink: %v", err)
	}
}
