// Package mux serves the streaming surface: one websocket per client carrying
// hub events plus any number of producer streams keyed by requestId.
package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"warpgate/pkg/approval"
	"warpgate/pkg/httpx"
	"warpgate/pkg/metrics"
	"warpgate/pkg/producer"
	"warpgate/pkg/stream"
)

type AIStreamer interface {
	StreamAI(ctx context.Context, req producer.AIRequest, onToken func(producer.Token) error) (string, error)
}

type VoiceStreamer interface {
	StreamVoice(ctx context.Context, req producer.VoiceRequest, onChunk func([]byte) error) (int, error)
}

// CommandSource turns an approval token into the payload it approved.
type CommandSource interface {
	ClaimApproved(ctx context.Context, token string) (approval.Payload, error)
}

type CommandRunner interface {
	Run(ctx context.Context, p approval.Payload, onOutput func(stream string, data []byte) error) (int, error)
}

type Config struct {
	Hub               *stream.Hub
	AI                AIStreamer
	Voice             VoiceStreamer
	Commands          CommandSource
	Runner            CommandRunner
	Metrics           *metrics.Registry
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	QueueSize         int
	ReadLimit         int64
	OriginPatterns    []string
}

var errConnClosed = errors.New("connection closed")

// subscribable lists the classes the hub publishes by subscription. Terminal
// events reach every connection and ai or voice frames travel on their requestId.
var subscribable = map[stream.Class]struct{}{
	stream.ClassCommand: {},
	stream.ClassSystem:  {},
}

type Server struct {
	cfg Config

	mu       sync.Mutex
	conns    map[string]*conn
	draining bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Hub == nil {
		cfg.Hub = stream.NewHub()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}
	return &Server{cfg: cfg, conns: map[string]*conn{}}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		httpx.Error(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.OriginPatterns) > 0 {
		opts.OriginPatterns = s.cfg.OriginPatterns
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	c := newConn(uuid.NewString(), r.RemoteAddr, ws, s.cfg.QueueSize)
	if err := s.cfg.Hub.Register(c); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "register failed")
		return
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	log.Printf("mux: client %s connected from %s", c.id, c.remote)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		c.closeWith(websocket.StatusNormalClosure, "closed")
		s.cfg.Hub.Unregister(c.id)
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		log.Printf("mux: client %s disconnected (%s)", c.id, c.closeReason())
	}()

	go c.writeLoop(ctx, s.cfg.WriteTimeout, s.countFrame)
	go s.heartbeat(ctx, c)

	hello := newFrame(TypeConnected, "")
	hello.ClientID = c.id
	hello.Message = "connected to warpgate"
	c.send(hello)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.send(errorFrame("", "invalid message format"))
			continue
		}
		s.dispatch(ctx, c, env)
	}
}

func (s *Server) countFrame(f Frame) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncStreamEvent(f.Type)
	}
}

// heartbeat pings c every interval. A ping still unanswered when the next cycle
// is due terminates the connection.
func (s *Server) heartbeat(ctx context.Context, c *conn) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatInterval)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				if !c.closed() {
					log.Printf("mux: client %s missed heartbeat: %v", c.id, err)
				}
				c.terminate("heartbeat timeout")
				return
			}
			c.pong()
		}
	}
}

func errorFrame(requestID, msg string) Frame {
	f := newFrame(TypeError, requestID)
	f.Message = msg
	return f
}

func (s *Server) dispatch(ctx context.Context, c *conn, env Envelope) {
	switch env.Type {
	case TypeHeartbeat:
		c.send(newFrame(TypeHeartbeatAck, env.RequestID))
	case TypeSubscribe, TypeUnsubscribe:
		s.subscription(c, env)
	case TypeCancel:
		// the cancelled stream reports through its own terminal marker
		if !c.cancel(env.RequestID) {
			c.send(errorFrame(env.RequestID, "no active request "+env.RequestID))
		}
	case TypeAIRequest:
		if env.Prompt == "" {
			c.send(errorFrame(env.RequestID, "prompt is required for AI streaming"))
			return
		}
		s.start(ctx, c, env, s.runAI)
	case TypeVoiceRequest:
		if env.Text == "" {
			c.send(errorFrame(env.RequestID, "text is required for voice streaming"))
			return
		}
		s.start(ctx, c, env, s.runVoice)
	case TypeCommandRequest:
		if env.Token == "" {
			c.send(errorFrame(env.RequestID, "approval token is required"))
			return
		}
		s.start(ctx, c, env, s.runCommand)
	default:
		c.send(errorFrame(env.RequestID, fmt.Sprintf("unknown message type: %s", env.Type)))
	}
}

func (s *Server) subscription(c *conn, env Envelope) {
	classes, err := stream.ParseClasses(env.Events)
	if err != nil {
		c.send(errorFrame(env.RequestID, err.Error()))
		return
	}
	for _, class := range classes {
		if _, ok := subscribable[class]; !ok {
			c.send(errorFrame(env.RequestID, fmt.Sprintf("%s events are not delivered by subscription", class)))
			return
		}
	}
	typ := TypeSubscribed
	if env.Type == TypeSubscribe {
		err = s.cfg.Hub.Subscribe(c.id, classes...)
	} else {
		typ = TypeUnsubscribed
		err = s.cfg.Hub.Unsubscribe(c.id, classes...)
	}
	if err != nil {
		c.send(errorFrame(env.RequestID, err.Error()))
		return
	}
	f := newFrame(typ, env.RequestID)
	f.Events = env.Events
	c.send(f)
}

// start runs one producer stream on its own goroutine. Everything for one
// requestId is sent from that goroutine, so its terminal marker is always last.
func (s *Server) start(ctx context.Context, c *conn, env Envelope, run func(context.Context, *conn, Envelope)) {
	if env.RequestID == "" {
		c.send(errorFrame("", "requestId is required"))
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	if !c.begin(env.RequestID, cancel) {
		cancel()
		c.send(errorFrame(env.RequestID, "requestId already active"))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer c.finish(env.RequestID)
		run(rctx, c, env)
	}()
}

func emitter(c *conn) func(Frame) error {
	return func(f Frame) error {
		if !c.send(f) {
			return errConnClosed
		}
		return nil
	}
}

func failMarker(c *conn, typ, requestID string, err error) {
	f := newFrame(typ, requestID)
	f.Error = err.Error()
	if errors.Is(err, context.Canceled) {
		f.Error = "cancelled"
	}
	c.send(f)
}

func (s *Server) runAI(ctx context.Context, c *conn, env Envelope) {
	emit := emitter(c)
	start := newFrame(TypeAIStart, env.RequestID)
	start.Provider = env.Provider
	if emit(start) != nil {
		return
	}
	if s.cfg.AI == nil {
		failMarker(c, TypeAIError, env.RequestID, &producer.Error{Kind: producer.KindAI, Err: producer.ErrNotConfigured})
		return
	}
	full, err := s.cfg.AI.StreamAI(ctx, producer.AIRequest{Prompt: env.Prompt, Provider: env.Provider, Options: env.Options}, func(tok producer.Token) error {
		f := newFrame(TypeAIToken, env.RequestID)
		f.Token = tok.Text
		f.Finished = tok.Finished
		return emit(f)
	})
	if err != nil {
		failMarker(c, TypeAIError, env.RequestID, err)
		return
	}
	done := newFrame(TypeAIComplete, env.RequestID)
	done.Response = full
	c.send(done)
}

func (s *Server) runVoice(ctx context.Context, c *conn, env Envelope) {
	emit := emitter(c)
	if emit(newFrame(TypeVoiceStart, env.RequestID)) != nil {
		return
	}
	if s.cfg.Voice == nil {
		failMarker(c, TypeVoiceError, env.RequestID, &producer.Error{Kind: producer.KindVoice, Err: producer.ErrNotConfigured})
		return
	}
	total, err := s.cfg.Voice.StreamVoice(ctx, producer.VoiceRequest{Text: env.Text, Voice: env.Voice, Options: env.Options}, func(b []byte) error {
		f := newFrame(TypeVoiceChunk, env.RequestID)
		f.Audio = b
		f.Size = len(b)
		return emit(f)
	})
	if err != nil {
		failMarker(c, TypeVoiceError, env.RequestID, err)
		return
	}
	done := newFrame(TypeVoiceComplete, env.RequestID)
	done.Size = total
	c.send(done)
}

func (s *Server) runCommand(ctx context.Context, c *conn, env Envelope) {
	if s.cfg.Commands == nil || s.cfg.Runner == nil {
		failMarker(c, TypeCommandError, env.RequestID, &producer.Error{Kind: producer.KindCommand, Err: producer.ErrNotConfigured})
		return
	}
	payload, err := s.cfg.Commands.ClaimApproved(ctx, env.Token)
	if err != nil {
		failMarker(c, TypeCommandError, env.RequestID, err)
		return
	}
	emit := emitter(c)
	start := newFrame(TypeCommandStart, env.RequestID)
	start.Command = payload.Command
	if emit(start) != nil {
		return
	}
	code, err := s.cfg.Runner.Run(ctx, payload, func(name string, data []byte) error {
		f := newFrame(TypeCommandOutput, env.RequestID)
		f.Output = string(data)
		f.Stream = name
		return emit(f)
	})
	if err != nil {
		failMarker(c, TypeCommandError, env.RequestID, err)
		return
	}
	done := newFrame(TypeCommandDone, env.RequestID)
	done.ExitCode = &code
	c.send(done)
}

type ClientStats struct {
	ClientID       string         `json:"clientId"`
	Remote         string         `json:"remote"`
	ConnectedAt    time.Time      `json:"connectedAt"`
	LastPong       time.Time      `json:"lastPong"`
	Subscriptions  []stream.Class `json:"subscriptions"`
	ActiveRequests int            `json:"activeRequests"`
}

type Stats struct {
	Connections int           `json:"connections"`
	Clients     []ClientStats `json:"clients"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	out := Stats{Connections: len(conns), Clients: make([]ClientStats, 0, len(conns))}
	for _, c := range conns {
		c.mu.Lock()
		lastPong := c.lastPong
		c.mu.Unlock()
		out.Clients = append(out.Clients, ClientStats{
			ClientID:       c.id,
			Remote:         c.remote,
			ConnectedAt:    c.connectedAt,
			LastPong:       lastPong,
			Subscriptions:  s.cfg.Hub.Subscriptions(c.id),
			ActiveRequests: c.active(),
		})
	}
	sort.Slice(out.Clients, func(i, j int) bool { return out.Clients[i].ConnectedAt.Before(out.Clients[j].ConnectedAt) })
	return out
}

// Shutdown refuses new connections, closes live ones with 1001 and waits for
// handlers and producer streams to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.closeWith(websocket.StatusGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
