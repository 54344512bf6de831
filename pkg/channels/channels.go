// Package channels guards the control surface between the privileged host and an
// untrusted UI process. Only names fixed in the allowlist at startup may ever be
// registered or dispatched.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

type Name string

const (
	PolicyGet           Name = "policy:get"
	PolicySet           Name = "policy:set"
	TerminalCreate      Name = "terminal:create"
	TerminalWrite       Name = "terminal:write"
	TerminalKill        Name = "terminal:kill"
	TerminalResize      Name = "terminal:resize"
	TerminalProposeExec Name = "terminal:proposeExec"
	TerminalApproveExec Name = "terminal:approveExec"
	TerminalData        Name = "terminal:data"
	TerminalExit        Name = "terminal:exit"
)

var (
	ErrChannelNotAllowed = errors.New("channel not allowed")
	ErrNoHandler         = errors.New("no handler registered")
	ErrDuplicateHandler  = errors.New("handler already registered")
)

// Default is the allowlist shipped with the gateway.
func Default() []Name {
	return []Name{
		PolicyGet, PolicySet,
		TerminalCreate, TerminalWrite, TerminalKill, TerminalResize,
		TerminalProposeExec, TerminalApproveExec,
		TerminalData, TerminalExit,
	}
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

type Registry struct {
	allowed  map[Name]struct{}
	mu       sync.RWMutex
	handlers map[Name]HandlerFunc
}

func NewRegistry(allowed []Name) *Registry {
	set := make(map[Name]struct{}, len(allowed))
	for _, n := range allowed {
		n = Name(strings.TrimSpace(string(n)))
		if n != "" {
			set[n] = struct{}{}
		}
	}
	log.Printf("channels: allowlist loaded (%d channels)", len(set))
	return &Registry{allowed: set, handlers: map[Name]HandlerFunc{}}
}

func (r *Registry) Allowed(name Name) bool {
	_, ok := r.allowed[name]
	return ok
}

func notAllowed(name Name) error {
	return fmt.Errorf("%w: %s", ErrChannelNotAllowed, name)
}

// Handle registers h for name. Unlisted names are refused.
func (r *Registry) Handle(name Name, h HandlerFunc) error {
	if !r.Allowed(name) {
		return notAllowed(name)
	}
	if h == nil {
		return fmt.Errorf("channels: nil handler for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	r.handlers[name] = h
	return nil
}

// MustHandle is Handle for startup wiring; a misregistration is a build bug and panics.
func (r *Registry) MustHandle(name Name, h HandlerFunc) {
	if err := r.Handle(name, h); err != nil {
		panic(err)
	}
}

// Dispatch runs the handler for name. The allowlist is checked again here so a
// handler that reached the table some other way still cannot run.
func (r *Registry) Dispatch(ctx context.Context, name Name, payload json.RawMessage) (any, error) {
	if !r.Allowed(name) {
		return nil, notAllowed(name)
	}
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, name)
	}
	return h(ctx, payload)
}

// Emit reports whether events may be pushed on name.
func (r *Registry) Emit(name Name) error {
	if !r.Allowed(name) {
		return notAllowed(name)
	}
	return nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.allowed))
	for n := range r.allowed {
		out = append(out, string(n))
	}
	sort.Strings(out)
	return out
}
