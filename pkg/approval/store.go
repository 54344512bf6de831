// Package approval implements the propose-then-approve half of command execution:
// an agent's proposal becomes a short-lived, single-use token that a human must
// present before anything runs.
//
// The store is in-memory and process-local. A restart drops every outstanding
// proposal, so stale proposals cannot be replayed across restarts. Expiry is lazy:
// entries are reaped by the next store call, never by a timer.
package approval

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrTokenInvalid = errors.New("unknown or expired token")

type Cause string

const (
	CauseUnknown  Cause = "unknown"
	CauseExpired  Cause = "expired"
	CauseConsumed Cause = "consumed"
)

type TokenError struct {
	Cause Cause
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s (%s)", ErrTokenInvalid.Error(), e.Cause)
}

func (e *TokenError) Is(target error) bool { return target == ErrTokenInvalid }

type Payload struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type Entry struct {
	Token     string
	Payload   Payload
	CreatedAt time.Time
	ExpiresAt time.Time
	State     State
}

// Ticket is what a proposer gets back. It never carries the payload.
type Ticket struct {
	Token     string
	ExpiresAt time.Time
}

type Stats struct {
	Pending int             `json:"pending"`
	Totals  map[State]int64 `json:"totals"`
}

type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	totals  map[State]int64
	now     func() time.Time
	random  func([]byte) (int, error)
}

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: map[string]*Entry{},
		totals:  map[State]int64{},
		now:     time.Now,
		random:  rand.Read,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *Store) pruneLocked() int {
	now := s.now()
	removed := 0
	for token, e := range s.entries {
		if !now.After(e.ExpiresAt) {
			continue
		}
		if e.State == Pending {
			e.State, _ = Transition(e.State, Expired)
			s.totals[Expired]++
		}
		delete(s.entries, token)
		removed++
	}
	return removed
}

func (s *Store) Create(p Payload, ttl time.Duration) (Ticket, error) {
	if ttl <= 0 {
		return Ticket{}, fmt.Errorf("approval ttl must be positive, got %s", ttl)
	}
	token, err := s.mint()
	if err != nil {
		return Ticket{}, fmt.Errorf("mint approval token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	now := s.now()
	e := &Entry{
		Token:     token,
		Payload:   clonePayload(p),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		State:     Pending,
	}
	s.entries[token] = e
	s.totals[Pending]++
	return Ticket{Token: token, ExpiresAt: e.ExpiresAt}, nil
}

func (s *Store) Consume(token string) (Payload, error) {
	return s.ConsumeIf(token, nil)
}

// ConsumeIf validates token, runs check against the stored payload and marks the
// entry consumed only if check returns nil. The whole sequence holds the store lock,
// so concurrent consumers of one token see exactly one success and a rejected check
// leaves the entry pending.
func (s *Store) ConsumeIf(token string, check func(Payload) error) (Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	e, ok := s.entries[token]
	if !ok {
		return Payload{}, &TokenError{Cause: CauseUnknown}
	}
	if e.State == Consumed {
		return Payload{}, &TokenError{Cause: CauseConsumed}
	}
	if s.now().After(e.ExpiresAt) {
		return Payload{}, &TokenError{Cause: CauseExpired}
	}
	payload := clonePayload(e.Payload)
	if check != nil {
		if err := check(payload); err != nil {
			return Payload{}, err
		}
	}
	next, err := Transition(e.State, Consumed)
	if err != nil {
		return Payload{}, &TokenError{Cause: CauseConsumed}
	}
	e.State = next
	s.totals[Consumed]++
	return payload, nil
}

// Lookup reports an entry's state without consuming it.
func (s *Store) Lookup(token string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	e, ok := s.entries[token]
	if !ok {
		return "", false
	}
	return e.State, true
}

// Len counts live pending entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	n := 0
	for _, e := range s.entries {
		if e.State == Pending {
			n++
		}
	}
	return n
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := Stats{Totals: make(map[State]int64, len(s.totals))}
	for k, v := range s.totals {
		out.Totals[k] = v
	}
	for _, e := range s.entries {
		if e.State == Pending {
			out.Pending++
		}
	}
	return out
}

func (s *Store) mint() (string, error) {
	buf := make([]byte, 32)
	if _, err := s.random(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func clonePayload(p Payload) Payload {
	out := Payload{Command: p.Command, Cwd: p.Cwd}
	if len(p.Env) > 0 {
		out.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			out.Env[k] = v
		}
	}
	return out
}
