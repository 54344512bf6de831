package approval

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func TestCreateAndConsumeOnce(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ticket, err := s.Create(Payload{Command: "echo hi", Env: map[string]string{"A": "1"}}, time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(ticket.Token) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(ticket.Token))
	}
	p, err := s.Consume(ticket.Token)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if p.Command != "echo hi" || p.Env["A"] != "1" {
		t.Fatalf("unexpected payload %+v", p)
	}
	_, err = s.Consume(ticket.Token)
	var tokErr *TokenError
	if !errors.As(err, &tokErr) || tokErr.Cause != CauseConsumed {
		t.Fatalf("expected consumed error on reuse, got %v", err)
	}
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestTokensAreUnique(t *testing.T) {
	t.Parallel()

	s := NewStore()
	seen := map[string]bool{}
	for i := 0; i < 256; i++ {
		ticket, err := s.Create(Payload{Command: "ls"}, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if seen[ticket.Token] {
			t.Fatalf("duplicate token %s", ticket.Token)
		}
		seen[ticket.Token] = true
	}
	if s.Len() != 256 {
		t.Fatalf("expected 256 pending, got %d", s.Len())
	}
}

func TestUnknownToken(t *testing.T) {
	t.Parallel()

	s := NewStore()
	_, err := s.Consume("nope")
	var tokErr *TokenError
	if !errors.As(err, &tokErr) || tokErr.Cause != CauseUnknown {
		t.Fatalf("expected unknown, got %v", err)
	}
}

func TestExpiryWithClock(t *testing.T) {
	t.Parallel()

	clock := newClock()
	s := NewStore(WithClock(clock.Now))
	ticket, err := s.Create(Payload{Command: "ls"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ticket.ExpiresAt.Equal(clock.Now().Add(time.Second)) {
		t.Fatalf("unexpected expiry %v", ticket.ExpiresAt)
	}
	clock.Advance(time.Second)
	if _, ok := s.Lookup(ticket.Token); !ok {
		t.Fatal("token must still be live at exactly its expiry instant")
	}
	clock.Advance(time.Millisecond)
	if _, err := s.Consume(ticket.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expired entry must be pruned, len=%d", s.Len())
	}
	if got := s.Stats().Totals[Expired]; got != 1 {
		t.Fatalf("expected one expiry counted, got %d", got)
	}
}

func TestExpiryRealTime(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ticket, err := s.Create(Payload{Command: "ls"}, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := s.Consume(ticket.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestPruneRemovesOnlyExpired(t *testing.T) {
	t.Parallel()

	clock := newClock()
	s := NewStore(WithClock(clock.Now))
	short, _ := s.Create(Payload{Command: "a"}, time.Second)
	long, _ := s.Create(Payload{Command: "b"}, time.Hour)
	clock.Advance(2 * time.Second)
	if n := s.Prune(); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, ok := s.Lookup(short.Token); ok {
		t.Fatal("short-lived token should be gone")
	}
	if state, ok := s.Lookup(long.Token); !ok || state != Pending {
		t.Fatalf("long-lived token should be pending, got %q %v", state, ok)
	}
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ticket, err := s.Create(Payload{Command: "echo once"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	const workers = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.Consume(ticket.Token); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestConsumeIfRejectedCheckKeepsToken(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ticket, _ := s.Create(Payload{Command: "npm test"}, time.Minute)
	blocked := errors.New("blocked")
	if _, err := s.ConsumeIf(ticket.Token, func(Payload) error { return blocked }); !errors.Is(err, blocked) {
		t.Fatalf("expected check error to surface, got %v", err)
	}
	if state, ok := s.Lookup(ticket.Token); !ok || state != Pending {
		t.Fatalf("rejected check must leave token pending, got %q %v", state, ok)
	}
	var seen string
	if _, err := s.ConsumeIf(ticket.Token, func(p Payload) error { seen = p.Command; return nil }); err != nil {
		t.Fatalf("consume after passing check: %v", err)
	}
	if seen != "npm test" {
		t.Fatalf("check saw %q", seen)
	}
}

func TestPayloadIsCopied(t *testing.T) {
	t.Parallel()

	s := NewStore()
	env := map[string]string{"K": "v"}
	ticket, _ := s.Create(Payload{Command: "env", Env: env}, time.Minute)
	env["K"] = "mutated"
	p, err := s.Consume(ticket.Token)
	if err != nil {
		t.Fatal(err)
	}
	if p.Env["K"] != "v" {
		t.Fatalf("stored payload aliased caller map: %v", p.Env)
	}
}

func TestCreateRejectsBadTTLAndRandomFailure(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if _, err := s.Create(Payload{Command: "ls"}, 0); err == nil {
		t.Fatal("expected ttl error")
	}
	s.random = func([]byte) (int, error) { return 0, errors.New("entropy exhausted") }
	if _, err := s.Create(Payload{Command: "ls"}, time.Minute); err == nil {
		t.Fatal("expected random failure to surface")
	}
	if s.Len() != 0 {
		t.Fatal("failed create must not store an entry")
	}
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		ok       bool
	}{
		{Pending, Consumed, true},
		{Pending, Expired, true},
		{Consumed, Pending, false},
		{Consumed, Expired, false},
		{Expired, Consumed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Fatalf("%s -> %s: got %v want %v", tt.from, tt.to, got, tt.ok)
		}
	}
	if !IsTerminal(Consumed) || IsTerminal(Pending) {
		t.Fatal("terminal state classification wrong")
	}
}
