package channels

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestHandleRejectsUnlistedChannel(t *testing.T) {
	t.Parallel()

	r := NewRegistry([]Name{PolicyGet})
	err := r.Handle("shell:exec", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	if !errors.Is(err, ErrChannelNotAllowed) {
		t.Fatalf("expected ErrChannelNotAllowed, got %v", err)
	}
}

func TestMustHandlePanicsOnUnlistedChannel(t *testing.T) {
	t.Parallel()

	r := NewRegistry([]Name{PolicyGet})
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic")
		}
		err, ok := rec.(error)
		if !ok || !errors.Is(err, ErrChannelNotAllowed) {
			t.Fatalf("expected ErrChannelNotAllowed panic, got %v", rec)
		}
	}()
	r.MustHandle("debug:eval", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
}

func TestDispatchUnlistedRunsNoHandler(t *testing.T) {
	t.Parallel()

	r := NewRegistry([]Name{PolicyGet})
	ran := false
	r.MustHandle(PolicyGet, func(context.Context, json.RawMessage) (any, error) {
		ran = true
		return "ok", nil
	})
	// Smuggle a handler past registration to prove dispatch re-checks.
	r.handlers["fs:rmrf"] = func(context.Context, json.RawMessage) (any, error) {
		ran = true
		return nil, nil
	}
	if _, err := r.Dispatch(context.Background(), "fs:rmrf", nil); !errors.Is(err, ErrChannelNotAllowed) {
		t.Fatalf("expected ErrChannelNotAllowed, got %v", err)
	}
	if ran {
		t.Fatal("handler must not run for unlisted channel")
	}
}

func TestDispatchListedChannel(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Default())
	r.MustHandle(PolicyGet, func(_ context.Context, payload json.RawMessage) (any, error) {
		return string(payload), nil
	})
	out, err := r.Dispatch(context.Background(), PolicyGet, json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(string) != `{"x":1}` {
		t.Fatalf("unexpected output %v", out)
	}
	if _, err := r.Dispatch(context.Background(), TerminalKill, nil); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Default())
	h := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	if err := r.Handle(TerminalWrite, h); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := r.Handle(TerminalWrite, h); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestEmitAndNames(t *testing.T) {
	t.Parallel()

	r := NewRegistry([]Name{TerminalData, " ", PolicyGet})
	if err := r.Emit(TerminalData); err != nil {
		t.Fatalf("terminal:data should be emittable: %v", err)
	}
	if err := r.Emit(TerminalExit); !errors.Is(err, ErrChannelNotAllowed) {
		t.Fatalf("expected refusal, got %v", err)
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "policy:get" || names[1] != "terminal:data" {
		t.Fatalf("unexpected names %v", names)
	}
}
