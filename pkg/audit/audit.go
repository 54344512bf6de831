// Package audit keeps an append-only trail of approval outcomes. Raw approval tokens
// never leave this package: records carry a salted hash instead.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

type Event string

const (
	EventProposed Event = "proposed"
	EventDenied   Event = "denied"
	EventApproved Event = "approved"
	EventRejected Event = "rejected"
	EventStreamed Event = "streamed"
)

type Record struct {
	ID         string    `json:"id"`
	Event      Event     `json:"event"`
	AgentID    string    `json:"agentId,omitempty"`
	AgentLabel string    `json:"agentLabel,omitempty"`
	TerminalID string    `json:"terminalId,omitempty"`
	Command    string    `json:"command,omitempty"`
	Cwd        string    `json:"cwd,omitempty"`
	Token      string    `json:"-"`
	TokenHash  string    `json:"tokenHash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Sink interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

var ErrNoSink = errors.New("audit sink not configured")

type Writer struct {
	Sink     Sink
	HashSalt []byte
	Redact   bool
	now      func() time.Time
}

func NewWriter(sink Sink, salt []byte, redact bool) *Writer {
	return &Writer{Sink: sink, HashSalt: salt, Redact: redact, now: time.Now}
}

// Append stamps, hashes and forwards rec. The returned record is what was stored.
func (w *Writer) Append(ctx context.Context, rec Record) (Record, error) {
	if w == nil || w.Sink == nil {
		return rec, ErrNoSink
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		now := time.Now
		if w.now != nil {
			now = w.now
		}
		rec.CreatedAt = now().UTC()
	}
	rec = redactRecord(rec, w.HashSalt, w.Redact)
	if err := w.Sink.Append(ctx, rec); err != nil {
		return rec, fmt.Errorf("audit append %s: %w", rec.Event, err)
	}
	return rec, nil
}

func (w *Writer) Close() error {
	if w == nil || w.Sink == nil {
		return nil
	}
	return w.Sink.Close()
}

// LogSink writes one JSON line per record through the standard logger.
type LogSink struct {
	Logf func(format string, args ...any)
}

func (s LogSink) Append(_ context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	logf := s.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("audit: %s", b)
	return nil
}

func (LogSink) Close() error { return nil }
