package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type memorySink struct {
	records []Record
	err     error
	closed  bool
}

func (m *memorySink) Append(_ context.Context, rec Record) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

func TestWriterHashesTokenAndStamps(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, []byte("salt"), false)
	w.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	rec, err := w.Append(context.Background(), Record{
		Event:      EventApproved,
		TerminalID: "t1",
		Command:    "echo hi",
		Token:      "deadbeef",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.ID == "" || rec.CreatedAt.Year() != 2026 {
		t.Fatalf("expected id and timestamp, got %+v", rec)
	}
	if rec.Token != "" || rec.TokenHash == "" || rec.TokenHash == "deadbeef" {
		t.Fatalf("raw token must be replaced by hash, got %+v", rec)
	}
	if rec.TokenHash != hashString("deadbeef", []byte("salt")) {
		t.Fatal("token hash must be salted sha256")
	}
	if rec.Command != "echo hi" {
		t.Fatalf("command should be kept when redaction is off, got %q", rec.Command)
	}
	if len(sink.records) != 1 || sink.records[0].Token != "" {
		t.Fatalf("sink must never see raw token: %+v", sink.records)
	}
}

func TestWriterRedactsCommand(t *testing.T) {
	sink := &memorySink{}
	w := NewWriter(sink, nil, true)
	rec, err := w.Append(context.Background(), Record{Event: EventDenied, Command: "cat ~/.ssh/id_rsa", Cwd: "/home/me"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(rec.Command, "sha256:") || strings.Contains(rec.Command, "id_rsa") {
		t.Fatalf("expected hashed command, got %q", rec.Command)
	}
	if !strings.HasPrefix(rec.Cwd, "sha256:") {
		t.Fatalf("expected hashed cwd, got %q", rec.Cwd)
	}
	if hashString("x", nil) == hashString("x", []byte("s")) {
		t.Fatal("salt must change the digest")
	}
}

func TestWriterErrors(t *testing.T) {
	var nilWriter *Writer
	if _, err := nilWriter.Append(context.Background(), Record{}); !errors.Is(err, ErrNoSink) {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
	if err := nilWriter.Close(); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("disk full")
	sink := &memorySink{err: boom}
	w := NewWriter(sink, nil, false)
	if _, err := w.Append(context.Background(), Record{Event: EventProposed}); !errors.Is(err, boom) {
		t.Fatalf("expected sink error to wrap, got %v", err)
	}
	if err := w.Close(); err != nil || !sink.closed {
		t.Fatalf("close should reach sink: %v", err)
	}
}

func TestLogSink(t *testing.T) {
	var lines []string
	sink := LogSink{Logf: func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }}
	w := NewWriter(sink, nil, false)
	if _, err := w.Append(context.Background(), Record{Event: EventRejected, Reason: "denied: nope", Token: "secret-token"}); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || !strings.Contains(lines[0], `"event":"rejected"`) {
		t.Fatalf("unexpected log lines %v", lines)
	}
	if strings.Contains(lines[0], "secret-token") {
		t.Fatal("raw token leaked into log")
	}
}
