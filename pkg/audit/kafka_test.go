package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaSinkValidation(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{" "}, Topic: "audit"}); err == nil {
		t.Fatal("expected brokers error")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected topic error")
	}
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "warpgate.audit"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaSinkPublishesKeyedRecord(t *testing.T) {
	fw := &fakeKafkaWriter{}
	sink := &KafkaSink{writer: fw}
	w := NewWriter(sink, []byte("s"), false)
	if _, err := w.Append(context.Background(), Record{Event: EventApproved, TerminalID: "t9", Token: "raw"}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append(context.Background(), Record{Event: EventProposed, AgentID: "planner"}); err != nil {
		t.Fatal(err)
	}
	if len(fw.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != "t9" || string(fw.msgs[1].Key) != "planner" {
		t.Fatalf("unexpected keys %q %q", fw.msgs[0].Key, fw.msgs[1].Key)
	}
	var rec map[string]any
	if err := json.Unmarshal(fw.msgs[0].Value, &rec); err != nil {
		t.Fatal(err)
	}
	if _, leaked := rec["token"]; leaked || rec["tokenHash"] == "" {
		t.Fatalf("unexpected payload %v", rec)
	}
	if string(fw.msgs[0].Headers[0].Value) != "approved" {
		t.Fatalf("expected event header, got %+v", fw.msgs[0].Headers)
	}
	if err := w.Close(); err != nil || !fw.closed {
		t.Fatal("expected writer closed")
	}
}

func TestKafkaSinkErrors(t *testing.T) {
	var nilSink *KafkaSink
	if err := nilSink.Append(context.Background(), Record{}); !errors.Is(err, ErrNoSink) {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
	if err := nilSink.Close(); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("broker down")
	sink := &KafkaSink{writer: &fakeKafkaWriter{err: boom}}
	if err := sink.Append(context.Background(), Record{ID: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}
}
