package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Class string

const (
	ClassTerminal Class = "terminal"
	ClassAI       Class = "ai"
	ClassVoice    Class = "voice"
	ClassCommand  Class = "command"
	ClassSystem   Class = "system"
)

var classes = map[Class]struct{}{
	ClassTerminal: {},
	ClassAI:       {},
	ClassVoice:    {},
	ClassCommand:  {},
	ClassSystem:   {},
}

var (
	ErrUnknownClass      = errors.New("unknown event class")
	ErrUnknownObserver   = errors.New("unknown observer")
	ErrDuplicateObserver = errors.New("observer already registered")
)

func ParseClass(s string) (Class, error) {
	c := Class(s)
	if _, ok := classes[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, s)
	}
	return c, nil
}

func ParseClasses(names []string) ([]Class, error) {
	out := make([]Class, 0, len(names))
	for _, n := range names {
		c, err := ParseClass(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type Event struct {
	Type  string          `json:"type"`
	Class Class           `json:"class"`
	At    string          `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEvent(class Class, eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, Class: class, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Observer is one live consumer. Deliver must not block; returning false means the
// observer cannot keep up and the hub evicts it.
type Observer interface {
	ID() string
	Deliver(Event) bool
	Close(reason string)
}

type member struct {
	obs     Observer
	classes map[Class]struct{}
}

type Hub struct {
	mu      sync.Mutex
	members map[string]*member
	evicted uint64
}

func NewHub() *Hub {
	return &Hub{members: map[string]*member{}}
}

func (h *Hub) Register(obs Observer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.members[obs.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateObserver, obs.ID())
	}
	h.members[obs.ID()] = &member{obs: obs, classes: map[Class]struct{}{}}
	return nil
}

// Unregister removes the observer without closing it. Repeated calls are no-ops.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.members[id]; !exists {
		return false
	}
	delete(h.members, id)
	return true
}

func (h *Hub) Subscribe(id string, cs ...Class) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return ErrUnknownObserver
	}
	for _, c := range cs {
		if _, known := classes[c]; !known {
			return fmt.Errorf("%w: %q", ErrUnknownClass, c)
		}
	}
	for _, c := range cs {
		m.classes[c] = struct{}{}
	}
	return nil
}

func (h *Hub) Unsubscribe(id string, cs ...Class) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return ErrUnknownObserver
	}
	for _, c := range cs {
		delete(m.classes, c)
	}
	return nil
}

func (h *Hub) Subscriptions(id string) []Class {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return nil
	}
	out := make([]Class, 0, len(m.classes))
	for c := range m.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Broadcast delivers evt to every registered observer and returns the number reached.
func (h *Hub) Broadcast(evt Event) int {
	return h.publish(evt, false)
}

// BroadcastToSubscribers delivers evt only to observers subscribed to its class.
func (h *Hub) BroadcastToSubscribers(evt Event) int {
	return h.publish(evt, true)
}

// publish holds the hub lock for the whole fan-out so two publishers never interleave
// their events differently across observers.
func (h *Hub) publish(evt Event, filtered bool) int {
	var dropped []Observer
	h.mu.Lock()
	delivered := 0
	for id, m := range h.members {
		if filtered {
			if _, ok := m.classes[evt.Class]; !ok {
				continue
			}
		}
		if m.obs.Deliver(evt) {
			delivered++
			continue
		}
		delete(h.members, id)
		h.evicted++
		dropped = append(dropped, m.obs)
	}
	h.mu.Unlock()
	for _, obs := range dropped {
		obs.Close("observer too slow")
	}
	return delivered
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

func (h *Hub) Evicted() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evicted
}

// Queue is a bounded channel-backed Observer.
type Queue struct {
	id     string
	mu     sync.Mutex
	ch     chan Event
	closed bool
	reason string
}

func NewQueue(id string, buffer int) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	return &Queue{id: id, ch: make(chan Event, buffer)}
}

func (q *Queue) ID() string { return q.id }

func (q *Queue) Deliver(evt Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- evt:
		return true
	default:
		return false
	}
}

// Close closes C. Events already queued remain readable.
func (q *Queue) Close(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.reason = reason
	close(q.ch)
}

func (q *Queue) C() <-chan Event { return q.ch }

func (q *Queue) Reason() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reason
}
