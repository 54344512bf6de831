// Package terminal owns pseudo-terminal sessions: it spawns them, serializes input,
// and reports output and exit through a single event sink.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownSession = errors.New("unknown terminal session")
	ErrSessionExited  = errors.New("terminal session has exited")
)

type SpawnError struct {
	ID  string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn terminal %s: %v", e.ID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

type Options struct {
	Shell string            `json:"shell,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Cols  uint16            `json:"cols,omitempty"`
	Rows  uint16            `json:"rows,omitempty"`
}

type EventKind string

const (
	EventData EventKind = "data"
	EventExit EventKind = "exit"
)

type Event struct {
	Kind       EventKind
	TerminalID string
	Data       string
	Code       int
}

// Sink receives session events. It is called from the session's reader goroutine,
// so events for one session arrive in production order.
type Sink func(Event)

type Session struct {
	ID        string
	Shell     string
	Cwd       string
	CreatedAt time.Time

	proc    Process
	writeMu sync.Mutex

	mu           sync.Mutex
	status       Status
	exitCode     int
	lastActivity time.Time
}

type Info struct {
	ID           string    `json:"terminalId"`
	Status       Status    `json:"status"`
	ExitCode     int       `json:"exitCode"`
	Shell        string    `json:"shell,omitempty"`
	Cwd          string    `json:"cwd,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Status:       s.status,
		ExitCode:     s.exitCode,
		Shell:        s.Shell,
		Cwd:          s.Cwd,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if s.status == StatusStarting {
		s.status = StatusRunning
	}
	s.lastActivity = now
	s.mu.Unlock()
}

// markExited reports whether this call performed the transition.
func (s *Session) markExited(code int, setCode bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if setCode {
		s.exitCode = code
	}
	if s.status == StatusExited {
		return false
	}
	s.status = StatusExited
	return true
}

type Manager struct {
	spawner Spawner
	sink    Sink
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	reaped   map[string]struct{}
}

func NewManager(spawner Spawner, sink Sink) *Manager {
	if spawner == nil {
		spawner = PTYSpawner{}
	}
	if sink == nil {
		sink = func(Event) {}
	}
	return &Manager{
		spawner:  spawner,
		sink:     sink,
		now:      time.Now,
		sessions: map[string]*Session{},
		reaped:   map[string]struct{}{},
	}
}

func (m *Manager) Create(ctx context.Context, opts Options) (*Session, error) {
	id := uuid.NewString()
	now := m.now()
	proc, err := m.spawner.Spawn(ctx, opts)
	if err != nil {
		m.mu.Lock()
		m.reaped[id] = struct{}{}
		m.mu.Unlock()
		log.Printf("terminal: spawn %s failed: %v", id, err)
		return nil, &SpawnError{ID: id, Err: err}
	}
	sess := &Session{
		ID:           id,
		Shell:        opts.Shell,
		Cwd:          opts.Cwd,
		CreatedAt:    now,
		proc:         proc,
		status:       StatusStarting,
		lastActivity: now,
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go m.pump(sess)
	log.Printf("terminal: session %s started", id)
	return sess, nil
}

func (m *Manager) pump(sess *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.proc.Read(buf)
		if n > 0 {
			sess.touch(m.now())
			m.sink(Event{Kind: EventData, TerminalID: sess.ID, Data: string(buf[:n])})
		}
		if err != nil {
			break
		}
	}
	code, err := sess.proc.Wait()
	if err != nil {
		log.Printf("terminal: session %s wait: %v", sess.ID, err)
	}
	_ = sess.proc.Close()
	sess.markExited(code, true)

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.reaped[sess.ID] = struct{}{}
	m.mu.Unlock()

	m.sink(Event{Kind: EventExit, TerminalID: sess.ID, Code: code})
	log.Printf("terminal: session %s exited with code %d", sess.ID, code)
}

func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) Write(id string, data []byte) error {
	sess := m.Get(id)
	if sess == nil {
		return ErrUnknownSession
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if sess.Status() == StatusExited {
		return ErrSessionExited
	}
	for len(data) > 0 {
		n, err := sess.proc.Write(data)
		if err != nil {
			return fmt.Errorf("write terminal %s: %w", id, err)
		}
		data = data[n:]
	}
	sess.touch(m.now())
	return nil
}

// Kill terminates the session's process. Killing a session that already exited
// succeeds; only ids this manager never issued are rejected.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	sess := m.sessions[id]
	_, reaped := m.reaped[id]
	m.mu.Unlock()
	if sess == nil {
		if reaped {
			return nil
		}
		return ErrUnknownSession
	}
	if !sess.markExited(0, false) {
		return nil
	}
	if err := sess.proc.Kill(); err != nil {
		return fmt.Errorf("kill terminal %s: %w", id, err)
	}
	return nil
}

func (m *Manager) Resize(id string, cols, rows uint16) error {
	sess := m.Get(id)
	if sess == nil {
		return ErrUnknownSession
	}
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	if sess.Status() == StatusExited {
		return ErrSessionExited
	}
	return sess.proc.Resize(cols, rows)
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Kill(id); err != nil {
			log.Printf("terminal: shutdown %s: %v", id, err)
		}
	}
}
