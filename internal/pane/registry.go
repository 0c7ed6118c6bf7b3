// Package pane tracks which pane ids currently own a live process.
package pane

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/choonkeat/termbridge/internal/idle"
	"github.com/choonkeat/termbridge/internal/screen"
)

// ErrDuplicatePane is returned by Register when the id is already live.
var ErrDuplicatePane = errors.New("pane already has a live session")

// Process is the part of the process handle the registry needs.
type Process interface {
	Pid() int
	Terminate(grace time.Duration)
}

// Conn is the owning socket of a session.
type Conn interface {
	Close() error
	RemoteAddr() net.Addr
}

// Session is the live pairing of a pane's process and its socket.
type Session struct {
	ID        string
	Agent     string
	Dir       string
	Identity  string
	CreatedAt time.Time

	// Idle is the pane's liveness classifier; may be nil.
	Idle *idle.Classifier
	// Screen models the pane's visible output; may be nil.
	Screen *screen.Screen

	mu      sync.Mutex
	process Process
	conn    Conn
}

// Attach records the process and socket handles once the pane is running.
func (s *Session) Attach(p Process, c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.process = p
	s.conn = c
}

// Process returns the attached process, or nil while the pane is starting.
func (s *Session) Process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

// Conn returns the owning socket, or nil while the pane is starting.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Info is a point-in-time description of a registered session.
type Info struct {
	ID        string    `json:"paneId"`
	Agent     string    `json:"agent"`
	Dir       string    `json:"cwd"`
	Identity  string    `json:"identity,omitempty"`
	Pid       int       `json:"pid"`
	State     string    `json:"state"`
	Remote    string    `json:"remote,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	info := Info{
		ID:        s.ID,
		Agent:     s.Agent,
		Dir:       s.Dir,
		Identity:  s.Identity,
		State:     string(idle.Initializing),
		CreatedAt: s.CreatedAt,
	}
	if s.Idle != nil {
		info.State = string(s.Idle.State())
	}
	if p := s.Process(); p != nil {
		info.Pid = p.Pid()
	}
	if c := s.Conn(); c != nil && c.RemoteAddr() != nil {
		info.Remote = c.RemoteAddr().String()
	}
	return info
}

// Registry maps pane ids to live sessions. All mutations go through its
// methods, which are serialised.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// OnRelease, if set, is called after a session is removed.
	OnRelease func(id string)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Acquire returns the live session for id, if any.
func (r *Registry) Acquire(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Register adds s under id. It fails with ErrDuplicatePane if id is taken.
func (r *Registry) Register(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePane, id)
	}
	r.sessions[id] = s
	return nil
}

// Release removes id. It is idempotent and reports whether an entry was
// removed.
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	onRelease := r.OnRelease
	r.mu.Unlock()

	if ok && onRelease != nil {
		onRelease(id)
	}
	return ok
}

// Len returns the number of registered panes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a snapshot of all sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// CloseAll asks every live process to terminate. Entries are removed by
// their bridges as exits are observed.
func (r *Registry) CloseAll(grace time.Duration) int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range sessions {
		if p := s.Process(); p != nil {
			p.Terminate(grace)
			n++
		}
	}
	return n
}
