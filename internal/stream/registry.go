package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateSession = errors.New("stream: session already open")
	ErrEmptySessionID   = errors.New("stream: empty session id")
)

// Registry tracks the sessions open in this process.
type Registry struct {
	idle   time.Duration
	buffer int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns a registry whose sessions self-cancel after idle
// without a push. idle <= 0 disables the timeout.
func NewRegistry(idle time.Duration, buffer int) *Registry {
	return &Registry{
		idle:     idle,
		buffer:   buffer,
		sessions: make(map[string]*Session),
	}
}

// Open registers a new session. It fails with ErrDuplicateSession while
// another session with the same id is open.
func (r *Registry) Open(id string, ownerID uint64) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrEmptySessionID
	}

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, errors.Wrap(ErrDuplicateSession, id)
	}
	s := newSession(id, ownerID, r.idle, r.buffer)
	r.sessions[id] = s
	r.mu.Unlock()

	s.OnTerminal(r.remove)
	log.Debug().Str("session_id", id).Uint64("user_id", ownerID).Msg("stream session opened")
	return s, nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	log.Debug().Str("session_id", s.id).Str("state", s.State().String()).
		Dur("elapsed", time.Since(s.openedAt)).Msg("stream session closed")
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Cancel cancels the local session id. Unknown ids are ignored.
func (r *Registry) Cancel(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return s.Cancel()
}

// CancelAll cancels every open session, for shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()
	for _, s := range open {
		s.Cancel()
	}
}

// Listen cancels local sessions named by stop signals on bus until ctx is
// done or the subscription ends. One subscription serves every session of
// the registry.
func (r *Registry) Listen(ctx context.Context, bus Bus) error {
	ids, err := bus.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "subscribe stop bus")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-ids:
			if !ok {
				return nil
			}
			if r.Cancel(id) {
				log.Info().Str("session_id", id).Msg("stream session stopped")
			}
		}
	}
}

func logIdle(s *Session) {
	log.Info().Str("session_id", s.id).Msg("stream session idle, cancelled")
}
