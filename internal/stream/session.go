// Package stream runs the lifecycle of streamed answers: one Session per
// in-flight generation, a Registry of open sessions, and a stop Bus that lets
// any instance cancel a session by id.
package stream

import (
	"context"
	"sync"
	"time"
)

type State int

const (
	StateOpen State = iota
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) Terminal() bool { return s >= StateCompleted }

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventChunk     EventKind = "chunk"
	EventReasoning EventKind = "reasoning"
	EventMeta      EventKind = "meta"
)

// Event is one item on a session's outbound channel.
type Event struct {
	Kind EventKind
	Data string
}

const defaultBuffer = 64

// Session is a single streamed answer. Events come out of Events() in push
// order; the channel is closed exactly once, when the session reaches a
// terminal state. Read State and Err after that.
type Session struct {
	id      string
	ownerID uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	errMsg   string
	idle     time.Duration
	timer    *time.Timer
	hooks    []func(*Session)
	openedAt time.Time

	// sendMu orders pushes against closing out
	sendMu sync.Mutex
	out    chan Event
	done   chan struct{}
}

func newSession(id string, ownerID uint64, idle time.Duration, buffer int) *Session {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		ownerID:  ownerID,
		ctx:      ctx,
		cancel:   cancel,
		idle:     idle,
		openedAt: time.Now(),
		out:      make(chan Event, buffer),
		done:     make(chan struct{}),
	}
	if idle > 0 {
		s.timer = time.AfterFunc(idle, s.onIdle)
	}
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) OwnerID() uint64 { return s.ownerID }

// Events is the outbound channel. It is closed when the session terminates.
func (s *Session) Events() <-chan Event { return s.out }

// Done is closed as soon as the session is terminal, before Events is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Context is cancelled when the session terminates for any reason.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the message given to Error, or "" for other outcomes.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// OnTerminal registers fn to run once after the session terminates. If it
// already has, fn runs immediately.
func (s *Session) OnTerminal(fn func(*Session)) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.hooks = append(s.hooks, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(s)
}

// Push delivers ev to the consumer, waiting for buffer space. It reports
// false, dropping ev, once the session is terminal.
func (s *Session) Push(ev Event) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = StateStreaming
	if s.timer != nil {
		s.timer.Reset(s.idle)
	}
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) PushChunk(text string) bool {
	return s.Push(Event{Kind: EventChunk, Data: text})
}

func (s *Session) Complete() bool { return s.finish(StateCompleted, "") }

func (s *Session) Error(msg string) bool { return s.finish(StateErrored, msg) }

// Cancel stops the session. Calling it again, or after another terminal
// transition, does nothing.
func (s *Session) Cancel() bool { return s.finish(StateCancelled, "") }

func (s *Session) onIdle() {
	if s.finish(StateCancelled, "") {
		logIdle(s)
	}
}

func (s *Session) finish(state State, msg string) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.errMsg = msg
	if s.timer != nil {
		s.timer.Stop()
	}
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	close(s.done)
	s.cancel()

	// a blocked Push sees done and releases sendMu
	s.sendMu.Lock()
	close(s.out)
	s.sendMu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
	return true
}
