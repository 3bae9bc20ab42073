package identity

import (
	"sync"
	"time"
)

// EventType names a session lifecycle transition.
type EventType string

const (
	SignedIn  EventType = "signed_in"
	SignedOut EventType = "signed_out"
)

// Session is an authenticated client session.
type Session struct {
	User      User
	Token     string
	ExpiresAt time.Time
}

// Event is delivered to session listeners.
type Event struct {
	Type    EventType
	Session *Session
}

// Sessions tracks the current client session and notifies listeners when
// it starts or ends.
type Sessions struct {
	mu        sync.Mutex
	current   *Session
	nextID    uint64
	listeners map[uint64]func(Event)
}

// NewSessions creates an empty session tracker.
func NewSessions() *Sessions {
	return &Sessions{listeners: make(map[uint64]func(Event))}
}

// Current returns the active session, or nil.
func (s *Sessions) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	session := *s.current
	return &session
}

// Subscribe registers fn for lifecycle events and returns a cancel func.
func (s *Sessions) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// SignIn replaces the current session and emits signed_in.
func (s *Sessions) SignIn(session Session) {
	s.mu.Lock()
	stored := session
	s.current = &stored
	listeners := s.snapshotLocked()
	s.mu.Unlock()

	event := Event{Type: SignedIn, Session: &session}
	for _, fn := range listeners {
		fn(event)
	}
}

// SignOut clears the current session and emits signed_out. It is a no-op
// when nobody is signed in.
func (s *Sessions) SignOut() {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return
	}
	previous := s.current
	s.current = nil
	listeners := s.snapshotLocked()
	s.mu.Unlock()

	event := Event{Type: SignedOut, Session: previous}
	for _, fn := range listeners {
		fn(event)
	}
}

func (s *Sessions) snapshotLocked() []func(Event) {
	out := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}
