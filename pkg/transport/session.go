package transport

import (
	"context"
	"log/slog"
	"sync"

	"chat-bridge/pkg/observability"
)

type State int

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

type Event string

const (
	EventQR            Event = "qr"
	EventAuthenticated Event = "authenticated"
	EventAuthFailure   Event = "auth_failure"
	EventReady         Event = "ready"
	EventDisconnected  Event = "disconnected"
	EventMessage       Event = "message"
	EventCall          Event = "call"
)

// Session tracks the chat session lifecycle:
// Disconnected -> Authenticating -> Ready -> Disconnected.
// Subscribers only hear about Ready/NotReady edges.
type Session struct {
	mu     sync.Mutex
	state  State
	subs   map[chan bool]struct{}
	readyC chan struct{}
	logger *slog.Logger
}

func NewSession(logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		subs:   map[chan bool]struct{}{},
		readyC: make(chan struct{}),
		logger: logger,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Ready() bool { return s.State() == StateReady }

// Apply feeds a lifecycle event into the state machine and returns the new state.
// Events that are not lifecycle events leave the state unchanged.
func (s *Session) Apply(ev Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	switch ev {
	case EventQR:
		next = StateAuthenticating
	case EventAuthenticated:
		if s.state != StateReady {
			next = StateAuthenticating
		}
	case EventReady:
		next = StateReady
	case EventAuthFailure, EventDisconnected:
		next = StateDisconnected
	}
	if next == s.state {
		return next
	}

	wasReady := s.state == StateReady
	s.logger.Info("chat session state changed", "from", s.state.String(), "to", next.String(), "event", string(ev))
	s.state = next
	isReady := next == StateReady

	if isReady {
		close(s.readyC)
		observability.TransportReady.Set(1)
	} else if wasReady {
		s.readyC = make(chan struct{})
		observability.TransportReady.Set(0)
	}
	if wasReady != isReady {
		for ch := range s.subs {
			select {
			case ch <- isReady:
			default:
			}
		}
	}
	return next
}

// Subscribe returns a channel receiving true on Ready and false on leaving Ready.
// Slow subscribers miss edges rather than block the session.
func (s *Session) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 4)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

// WaitReady blocks until the session is Ready or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		return nil
	}
	c := s.readyC
	s.mu.Unlock()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ErrNotReady
	}
}
