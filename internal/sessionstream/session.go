package sessionstream

import (
	"strings"
	"sync"
)

type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session is the client-side view of one interactive session. Terminal
// states absorb: once reached, Apply ignores every further event.
type Session struct {
	mu         sync.Mutex
	id         string
	request    StartRequest
	state      State
	turns      int
	output     strings.Builder
	history    []string
	lastStatus string
	errMsg     string
}

func NewSession(req StartRequest) *Session {
	return &Session{request: req, state: StateStarting}
}

// Apply transitions the session for e. It returns false when the session
// was already terminal and e was discarded.
func (s *Session) Apply(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return false
	}
	Dispatch(e, (*transitions)(s))
	return true
}

// Cancel moves the session to Cancelled. It returns false if the session
// had already ended.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return false
	}
	s.state = StateCancelled
	return true
}

// Fail moves the session to Failed with msg, unless it has already ended.
func (s *Session) Fail(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return false
	}
	s.flush()
	s.state = StateFailed
	s.errMsg = msg
	return true
}

// SetID records the server-assigned id if none is known yet.
func (s *Session) SetID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		s.id = id
	}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Output is the content of the turn in progress.
func (s *Session) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

// History is the content of every finished turn.
func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

func (s *Session) LastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// Err is the failure message of a Failed session.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// RetryRequest returns a start request that re-submits the last prompt.
// Failed turns are never retried automatically.
func (s *Session) RetryRequest() StartRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

func (s *Session) flush() {
	if s.output.Len() == 0 {
		return
	}
	s.history = append(s.history, s.output.String())
	s.output.Reset()
}

// transitions applies events with s.mu held.
type transitions Session

func (t *transitions) OnConnected(e Connected) {
	if t.id == "" {
		t.id = e.SessionID
	}
}

func (t *transitions) OnStatus(e Status) {
	t.lastStatus = e.Message
}

func (t *transitions) OnTurnStart(e TurnStart) {
	t.state = StateRunning
	if e.Turn > t.turns {
		t.turns = e.Turn
	}
}

func (t *transitions) OnDelta(e Delta) {
	t.state = StateRunning
	t.output.WriteString(e.Content)
}

func (t *transitions) OnTurnEnd(e TurnEnd) {
	(*Session)(t).flush()
	if e.Turn > t.turns {
		t.turns = e.Turn
	}
}

func (t *transitions) OnComplete(e Complete) {
	(*Session)(t).flush()
	t.state = StateCompleted
	t.turns = e.Turns
}

func (t *transitions) OnError(e ErrorEvent) {
	(*Session)(t).flush()
	t.state = StateFailed
	t.errMsg = e.Message
}
