// Package sessionstream defines the interactive session event stream: the
// typed events, their SSE wire encoding, an incremental parser, the client
// side session state machine, and an HTTP client.
package sessionstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the wire tag of an event.
type Kind string

const (
	KindConnected Kind = "connected"
	KindStatus    Kind = "status"
	KindTurnStart Kind = "claude_start"
	KindDelta     Kind = "claude_delta"
	KindTurnEnd   Kind = "claude_end"
	KindComplete  Kind = "complete"
	KindError     Kind = "error"
)

// DoneSentinel marks the logical end of a stream.
const DoneSentinel = "[DONE]"

var ErrUnknownKind = errors.New("sessionstream: unknown event kind")

// Event is one of Connected, Status, TurnStart, Delta, TurnEnd, Complete or
// ErrorEvent. The set is closed: dispatch is unexported, so no other
// package can add a case.
type Event interface {
	Kind() Kind
	Time() time.Time
	dispatch(h Handler)
}

// Handler has one method per event kind. Adding a kind adds a method, so
// every Handler stops compiling until it handles the new case.
type Handler interface {
	OnConnected(Connected)
	OnStatus(Status)
	OnTurnStart(TurnStart)
	OnDelta(Delta)
	OnTurnEnd(TurnEnd)
	OnComplete(Complete)
	OnError(ErrorEvent)
}

// Dispatch routes e to the matching Handler method.
func Dispatch(e Event, h Handler) {
	e.dispatch(h)
}

type Connected struct {
	At        time.Time
	SessionID string
}

type Status struct {
	At      time.Time
	Message string
}

type TurnStart struct {
	At     time.Time
	Turn   int
	Prompt string
}

type Delta struct {
	At      time.Time
	Content string
}

type TurnEnd struct {
	At   time.Time
	Turn int
}

type Complete struct {
	At    time.Time
	Turns int
}

type ErrorEvent struct {
	At      time.Time
	Message string
}

func (e Connected) Kind() Kind  { return KindConnected }
func (e Status) Kind() Kind     { return KindStatus }
func (e TurnStart) Kind() Kind  { return KindTurnStart }
func (e Delta) Kind() Kind      { return KindDelta }
func (e TurnEnd) Kind() Kind    { return KindTurnEnd }
func (e Complete) Kind() Kind   { return KindComplete }
func (e ErrorEvent) Kind() Kind { return KindError }

func (e Connected) Time() time.Time  { return e.At }
func (e Status) Time() time.Time     { return e.At }
func (e TurnStart) Time() time.Time  { return e.At }
func (e Delta) Time() time.Time      { return e.At }
func (e TurnEnd) Time() time.Time    { return e.At }
func (e Complete) Time() time.Time   { return e.At }
func (e ErrorEvent) Time() time.Time { return e.At }

func (e Connected) dispatch(h Handler)  { h.OnConnected(e) }
func (e Status) dispatch(h Handler)     { h.OnStatus(e) }
func (e TurnStart) dispatch(h Handler)  { h.OnTurnStart(e) }
func (e Delta) dispatch(h Handler)      { h.OnDelta(e) }
func (e TurnEnd) dispatch(h Handler)    { h.OnTurnEnd(e) }
func (e Complete) dispatch(h Handler)   { h.OnComplete(e) }
func (e ErrorEvent) dispatch(h Handler) { h.OnError(e) }

// IsTerminal reports whether e ends a session.
func IsTerminal(e Event) bool {
	switch e.Kind() {
	case KindComplete, KindError:
		return true
	default:
		return false
	}
}

// payload is the JSON carried on a data line.
type payload struct {
	Type      Kind   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Content   string `json:"content,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Turn      int    `json:"turn,omitempty"`
	Turns     int    `json:"turns,omitempty"`
}

// Encode renders e as a data-line JSON payload.
func Encode(e Event) ([]byte, error) {
	p := payload{Type: e.Kind(), Timestamp: e.Time().UnixMilli()}

	switch ev := e.(type) {
	case Connected:
		p.SessionID = ev.SessionID
	case Status:
		p.Message = ev.Message
	case TurnStart:
		p.Turn, p.Prompt = ev.Turn, ev.Prompt
	case Delta:
		p.Content = ev.Content
	case TurnEnd:
		p.Turn = ev.Turn
	case Complete:
		p.Turns = ev.Turns
	case ErrorEvent:
		p.Message = ev.Message
	}

	return json.Marshal(p)
}

// Decode parses a data-line payload. fallback is used as the kind when the
// payload has no "type" field, typically the preceding "event:" line.
func Decode(data []byte, fallback Kind) (Event, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("sessionstream: decoding payload: %w", err)
	}
	if p.Type == "" {
		p.Type = fallback
	}

	at := time.UnixMilli(p.Timestamp)
	if p.Timestamp == 0 {
		at = time.Time{}
	}

	switch p.Type {
	case KindConnected:
		return Connected{At: at, SessionID: p.SessionID}, nil
	case KindStatus:
		return Status{At: at, Message: p.Message}, nil
	case KindTurnStart:
		return TurnStart{At: at, Turn: p.Turn, Prompt: p.Prompt}, nil
	case KindDelta:
		return Delta{At: at, Content: p.Content}, nil
	case KindTurnEnd:
		return TurnEnd{At: at, Turn: p.Turn}, nil
	case KindComplete:
		return Complete{At: at, Turns: p.Turns}, nil
	case KindError:
		return ErrorEvent{At: at, Message: p.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Type)
	}
}
