package cli

import (
	"fmt"
	"io"

	"github.com/Andrejs1979/cloud-code/internal/sessionstream"
)

// printer renders applied session events. Model output goes to out;
// progress goes to status so it can be separated from the answer.
type printer struct {
	out     io.Writer
	status  io.Writer
	midLine bool
}

func newPrinter(out, status io.Writer) *printer {
	return &printer{out: out, status: status}
}

func (p *printer) onEvent(e sessionstream.Event) {
	sessionstream.Dispatch(e, p)
}

func (p *printer) OnConnected(e sessionstream.Connected) {
	fmt.Fprintf(p.status, "● session %s\n", e.SessionID)
}

func (p *printer) OnStatus(e sessionstream.Status) {
	p.endLine()
	fmt.Fprintf(p.status, "› %s\n", e.Message)
}

func (p *printer) OnTurnStart(e sessionstream.TurnStart) {
	p.endLine()
	if e.Turn > 1 {
		fmt.Fprintf(p.status, "── turn %d ──\n", e.Turn)
	}
}

func (p *printer) OnDelta(e sessionstream.Delta) {
	if e.Content == "" {
		return
	}
	fmt.Fprint(p.out, e.Content)
	p.midLine = e.Content[len(e.Content)-1] != '\n'
}

func (p *printer) OnTurnEnd(sessionstream.TurnEnd) {
	p.endLine()
}

func (p *printer) OnComplete(sessionstream.Complete) {}

func (p *printer) OnError(sessionstream.ErrorEvent) {}

func (p *printer) endLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

// summary reports how s ended and returns an error for a failed session.
func (p *printer) summary(s *sessionstream.Session) error {
	p.endLine()

	switch s.State() {
	case sessionstream.StateCompleted:
		fmt.Fprintf(p.status, "✓ completed in %d turn(s)\n", s.Turns())
		return nil
	case sessionstream.StateCancelled:
		fmt.Fprintln(p.status, "session cancelled")
		return nil
	default:
		return fmt.Errorf("session failed: %s", s.Err())
	}
}
