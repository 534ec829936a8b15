package sessionstream

import (
	"bytes"
	"strings"
)

// maxLineBytes bounds a single unterminated line held in the buffer.
const maxLineBytes = 1 << 20

// Parser turns an SSE byte stream into events. Chunks may split lines at
// any byte; only newline-terminated lines are parsed. Payloads that fail
// to decode are dropped and counted.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	buf       []byte
	eventKind Kind
	done      bool
	dropped   int
	// discarding is set while skipping the rest of an oversized line.
	discarding bool
}

// Feed consumes chunk and returns the events completed by it, in order.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := string(p.buf[:i])
		p.buf = p.buf[i+1:]
		if p.discarding {
			p.discarding = false
			continue
		}
		if ev := p.line(line); ev != nil {
			events = append(events, ev)
		}
	}

	if p.discarding {
		p.buf = nil
	} else if len(p.buf) > maxLineBytes {
		p.buf = nil
		p.discarding = true
		p.dropped++
	}

	// Compact so a long-lived stream does not pin old chunks.
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return events
}

// Flush parses a trailing unterminated line, for use at end of stream.
func (p *Parser) Flush() []Event {
	if p.discarding {
		p.discarding = false
		p.buf = nil
		return nil
	}
	if len(p.buf) == 0 {
		return nil
	}
	line := string(p.buf)
	p.buf = nil
	if ev := p.line(line); ev != nil {
		return []Event{ev}
	}
	return nil
}

// Done reports whether the [DONE] sentinel has been seen.
func (p *Parser) Done() bool {
	return p.done
}

// Dropped is the number of data lines discarded as malformed or unknown.
func (p *Parser) Dropped() int {
	return p.dropped
}

func (p *Parser) line(line string) Event {
	line = strings.TrimSuffix(line, "\r")
	if p.done {
		return nil
	}

	switch {
	case line == "":
		p.eventKind = ""
		return nil
	case strings.HasPrefix(line, ":"):
		return nil
	case strings.HasPrefix(line, "event:"):
		p.eventKind = Kind(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		return nil
	case strings.HasPrefix(line, "data:"):
		data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		if strings.TrimSpace(data) == DoneSentinel {
			p.done = true
			return nil
		}
		ev, err := Decode([]byte(data), p.eventKind)
		if err != nil {
			p.dropped++
			return nil
		}
		return ev
	default:
		return nil
	}
}
