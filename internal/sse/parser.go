package sse

import (
	"strconv"
	"strings"
)

// Event represents a single server-sent event.
type Event struct {
	Event string
	Data  string
	ID    string
	Retry int
}

// IsDone reports whether the event is the OpenAI stream terminator.
func (e *Event) IsDone() bool {
	return strings.TrimSpace(e.Data) == "[DONE]"
}

// Parser is an incremental, line-oriented SSE parser. Bytes are fed in
// arbitrary chunks; complete events are returned as soon as their terminating
// blank line arrives. The parser is chunk-boundary-agnostic: feeding the same
// byte sequence in any split yields the same events.
type Parser struct {
	buf       strings.Builder
	event     string
	dataLines []string
	id        string
	retry     int
}

// NewParser creates a new incremental SSE parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes a chunk of bytes and returns all events completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf.Write(chunk)

	data := p.buf.String()
	var events []Event

	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		data = data[idx+1:]

		if ev, ok := p.consumeLine(line); ok {
			events = append(events, ev)
		}
	}

	p.buf.Reset()
	p.buf.WriteString(data)
	return events
}

// Flush dispatches a trailing event whose terminating blank line never
// arrived (some upstreams close the connection right after the last data line).
func (p *Parser) Flush() []Event {
	var events []Event
	rest := p.buf.String()
	p.buf.Reset()
	if rest != "" {
		if ev, ok := p.consumeLine(strings.TrimSuffix(rest, "\r")); ok {
			events = append(events, ev)
		}
	}
	if ev, ok := p.dispatch(); ok {
		events = append(events, ev)
	}
	return events
}

// consumeLine processes one complete line; it returns a dispatched event on a
// blank line.
func (p *Parser) consumeLine(line string) (Event, bool) {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		return p.dispatch()
	}

	// Comment lines start with a colon.
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		// Lines without a colon carry no field and are ignored.
		return Event{}, false
	}

	field := line[:idx]
	value := line[idx+1:]
	// A single leading space after the colon is stripped.
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		p.event = value
	case "data":
		p.dataLines = append(p.dataLines, value)
	case "id":
		p.id = value
	case "retry":
		if n, err := strconv.Atoi(value); err == nil {
			p.retry = n
		}
	}
	return Event{}, false
}

// dispatch finalizes the pending event. Events with no data field are dropped.
func (p *Parser) dispatch() (Event, bool) {
	if len(p.dataLines) == 0 {
		p.event = ""
		p.id = ""
		p.retry = 0
		return Event{}, false
	}

	ev := Event{
		Event: p.event,
		Data:  strings.Join(p.dataLines, "\n"),
		ID:    p.id,
		Retry: p.retry,
	}

	p.event = ""
	p.dataLines = nil
	p.id = ""
	p.retry = 0
	return ev, true
}
