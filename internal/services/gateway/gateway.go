package gateway

import (
	"fmt"
	"strings"
)

type EventKind int

const (
	EventFragment EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventFragment:
		return "fragment"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return "unknown"
}

// StreamEvent is one item of a gateway stream. A stream carries any number of
// fragments followed by exactly one Done or Error, then the channel is closed.
type StreamEvent struct {
	Kind EventKind
	Text string
	Err  error
}

func (e StreamEvent) Terminal() bool {
	return e.Kind != EventFragment
}

// Error is returned for every gateway failure: transport, status or payload.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": gateway error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func trimLong(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	if len(s) <= 200 {
		return s
	}
	return strings.ToValidUTF8(s[:200], "") + "...(truncated)"
}
