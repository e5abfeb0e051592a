package gateway

import (
	"bufio"
	"io"
	"strings"
)

const (
	doneMarker  = "[DONE]"
	errorMarker = "[ERROR]"

	maxLineSize = 1 << 20
)

type sseEvent struct {
	Name string
	Data string
}

// sseReader splits a text/event-stream body into events. Multiple data lines
// of one event are joined with "\n"; one space after the colon is dropped.
type sseReader struct {
	sc *bufio.Scanner
	// seen is called for every line read, comments and keepalives included
	seen func()
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &sseReader{sc: sc}
}

// Next returns io.EOF once the body is exhausted.
func (r *sseReader) Next() (sseEvent, error) {
	var (
		ev      sseEvent
		data    []string
		hasData bool
	)

	for r.sc.Scan() {
		if r.seen != nil {
			r.seen()
		}
		line := strings.TrimSuffix(r.sc.Text(), "\r")

		if line == "" {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev = sseEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}

	if err := r.sc.Err(); err != nil {
		return sseEvent{}, err
	}
	if hasData {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return sseEvent{}, io.EOF
}

// classify maps one decoded event onto the stream contract.
func classify(ev sseEvent) StreamEvent {
	switch {
	case ev.Data == doneMarker:
		return StreamEvent{Kind: EventDone}
	case strings.HasPrefix(ev.Data, errorMarker):
		msg := strings.TrimSpace(strings.TrimPrefix(ev.Data, errorMarker))
		return StreamEvent{Kind: EventError, Err: &Error{Op: "gateway.stream", Message: msg}}
	case ev.Name == "error":
		return StreamEvent{Kind: EventError, Err: &Error{Op: "gateway.stream", Message: ev.Data}}
	}
	return StreamEvent{Kind: EventFragment, Text: ev.Data}
}
