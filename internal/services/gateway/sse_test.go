package gateway

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, body string) []sseEvent {
	t.Helper()

	r := newSSEReader(strings.NewReader(body))
	var out []sseEvent
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestSSEReader(t *testing.T) {
	body := ": comment\n" +
		"event: message\n" +
		"data: hello\n" +
		"\n" +
		"\n" +
		"data:  two spaces\n" +
		"id: 5\n" +
		"\n" +
		"event: error\n" +
		"data: boom\n" +
		"\n" +
		"data: tail without blank line"

	events := readAll(t, body)

	assert.Equal(t, []sseEvent{
		{Name: "message", Data: "hello"},
		{Data: " two spaces"},
		{Name: "error", Data: "boom"},
		{Data: "tail without blank line"},
	}, events)
}

func TestSSEReader_EventNameDoesNotLeak(t *testing.T) {
	events := readAll(t, "event: ping\n\ndata: x\n\n")

	assert.Equal(t, []sseEvent{{Data: "x"}}, events)
}

func TestSSEReader_SeenCountsKeepalives(t *testing.T) {
	r := newSSEReader(strings.NewReader(": ping\n\n: ping\n\ndata: x\n\n"))
	lines := 0
	r.seen = func() { lines++ }

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "x", ev.Data)
	assert.Equal(t, 6, lines)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, StreamEvent{Kind: EventDone}, classify(sseEvent{Data: "[DONE]"}))
	assert.Equal(t, StreamEvent{Kind: EventFragment, Text: "[DONE] not quite"}, classify(sseEvent{Data: "[DONE] not quite"}))

	ev := classify(sseEvent{Data: "[ERROR] bad things"})
	require.Equal(t, EventError, ev.Kind)
	assert.Contains(t, ev.Err.Error(), "bad things")

	ev = classify(sseEvent{Name: "error", Data: "named failure"})
	require.Equal(t, EventError, ev.Kind)
	assert.Contains(t, ev.Err.Error(), "named failure")
}
