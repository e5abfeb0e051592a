package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/lib/logger/handlers/slogdiscard"
	"TelemedTriage/internal/services/gateway"
	"TelemedTriage/internal/storage"
	"TelemedTriage/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fallback = "Sorry, an error occurred while processing your request."

// fakeStreamer replays events. With hold set it then waits for cancellation,
// sends one more fragment (which must be ignored) and an error.
type fakeStreamer struct {
	events []gateway.StreamEvent
	hold   bool

	calls   atomic.Int32
	cancels atomic.Int32
}

func (f *fakeStreamer) StreamAsk(ctx context.Context, _ domain.LlmRequest) <-chan gateway.StreamEvent {
	f.calls.Add(1)
	context.AfterFunc(ctx, func() { f.cancels.Add(1) })

	ch := make(chan gateway.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			ch <- ev
		}
		if f.hold {
			<-ctx.Done()
			ch <- gateway.StreamEvent{Kind: gateway.EventFragment, Text: "late"}
			ch <- gateway.StreamEvent{Kind: gateway.EventError, Err: ctx.Err()}
		}
	}()
	return ch
}

type flakyStore struct {
	*memory.Storage

	mu       sync.Mutex
	calls    int
	failOn   map[int]error
	failSave error
}

func (s *flakyStore) SaveConversation(ctx context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	err := s.failSave
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return s.Storage.SaveConversation(ctx, c)
}

func (s *flakyStore) UpdateConversation(ctx context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	s.calls++
	err := s.failOn[s.calls]
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return s.Storage.UpdateConversation(ctx, c)
}

func (s *flakyStore) updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fragment(text string) gateway.StreamEvent {
	return gateway.StreamEvent{Kind: gateway.EventFragment, Text: text}
}

var done = gateway.StreamEvent{Kind: gateway.EventDone}

type fixture struct {
	store    *flakyStore
	streamer *fakeStreamer
	relay    *Relay
	conv     domain.Conversation
	released atomic.Int32
}

func newFixture(t *testing.T, streamer *fakeStreamer, cfg Config) *fixture {
	t.Helper()

	mem := memory.New()
	conv := domain.NewConversation(1, 2, time.Now())
	require.NoError(t, mem.SaveConversation(context.Background(), &conv))

	if cfg.Fallback == "" {
		cfg.Fallback = fallback
	}

	store := &flakyStore{Storage: mem, failOn: map[int]error{}}
	return &fixture{
		store:    store,
		streamer: streamer,
		relay:    New(slogdiscard.NewDiscardLogger(), streamer, store, cfg),
		conv:     conv,
	}
}

func (f *fixture) start(ctx context.Context, message string) (<-chan Event, error) {
	conv := f.conv.Clone()
	return f.relay.Start(ctx, Turn{
		Conversation: &conv,
		Message:      message,
		Release:      func() { f.released.Add(1) },
	})
}

func (f *fixture) stored(t *testing.T) domain.Conversation {
	t.Helper()
	c, err := f.store.GetConversation(context.Background(), f.conv.UID)
	require.NoError(t, err)
	return c
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()

	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("relay channel not closed after %d events", len(out))
		}
	}
}

func TestRelay_FragmentationIndependence(t *testing.T) {
	for _, split := range [][]string{{"a", "bc"}, {"ab", "c"}, {"a", "b", "c"}, {"abc"}} {
		var script []gateway.StreamEvent
		for _, part := range split {
			script = append(script, fragment(part))
		}
		script = append(script, done)

		f := newFixture(t, &fakeStreamer{events: script}, Config{})

		ch, err := f.start(context.Background(), "headache")
		require.NoError(t, err)
		events := drain(t, ch)

		require.Len(t, events, len(split)+1)
		for i, part := range split {
			assert.Equal(t, Event{Kind: EventMessage, ConversationID: f.conv.UID, Data: part}, events[i])
		}
		assert.Equal(t, EventDone, events[len(events)-1].Kind)

		c := f.stored(t)
		require.Len(t, c.Messages, 2)
		assert.Equal(t, domain.RoleUser, c.Messages[0].Role)
		assert.Equal(t, "headache", c.Messages[0].Content)
		assert.Equal(t, domain.RoleAssistant, c.Messages[1].Role)
		assert.Equal(t, "abc", c.Messages[1].Content)

		// user append, placeholder append, final write
		assert.Equal(t, 3, f.store.updates())
		assert.Equal(t, int32(1), f.released.Load())
	}
}

func TestRelay_ErrorWithoutFragmentsPersistsFallback(t *testing.T) {
	boom := &gateway.Error{Op: "gateway.StreamAsk", StatusCode: 502, Message: "bad gateway"}
	f := newFixture(t, &fakeStreamer{events: []gateway.StreamEvent{{Kind: gateway.EventError, Err: boom}}}, Config{})

	ch, err := f.start(context.Background(), "headache")
	require.NoError(t, err)
	events := drain(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Contains(t, events[0].Data, "bad gateway")

	c := f.stored(t)
	require.Len(t, c.Messages, 2)
	assert.Equal(t, fallback, c.Messages[1].Content)
}

func TestRelay_ErrorAfterFragmentsPersistsPartial(t *testing.T) {
	f := newFixture(t, &fakeStreamer{events: []gateway.StreamEvent{
		fragment("Take "),
		fragment("ibu"),
		{Kind: gateway.EventError, Err: errors.New("connection reset")},
	}}, Config{})

	ch, err := f.start(context.Background(), "headache")
	require.NoError(t, err)
	events := drain(t, ch)

	require.Len(t, events, 3)
	assert.Equal(t, EventError, events[2].Kind)
	assert.Equal(t, "Take ibu", f.stored(t).Messages[1].Content)
}

func TestRelay_ClientCancelStopsUpstreamOnce(t *testing.T) {
	streamer := &fakeStreamer{events: []gateway.StreamEvent{fragment("a")}, hold: true}
	f := newFixture(t, streamer, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.start(ctx, "headache")
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, "a", first.Data)
	cancel()

	rest := drain(t, ch)
	for _, ev := range rest {
		assert.NotEqual(t, "late", ev.Data)
	}

	assert.Equal(t, int32(1), streamer.cancels.Load())
	assert.Equal(t, int32(1), streamer.calls.Load())

	c := f.stored(t)
	require.Len(t, c.Messages, 2)
	assert.Equal(t, "a", c.Messages[1].Content)
	assert.Equal(t, int32(1), f.released.Load())
}

func TestRelay_StreamTimeout(t *testing.T) {
	streamer := &fakeStreamer{events: []gateway.StreamEvent{fragment("partial")}, hold: true}
	f := newFixture(t, streamer, Config{Timeout: 100 * time.Millisecond})

	ch, err := f.start(context.Background(), "headache")
	require.NoError(t, err)
	events := drain(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, "partial", events[0].Data)
	assert.Equal(t, EventError, events[1].Kind)
	assert.Contains(t, events[1].Data, ErrStreamTimeout.Error())
	assert.Equal(t, "partial", f.stored(t).Messages[1].Content)
}

func TestRelay_UserAppendFailureAbortsBeforeGateway(t *testing.T) {
	streamer := &fakeStreamer{events: []gateway.StreamEvent{done}}
	f := newFixture(t, streamer, Config{})
	f.store.failOn[1] = errors.New("db down")

	_, err := f.start(context.Background(), "headache")
	require.Error(t, err)

	assert.Zero(t, streamer.calls.Load())
	assert.Equal(t, int32(1), f.released.Load())
	assert.Empty(t, f.stored(t).Messages)
}

func TestRelay_NewConversationInsertedWithUserMessage(t *testing.T) {
	f := newFixture(t, &fakeStreamer{events: []gateway.StreamEvent{fragment("Rest."), done}}, Config{})
	conv := domain.NewConversation(1, 2, time.Now())

	ch, err := f.relay.Start(context.Background(), Turn{Conversation: &conv, New: true, Message: "headache"})
	require.NoError(t, err)
	events := drain(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, EventDone, events[len(events)-1].Kind)

	c, err := f.store.GetConversation(context.Background(), conv.UID)
	require.NoError(t, err)
	require.Len(t, c.Messages, 2)
	assert.Equal(t, "headache", c.Messages[0].Content)
	assert.Equal(t, "Rest.", c.Messages[1].Content)

	// placeholder append and final write; the insert is not an update
	assert.Equal(t, 2, f.store.updates())
}

func TestRelay_NewConversationInsertFailureLeavesNothing(t *testing.T) {
	streamer := &fakeStreamer{events: []gateway.StreamEvent{done}}
	f := newFixture(t, streamer, Config{})
	f.store.failSave = errors.New("db down")
	conv := domain.NewConversation(1, 2, time.Now())

	_, err := f.relay.Start(context.Background(), Turn{
		Conversation: &conv,
		New:          true,
		Message:      "headache",
		Release:      func() { f.released.Add(1) },
	})
	require.Error(t, err)

	_, err = f.store.GetConversation(context.Background(), conv.UID)
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)
	assert.Zero(t, streamer.calls.Load())
	assert.Equal(t, int32(1), f.released.Load())
}

func TestRelay_PlaceholderAppendFailureAbortsBeforeGateway(t *testing.T) {
	streamer := &fakeStreamer{events: []gateway.StreamEvent{done}}
	f := newFixture(t, streamer, Config{})
	f.store.failOn[2] = errors.New("db down")

	_, err := f.start(context.Background(), "headache")
	require.Error(t, err)

	assert.Zero(t, streamer.calls.Load())
	assert.Equal(t, int32(1), f.released.Load())
}

func TestRelay_FinalPersistFailureSurfacesAsError(t *testing.T) {
	f := newFixture(t, &fakeStreamer{events: []gateway.StreamEvent{fragment("ok"), done}}, Config{})
	f.store.failOn[3] = errors.New("db down")

	ch, err := f.start(context.Background(), "headache")
	require.NoError(t, err)
	events := drain(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, EventMessage, events[0].Kind)
	assert.Equal(t, EventError, events[1].Kind)
	assert.Contains(t, events[1].Data, "failed to save conversation")
}

func TestRelay_EmptyCompletionUsesFallback(t *testing.T) {
	f := newFixture(t, &fakeStreamer{events: []gateway.StreamEvent{done}}, Config{})

	ch, err := f.start(context.Background(), "headache")
	require.NoError(t, err)
	events := drain(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, Event{Kind: EventMessage, ConversationID: f.conv.UID, Data: fallback}, events[0])
	assert.Equal(t, EventDone, events[1].Kind)
	assert.Equal(t, fallback, f.stored(t).Messages[1].Content)
}

func TestRelay_UpstreamClosedWithoutTerminal(t *testing.T) {
	f := newFixture(t, &fakeStreamer{events: []gateway.StreamEvent{fragment("x")}}, Config{})

	ch, err := f.start(context.Background(), "headache")
	require.NoError(t, err)
	events := drain(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Kind)
	assert.Equal(t, "x", f.stored(t).Messages[1].Content)
}

func TestRelay_NeverLeavesEmptyPlaceholder(t *testing.T) {
	scripts := [][]gateway.StreamEvent{
		{done},
		{{Kind: gateway.EventError, Err: errors.New("x")}},
		{fragment(""), {Kind: gateway.EventError, Err: errors.New("x")}},
	}

	for _, script := range scripts {
		f := newFixture(t, &fakeStreamer{events: script}, Config{})
		ch, err := f.start(context.Background(), "headache")
		require.NoError(t, err)
		drain(t, ch)

		assert.NotEmpty(t, f.stored(t).Messages[1].Content)
	}
}
