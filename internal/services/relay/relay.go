package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/lib/logger/sl"
	"TelemedTriage/internal/services/gateway"

	"golang.org/x/exp/slog"
)

type EventKind string

const (
	EventMessage EventKind = "message"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
)

// Event is what the client channel carries: message fragments, then one
// done or error, then the channel is closed.
type Event struct {
	Kind           EventKind `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Data           string    `json:"data,omitempty"`
}

var (
	ErrStreamTimeout  = errors.New("stream timeout")
	ErrClientGone     = errors.New("client disconnected")
	errNoTerminal     = errors.New("gateway stream closed without a terminal event")
	errPersistOnClose = errors.New("failed to save conversation")
)

type Streamer interface {
	StreamAsk(ctx context.Context, req domain.LlmRequest) <-chan gateway.StreamEvent
}

type ConversationStore interface {
	SaveConversation(ctx context.Context, c *domain.Conversation) error
	UpdateConversation(ctx context.Context, c *domain.Conversation) error
}

type Config struct {
	// Timeout bounds the whole streaming phase of a turn.
	Timeout        time.Duration
	PersistTimeout time.Duration
	Buffer         int
	// Fallback replaces an assistant reply that ended with no text.
	Fallback string
}

type Relay struct {
	log      *slog.Logger
	streamer Streamer
	store    ConversationStore
	cfg      Config
	now      func() time.Time
}

func New(log *slog.Logger, streamer Streamer, store ConversationStore, cfg Config) *Relay {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	return &Relay{
		log:      log,
		streamer: streamer,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
	}
}

type Turn struct {
	Conversation *domain.Conversation
	// New marks a conversation that is not stored yet; it is inserted
	// together with the user message.
	New     bool
	Message string
	// Request is built from the history before this turn.
	Request domain.LlmRequest
	// Release is called exactly once when the turn is over, also when Start fails.
	Release func()
}

func (t Turn) release() {
	if t.Release != nil {
		t.Release()
	}
}

// Start appends the user message and an empty assistant placeholder,
// persisting after each, and then subscribes to the gateway stream.
// A persistence failure here aborts the turn before the gateway is contacted.
//
// On success the conversation is owned by the relay goroutine until the
// returned channel is closed. Cancelling ctx cancels the gateway stream;
// partial text is still persisted.
func (r *Relay) Start(ctx context.Context, t Turn) (<-chan Event, error) {
	const op = "relay.Start"

	conv := t.Conversation
	now := r.now()

	conv.Append(domain.NewMessage(domain.RoleUser, t.Message, now))
	persistUser := r.store.UpdateConversation
	if t.New {
		persistUser = r.store.SaveConversation
	}
	if err := persistUser(ctx, conv); err != nil {
		t.release()
		return nil, fmt.Errorf("%s: append user message: %w", op, err)
	}

	idx := conv.Append(domain.NewMessage(domain.RoleAssistant, "", now))
	if err := r.store.UpdateConversation(ctx, conv); err != nil {
		t.release()
		return nil, fmt.Errorf("%s: append placeholder: %w", op, err)
	}

	var (
		streamCtx context.Context
		stop      context.CancelFunc
	)
	if r.cfg.Timeout > 0 {
		streamCtx, stop = context.WithTimeoutCause(ctx, r.cfg.Timeout, ErrStreamTimeout)
	} else {
		streamCtx, stop = context.WithCancel(ctx)
	}

	out := make(chan Event, r.cfg.Buffer)
	upstream := r.streamer.StreamAsk(streamCtx, t.Request)

	r.log.Info("stream turn started",
		slog.String("op", op),
		slog.String("conversation", conv.UID),
		slog.Int("messages", len(conv.Messages)),
	)

	go r.run(ctx, streamCtx, stop, t, idx, upstream, out)

	return out, nil
}

// run is the only writer of the accumulator, the placeholder and out.
// client is the caller's context, ctx the stream context derived from it.
func (r *Relay) run(
	client context.Context,
	ctx context.Context,
	stop context.CancelFunc,
	t Turn,
	idx int,
	upstream <-chan gateway.StreamEvent,
	out chan<- Event,
) {
	const op = "relay.run"

	defer close(out)
	defer t.release()
	defer stop()

	conv := t.Conversation
	log := r.log.With(slog.String("op", op), slog.String("conversation", conv.UID))

	var acc strings.Builder
	received := 0

	cancelled := func() {
		stop()
		for range upstream {
		}
		cause := context.Cause(ctx)
		if errors.Is(cause, context.Canceled) {
			cause = ErrClientGone
		}
		log.Info("stream cancelled", slog.Int("fragments", received), sl.Err(cause))
		r.fail(client, conv, idx, acc.String(), received, cause, out)
	}

	for {
		select {
		case <-ctx.Done():
			cancelled()
			return

		case ev, ok := <-upstream:
			// nothing that arrives after cancellation is accumulated
			if ctx.Err() != nil {
				cancelled()
				return
			}
			if !ok {
				r.fail(client, conv, idx, acc.String(), received, errNoTerminal, out)
				return
			}

			switch ev.Kind {
			case gateway.EventFragment:
				acc.WriteString(ev.Text)
				received++
				conv.Messages[idx].Content = acc.String()

				select {
				case out <- Event{Kind: EventMessage, ConversationID: conv.UID, Data: ev.Text}:
				case <-ctx.Done():
					cancelled()
					return
				}

			case gateway.EventDone:
				log.Info("stream completed", slog.Int("fragments", received))
				r.complete(client, conv, idx, acc.String(), out)
				for range upstream {
				}
				return

			case gateway.EventError:
				log.Warn("stream failed", slog.Int("fragments", received), sl.Err(ev.Err))
				r.fail(client, conv, idx, acc.String(), received, ev.Err, out)
				for range upstream {
				}
				return
			}
		}
	}
}

func (r *Relay) persist(ctx context.Context, conv *domain.Conversation) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancel()

	return r.store.UpdateConversation(pctx, conv)
}

// send delivers ev while the client listens; once ctx is done it only
// delivers if the buffer has room.
func send(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
		select {
		case out <- ev:
		default:
		}
	}
}

func (r *Relay) complete(ctx context.Context, conv *domain.Conversation, idx int, text string, out chan<- Event) {
	if text == "" {
		text = r.cfg.Fallback
		send(ctx, out, Event{Kind: EventMessage, ConversationID: conv.UID, Data: text})
	}
	conv.Messages[idx].Content = text

	if err := r.persist(ctx, conv); err != nil {
		r.log.Error("failed to persist completed turn",
			slog.String("op", "relay.complete"),
			slog.String("conversation", conv.UID),
			sl.Err(err),
		)
		send(ctx, out, Event{Kind: EventError, ConversationID: conv.UID, Data: fmt.Sprintf("%s: %v", errPersistOnClose, err)})
		return
	}

	send(ctx, out, Event{Kind: EventDone, ConversationID: conv.UID})
}

// fail freezes the placeholder to the partial text, or to the fallback when
// nothing arrived, persists once and reports cause.
func (r *Relay) fail(
	ctx context.Context,
	conv *domain.Conversation,
	idx int,
	partial string,
	received int,
	cause error,
	out chan<- Event,
) {
	text := partial
	if received == 0 || text == "" {
		text = r.cfg.Fallback
	}
	conv.Messages[idx].Content = text

	if err := r.persist(ctx, conv); err != nil {
		r.log.Error("failed to persist failed turn",
			slog.String("op", "relay.fail"),
			slog.String("conversation", conv.UID),
			sl.Err(err),
		)
		cause = errors.Join(cause, fmt.Errorf("%w: %v", errPersistOnClose, err))
	}

	send(ctx, out, Event{Kind: EventError, ConversationID: conv.UID, Data: errorText(cause)})
}

func errorText(err error) string {
	if err == nil {
		return "stream failed"
	}
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
