package gateway

import (
	"context"

	"TelemedTriage/internal/domain"
)

// Sink receives a stream through callbacks: any number of OnFragment calls,
// then exactly one of OnTerminal or OnError.
type Sink interface {
	OnFragment(text string)
	OnTerminal()
	OnError(err error)
}

type Streamer interface {
	StreamAsk(ctx context.Context, req domain.LlmRequest) <-chan StreamEvent
}

// StreamAskTo runs the stream on its own goroutine and reports to sink.
func StreamAskTo(ctx context.Context, s Streamer, req domain.LlmRequest, sink Sink) {
	go Deliver(s.StreamAsk(ctx, req), sink)
}

// Deliver drains events into sink and returns when the channel is closed.
func Deliver(events <-chan StreamEvent, sink Sink) {
	terminated := false

	for ev := range events {
		if terminated {
			continue
		}
		switch ev.Kind {
		case EventFragment:
			sink.OnFragment(ev.Text)
		case EventDone:
			terminated = true
			sink.OnTerminal()
		case EventError:
			terminated = true
			sink.OnError(ev.Err)
		}
	}

	if !terminated {
		sink.OnError(&Error{Op: "gateway.Deliver", Message: "stream closed without a terminal event"})
	}
}
