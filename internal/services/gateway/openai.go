package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/lib/logger/sl"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/exp/slog"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI calls an OpenAI-compatible chat completion endpoint directly, using
// the model settings carried by each request. Retrieval configs are ignored:
// there is no knowledge base on this path.
type OpenAI struct {
	log          *slog.Logger
	httpClient   *http.Client
	buffer       int
	defaultModel string
	askTimeout   time.Duration
	readTimeout  time.Duration
}

func NewOpenAI(log *slog.Logger, cfg Config) *OpenAI {
	buffer := cfg.StreamBuffer
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &OpenAI{
		log:          log,
		httpClient:   &http.Client{Transport: newTransport(cfg)},
		buffer:       buffer,
		defaultModel: defaultOpenAIModel,
		askTimeout:   cfg.ConnectTimeout + cfg.WriteTimeout + cfg.ReadTimeout,
		readTimeout:  cfg.ReadTimeout,
	}
}

func (o *OpenAI) client(ms domain.ModelSettings) *openai.Client {
	cfg := openai.DefaultConfig(ms.APIKey)
	if ms.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(ms.BaseURL, "/")
	}
	cfg.HTTPClient = o.httpClient
	return openai.NewClientWithConfig(cfg)
}

func (o *OpenAI) model(ms domain.ModelSettings) string {
	if ms.ModelName != "" {
		return ms.ModelName
	}
	return o.defaultModel
}

func (o *OpenAI) Ask(ctx context.Context, req domain.LlmRequest) (domain.LlmResponse, error) {
	const op = "gateway.OpenAI.Ask"

	if o.askTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.askTimeout)
		defer cancel()
	}

	resp, err := o.client(req.ModelSettings).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model(req.ModelSettings),
		Messages: chatMessages(req),
	})
	if err != nil {
		return domain.LlmResponse{}, openAIError(op, err)
	}
	if len(resp.Choices) == 0 {
		return domain.LlmResponse{}, &Error{Op: op, Message: "response has no choices"}
	}

	return domain.LlmResponse{Answer: resp.Choices[0].Message.Content}, nil
}

func (o *OpenAI) StreamAsk(ctx context.Context, req domain.LlmRequest) <-chan StreamEvent {
	out := make(chan StreamEvent, o.buffer)
	go o.stream(ctx, req, out)
	return out
}

func (o *OpenAI) stream(ctx context.Context, req domain.LlmRequest, out chan<- StreamEvent) {
	const op = "gateway.OpenAI.StreamAsk"

	defer close(out)

	fail := func(err error) {
		o.log.Warn("stream failed", slog.String("op", op), sl.Err(err))
		out <- StreamEvent{Kind: EventError, Err: err}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := o.client(req.ModelSettings).CreateChatCompletionStream(reqCtx, openai.ChatCompletionRequest{
		Model:    o.model(req.ModelSettings),
		Messages: chatMessages(req),
		Stream:   true,
	})
	if err != nil {
		fail(openAIError(op, err))
		return
	}
	defer stream.Close()

	// restarted on every chunk; a silent upstream is cut off after readTimeout
	var idle atomic.Bool
	var watchdog *time.Timer
	if o.readTimeout > 0 {
		watchdog = time.AfterFunc(o.readTimeout, func() {
			idle.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}

	for {
		resp, err := stream.Recv()
		if watchdog != nil && !idle.Load() {
			watchdog.Reset(o.readTimeout)
		}

		if errors.Is(err, io.EOF) {
			out <- StreamEvent{Kind: EventDone}
			return
		}
		if err != nil {
			switch {
			case idle.Load():
				fail(&Error{Op: op, Message: fmt.Sprintf("no data for %s", o.readTimeout), Err: err})
			case ctx.Err() != nil:
				fail(&Error{Op: op, Err: ctx.Err()})
			default:
				fail(openAIError(op, err))
			}
			return
		}

		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if ctx.Err() != nil {
				fail(&Error{Op: op, Err: ctx.Err()})
				return
			}
			select {
			case out <- StreamEvent{Kind: EventFragment, Text: choice.Delta.Content}:
			case <-ctx.Done():
				fail(&Error{Op: op, Err: ctx.Err()})
				return
			}
		}
	}
}

// chatMessages renders the template into a system prompt, then history, then the message.
func chatMessages(req domain.LlmRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(req.TemplateConfig),
	})

	for _, h := range req.History {
		role := openai.ChatMessageRoleUser
		if h.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: h.Content})
	}

	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})
}

func systemPrompt(tc domain.TemplateConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a medical triage assistant following template %q.", tc.TemplateID)

	if len(tc.Params) > 0 {
		keys := make([]string, 0, len(tc.Params))
		for k := range tc.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\nPatient context:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, tc.Params[k])
		}
	}

	return b.String()
}

func openAIError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Op: op, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Op: op, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &Error{Op: op, Err: err}
}
