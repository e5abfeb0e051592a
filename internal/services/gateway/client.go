package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/lib/logger/sl"

	"golang.org/x/exp/slog"
)

const defaultStreamBuffer = 16

type Config struct {
	BaseURL        string
	AskPath        string
	StreamPath     string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	StreamBuffer   int
}

// Client talks to the RAG gateway over HTTP: a JSON call for Ask and a
// text/event-stream response for StreamAsk.
type Client struct {
	log        *slog.Logger
	cfg        Config
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(log *slog.Logger, cfg Config, opts ...Option) *Client {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}

	c := &Client{
		log: log,
		cfg: cfg,
		httpClient: &http.Client{
			// no overall timeout: streams stay open for minutes
			Transport: newTransport(cfg),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.WriteTimeout + cfg.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) askTimeout() time.Duration {
	return c.cfg.ConnectTimeout + c.cfg.WriteTimeout + c.cfg.ReadTimeout
}

// Ask performs one blocking request and returns the full answer.
func (c *Client) Ask(ctx context.Context, req domain.LlmRequest) (domain.LlmResponse, error) {
	const op = "gateway.Ask"

	log := c.log.With(slog.String("op", op))

	body, err := json.Marshal(req)
	if err != nil {
		return domain.LlmResponse{}, &Error{Op: op, Message: "encode request", Err: err}
	}

	if t := c.askTimeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.cfg.AskPath), bytes.NewReader(body))
	if err != nil {
		return domain.LlmResponse{}, &Error{Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	log.Debug("-> ask", slog.String("model", req.ModelSettings.ModelName), slog.String("message", trimLong(req.Message)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.LlmResponse{}, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.LlmResponse{}, statusError(op, resp)
	}

	var out domain.LlmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.LlmResponse{}, &Error{Op: op, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}

	log.Debug("<- ask", slog.String("answer", trimLong(out.Answer)))

	return out, nil
}

// StreamAsk opens the event stream and returns at once. The returned channel
// carries fragments, then one terminal event, then is closed. The caller must
// read it until it is closed.
func (c *Client) StreamAsk(ctx context.Context, req domain.LlmRequest) <-chan StreamEvent {
	out := make(chan StreamEvent, c.cfg.StreamBuffer)
	go c.stream(ctx, req, out)
	return out
}

func (c *Client) stream(ctx context.Context, req domain.LlmRequest, out chan<- StreamEvent) {
	const op = "gateway.StreamAsk"

	defer close(out)

	log := c.log.With(slog.String("op", op))

	fail := func(err error) {
		log.Warn("stream failed", sl.Err(err))
		out <- StreamEvent{Kind: EventError, Err: err}
	}

	body, err := json.Marshal(req)
	if err != nil {
		fail(&Error{Op: op, Message: "encode request", Err: err})
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url(c.cfg.StreamPath), bytes.NewReader(body))
	if err != nil {
		fail(&Error{Op: op, Err: err})
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	log.Debug("-> stream", slog.String("model", req.ModelSettings.ModelName), slog.String("message", trimLong(req.Message)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		fail(c.streamErr(op, ctx, false, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fail(statusError(op, resp))
		return
	}

	reader := newSSEReader(resp.Body)

	// the read timeout applies between lines, keepalive comments count
	var idle atomic.Bool
	if c.cfg.ReadTimeout > 0 {
		watchdog := time.AfterFunc(c.cfg.ReadTimeout, func() {
			idle.Store(true)
			cancel()
		})
		defer watchdog.Stop()

		reader.seen = func() {
			if !idle.Load() {
				watchdog.Reset(c.cfg.ReadTimeout)
			}
		}
	}

	fragments := 0

	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			log.Debug("<- stream closed", slog.Int("fragments", fragments))
			out <- StreamEvent{Kind: EventDone}
			return
		}
		if err != nil {
			fail(c.streamErr(op, ctx, idle.Load(), err))
			return
		}

		se := classify(ev)
		if se.Terminal() {
			if se.Kind == EventError {
				fail(se.Err)
				return
			}
			log.Debug("<- stream done", slog.Int("fragments", fragments))
			out <- se
			return
		}
		if se.Text == "" {
			continue
		}

		if ctx.Err() != nil {
			fail(&Error{Op: op, Err: ctx.Err()})
			return
		}
		select {
		case out <- se:
			fragments++
		case <-ctx.Done():
			fail(&Error{Op: op, Err: ctx.Err()})
			return
		}
	}
}

func (c *Client) streamErr(op string, ctx context.Context, idle bool, err error) error {
	switch {
	case idle:
		return &Error{Op: op, Message: fmt.Sprintf("no data for %s", c.cfg.ReadTimeout), Err: err}
	case ctx.Err() != nil:
		return &Error{Op: op, Err: ctx.Err()}
	}
	return &Error{Op: op, Err: err}
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(b))
	var detail struct {
		Detail any `json:"detail"`
		Error  any `json:"error"`
	}
	if json.Unmarshal(b, &detail) == nil {
		switch {
		case detail.Detail != nil:
			msg = fmt.Sprint(detail.Detail)
		case detail.Error != nil:
			msg = fmt.Sprint(detail.Error)
		}
	}

	return &Error{Op: op, StatusCode: resp.StatusCode, Message: trimLong(msg)}
}
