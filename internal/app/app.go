package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"TelemedTriage/internal/config"
	"TelemedTriage/internal/server/handlers"
	api "TelemedTriage/internal/server/http"

	"golang.org/x/exp/slog"
)

// App serves the REST, SSE and WebSocket endpoints on one listener.
type App struct {
	log    *slog.Logger
	server *http.Server
	cfg    config.HTTPServer
	env    string

	// cancels every request context, hijacked WebSocket connections included
	stopRequests context.CancelFunc
}

func New(
	log *slog.Logger,
	cfg *config.Config,
	httpAPI *api.API,
	wsHandler *handlers.WebSocketHandler,
) *App {
	mux := http.NewServeMux()
	httpAPI.Register(mux)
	mux.HandleFunc("GET /ws/conversations", wsHandler.HandleConnection)

	base, stopRequests := context.WithCancel(context.Background())

	// no WriteTimeout: streaming responses outlive any fixed write deadline
	server := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           api.RequestLogger(log, mux),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	return &App{
		log:          log,
		server:       server,
		cfg:          cfg.HTTP,
		env:          cfg.ENV,
		stopRequests: stopRequests,
	}
}

func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// MustRun runs the server and panics on failure.
func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "app.Run"

	a.log.Info("starting http server",
		slog.String("addr", a.server.Addr),
		slog.String("env", a.env),
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Stop shuts the server down, waiting up to the configured shutdown timeout
// for in-flight requests. Streams still running after that are cancelled
// and persist what they have.
func (a *App) Stop() error {
	const op = "app.Stop"

	a.log.Info("stopping http server")
	defer a.stopRequests()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	a.log.Info("http server stopped")
	return nil
}
