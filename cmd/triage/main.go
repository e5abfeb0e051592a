package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"TelemedTriage/internal/app"
	"TelemedTriage/internal/config"
	"TelemedTriage/internal/lib/logger/handlers/slogpretty"
	"TelemedTriage/internal/lib/logger/sl"
	"TelemedTriage/internal/server/handlers"
	api "TelemedTriage/internal/server/http"
	"TelemedTriage/internal/services/auth"
	"TelemedTriage/internal/services/conversation"
	"TelemedTriage/internal/services/gateway"
	"TelemedTriage/internal/services/relay"
	"TelemedTriage/internal/storage/memory"
	"TelemedTriage/internal/storage/postgresql"
	"TelemedTriage/internal/storage/seed"

	"golang.org/x/exp/slog"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.ENV)
	log.Info("starting triage service", slog.String("env", cfg.ENV))

	store, closeStore := mustStorage(log, cfg.STORAGE)
	defer closeStore()

	gw := setupGateway(log, cfg.GATEWAY)

	var validator api.TokenValidator
	if cfg.AUTH.URLAuth != "" {
		authClient, err := auth.New(log, auth.Options{
			Addr:         cfg.AUTH.URLAuth,
			Timeout:      cfg.AUTH.Timeout,
			RetriesCount: cfg.AUTH.RetriesCount,
			Insecure:     cfg.AUTH.Insecure,
		})
		if err != nil {
			panic(err)
		}
		defer authClient.Close()

		validator = authClient
		log.Info("token validation enabled", slog.String("sso", cfg.AUTH.URLAuth))
	} else {
		log.Warn("token validation disabled, trusting X-User-ID")
	}

	svc := conversation.New(log, store, gw, conversation.Config{
		AskFallback:  cfg.CONVERSATION.AskFallback,
		TurnWait:     cfg.CONVERSATION.TurnWait,
		SubTemplates: cfg.GATEWAY.DefaultSubTemplates,
		OpenTag:      cfg.PRESCRIPTION.OpenTag,
		CloseTag:     cfg.PRESCRIPTION.CloseTag,
		Stream: relay.Config{
			Timeout:        cfg.STREAM.Timeout,
			PersistTimeout: cfg.STREAM.PersistTimeout,
			Buffer:         cfg.STREAM.Buffer,
			Fallback:       cfg.CONVERSATION.StreamFallback,
		},
	})

	application := app.New(log, cfg,
		api.NewAPI(log, svc, validator),
		handlers.NewWebSocketHandler(log, svc, validator),
	)

	go application.MustRun()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	sign := <-stop
	log.Info("stopping application", slog.String("signal", sign.String()))

	if err := application.Stop(); err != nil {
		log.Error("graceful shutdown failed", sl.Err(err))
	}

	log.Info("application stopped")
}

// mustStorage opens the configured driver. The returned func releases it.
func mustStorage(log *slog.Logger, cfg config.Storage) (conversation.Storage, func()) {
	switch cfg.Driver {
	case "memory":
		store := memory.New()
		if cfg.SeedPath != "" {
			f, err := seed.Load(cfg.SeedPath)
			if err != nil {
				panic(err)
			}
			if err := f.Apply(store); err != nil {
				panic(err)
			}
			log.Info("memory storage seeded",
				slog.Int("users", len(f.Users)),
				slog.Int("agents", len(f.Agents)),
			)
		}
		return store, func() {}

	case "postgres":
		store, err := postgresql.New(cfg.DatabaseURL, log)
		if err != nil {
			panic(err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Error("failed to close storage", sl.Err(err))
			}
		}

	default:
		panic("unknown storage driver: " + cfg.Driver)
	}
}

func setupGateway(log *slog.Logger, cfg config.Gateway) conversation.Gateway {
	gcfg := gateway.Config{
		BaseURL:        cfg.BaseURL,
		AskPath:        cfg.AskPath,
		StreamPath:     cfg.StreamPath,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		StreamBuffer:   cfg.StreamBuffer,
	}

	switch cfg.Driver {
	case "openai":
		log.Info("using openai-compatible gateway")
		return gateway.NewOpenAI(log, gcfg)
	case "http":
		log.Info("using rag gateway", slog.String("base_url", cfg.BaseURL))
		return gateway.NewClient(log, gcfg)
	default:
		panic("unknown gateway driver: " + cfg.Driver)
	}
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog(os.Stdout)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default: // unknown env gets prod settings
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}

func setupPrettySlog(out io.Writer) *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(out)

	return slog.New(handler)
}
