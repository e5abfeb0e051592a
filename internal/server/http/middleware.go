package http

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"TelemedTriage/internal/lib/logger/sl"

	"golang.org/x/exp/slog"
)

var errNoIdentity = errors.New("caller identity is missing")

type identifiedHandler func(w http.ResponseWriter, r *http.Request, userID int64)

// identified resolves the caller before calling next.
func (a *API) identified(next identifiedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := Identify(r, a.auth)
		if err != nil {
			a.log.Debug("unauthenticated request", slog.String("path", r.URL.Path), sl.Err(err))
			writeErr(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next(w, r, userID)
	}
}

// Identify returns the caller's user id. With a validator the bearer token
// (Authorization header or token query parameter) is checked against it,
// otherwise X-User-ID or the user_id query parameter is trusted.
func Identify(r *http.Request, validator TokenValidator) (int64, error) {
	if validator != nil {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			return 0, errNoIdentity
		}
		return validator.ValidateToken(r.Context(), token)
	}

	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	if raw == "" {
		return 0, errNoIdentity
	}

	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errNoIdentity
	}
	return userID, nil
}

// statusWriter captures the status code. It passes Flush and Hijack
// through so SSE and WebSocket handlers keep working behind it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RequestLogger logs one line per request.
func RequestLogger(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
