package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/lib/logger/sl"
	api "TelemedTriage/internal/server/http"
	"TelemedTriage/internal/services/conversation"
	"TelemedTriage/internal/services/relay"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"
)

const (
	pongWait   = 20 * time.Second
	pingPeriod = 15 * time.Second
	writeWait  = 5 * time.Second

	frameBuffer = 32
)

type Streamer interface {
	StreamMessage(ctx context.Context, req conversation.TurnRequest) (<-chan relay.Event, error)
}

// wsRequest is one client frame. Without conversation_id a new
// conversation with agent_id is started.
type wsRequest struct {
	ConversationID string           `json:"conversation_id"`
	AgentID        int64            `json:"agent_id"`
	Message        string           `json:"message"`
	Overrides      domain.Overrides `json:"overrides"`
}

type WebSocketHandler struct {
	log      *slog.Logger
	svc      Streamer
	auth     api.TokenValidator
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(log *slog.Logger, svc Streamer, validator api.TokenValidator) *WebSocketHandler {
	return &WebSocketHandler{
		log:  log,
		svc:  svc,
		auth: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnection streams every turn the client sends back as
// message/done/error frames. Closing the socket cancels running turns.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.WebSocket.HandleConnection"

	log := h.log.With(slog.String("op", op), slog.String("remote", r.RemoteAddr))

	userID, err := api.Identify(r, h.auth)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", sl.Err(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan relay.Event, frameBuffer)
	var turns sync.WaitGroup

	go h.writeLoop(ctx, cancel, conn, frames, log)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	log.Info("client connected", slog.Int64("user", userID))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read failed", sl.Err(err))
			}
			break
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			push(ctx, frames, relay.Event{Kind: relay.EventError, Data: "invalid json frame"})
			continue
		}

		turns.Add(1)
		go func() {
			defer turns.Done()
			h.runTurn(ctx, userID, req, frames)
		}()
	}

	cancel()
	turns.Wait()
	log.Info("client disconnected", slog.Int64("user", userID))
}

func (h *WebSocketHandler) runTurn(ctx context.Context, userID int64, req wsRequest, frames chan<- relay.Event) {
	events, err := h.svc.StreamMessage(ctx, conversation.TurnRequest{
		UserID:          userID,
		ConversationUID: req.ConversationID,
		AgentID:         req.AgentID,
		Message:         req.Message,
		Overrides:       req.Overrides,
	})
	if err != nil {
		_, _, msg := api.ErrorStatus(err)
		h.log.Debug("turn rejected", sl.Err(err))
		push(ctx, frames, relay.Event{Kind: relay.EventError, ConversationID: req.ConversationID, Data: msg})
		return
	}

	// drained to the end even when nobody listens any more
	for ev := range events {
		push(ctx, frames, ev)
	}
}

func push(ctx context.Context, frames chan<- relay.Event, ev relay.Event) {
	select {
	case frames <- ev:
	case <-ctx.Done():
	}
}

// writeLoop is the only writer on conn: frames and keepalive pings.
func (h *WebSocketHandler) writeLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	frames <-chan relay.Event,
	log *slog.Logger,
) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return

		case ev := <-frames:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Warn("write failed, closing", sl.Err(err))
				cancel()
				conn.Close()
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				log.Warn("ping failed, closing", sl.Err(err))
				cancel()
				conn.Close()
				return
			}
		}
	}
}
