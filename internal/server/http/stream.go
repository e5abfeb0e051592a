package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"TelemedTriage/internal/lib/logger/sl"
	"TelemedTriage/internal/services/conversation"
	"TelemedTriage/internal/services/relay"

	"golang.org/x/exp/slog"
)

type streamReq struct {
	ConversationID string `json:"conversation_id"`
	turnReq
}

// FormatSSE renders ev as one server-sent event named after its kind.
func FormatSSE(ev relay.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return []byte("event: " + string(ev.Kind) + "\ndata: " + string(data) + "\n\n"), nil
}

// streamMessage relays a turn as text/event-stream. Errors found before the
// turn starts are plain JSON errors; after that they arrive as error events.
func (a *API) streamMessage(w http.ResponseWriter, r *http.Request, userID int64) {
	const op = "http.streamMessage"

	var req streamReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_json", "invalid json body")
		return
	}
	if strings.TrimSpace(req.Message) == "" || (req.ConversationID == "" && req.AgentID <= 0) {
		writeErr(w, http.StatusBadRequest, "validation_error", "required fields: message and conversation_id or agent_id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	events, err := a.svc.StreamMessage(r.Context(), conversation.TurnRequest{
		UserID:          userID,
		ConversationUID: req.ConversationID,
		AgentID:         req.AgentID,
		Message:         req.Message,
		Overrides:       req.Overrides,
	})
	if err != nil {
		a.writeServiceErr(w, op, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	gone := false
	for ev := range events {
		if gone {
			continue
		}

		data, err := FormatSSE(ev)
		if err != nil {
			a.log.Error("failed to format event", slog.String("op", op), sl.Err(err))
			continue
		}
		if _, err := w.Write(data); err != nil {
			// keep draining; the relay sees the cancelled request context
			a.log.Info("client went away", slog.String("op", op), sl.Err(err))
			gone = true
			continue
		}
		flusher.Flush()
	}
}
