package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/lib/logger/sl"
	"TelemedTriage/internal/services/auth"
	"TelemedTriage/internal/services/conversation"
	"TelemedTriage/internal/services/relay"
	"TelemedTriage/internal/storage"

	"golang.org/x/exp/slog"
)

type Service interface {
	CreateConversation(ctx context.Context, req conversation.TurnRequest) (domain.Conversation, error)
	SendMessage(ctx context.Context, req conversation.TurnRequest) (domain.Conversation, error)
	StreamMessage(ctx context.Context, req conversation.TurnRequest) (<-chan relay.Event, error)
	GeneratePrescription(ctx context.Context, userID int64, uid string) (domain.Prescription, error)
	ExtractAndSavePrescription(ctx context.Context, userID int64, uid, content string) (domain.Prescription, error)
	GetConversation(ctx context.Context, userID int64, uid string) (domain.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]domain.ConversationSummary, error)
	ListAgents(ctx context.Context) ([]domain.AgentSummary, error)
	ChatSettings(ctx context.Context, agentID int64) (domain.ChatSettings, error)
	GetPrescription(ctx context.Context, userID, id int64) (domain.Prescription, error)
	ListPrescriptions(ctx context.Context, f domain.PrescriptionFilter) ([]domain.Prescription, error)
	ReviewPrescription(ctx context.Context, reviewerID, id int64, status domain.ReviewStatus, comment string) (domain.Prescription, error)
}

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int64, error)
}

type API struct {
	log  *slog.Logger
	svc  Service
	auth TokenValidator
}

// NewAPI wires the REST and SSE endpoints. With a nil validator callers are
// identified by the X-User-ID header or the user_id query parameter.
func NewAPI(log *slog.Logger, svc Service, validator TokenValidator) *API {
	return &API{log: log, svc: svc, auth: validator}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.health)

	mux.HandleFunc("GET /api/agents", a.listAgents)
	mux.HandleFunc("GET /api/agents/{id}/chat-settings", a.chatSettings)

	mux.HandleFunc("GET /api/conversations", a.identified(a.listConversations))
	mux.HandleFunc("POST /api/conversations", a.identified(a.createConversation))
	mux.HandleFunc("POST /api/conversations/stream", a.identified(a.streamMessage))
	mux.HandleFunc("GET /api/conversations/{id}", a.identified(a.getConversation))
	mux.HandleFunc("POST /api/conversations/{id}/messages", a.identified(a.sendMessage))
	mux.HandleFunc("POST /api/conversations/{id}/prescription", a.identified(a.generatePrescription))
	mux.HandleFunc("POST /api/conversations/{id}/extract-prescription", a.identified(a.extractPrescription))

	mux.HandleFunc("GET /api/prescriptions", a.identified(a.listPrescriptions))
	mux.HandleFunc("GET /api/prescriptions/{id}", a.identified(a.getPrescription))
	mux.HandleFunc("POST /api/prescriptions/{id}/review", a.identified(a.reviewPrescription))
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResp struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiErrorResp{Error: apiError{Code: code, Message: msg}})
}

// ErrorStatus maps service and storage errors to an HTTP status and code.
func ErrorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest, "validation_error", "message is required"
	case errors.Is(err, conversation.ErrEmptyPrescription):
		return http.StatusBadRequest, "empty_prescription", "prescription content is empty"
	case errors.Is(err, conversation.ErrInvalidReviewStatus):
		return http.StatusBadRequest, "validation_error", "status must be approved or rejected"
	case errors.Is(err, conversation.ErrNoAssistantMessage):
		return http.StatusUnprocessableEntity, "no_assistant_message", "conversation has no assistant reply yet"
	case errors.Is(err, conversation.ErrForbidden):
		return http.StatusForbidden, "forbidden", "conversation does not belong to user"
	case errors.Is(err, conversation.ErrTurnInProgress):
		return http.StatusConflict, "turn_in_progress", "another message is being processed"
	case errors.Is(err, storage.ErrConversationFinished):
		return http.StatusConflict, "conversation_finished", "conversation is finished"
	case errors.Is(err, storage.ErrVersionConflict):
		return http.StatusConflict, "conflict", "conversation was modified concurrently"
	case errors.Is(err, storage.ErrAlreadyReviewed):
		return http.StatusConflict, "already_reviewed", "prescription is already reviewed"
	case errors.Is(err, storage.ErrConversationNotFound):
		return http.StatusNotFound, "conversation_not_found", "conversation not found"
	case errors.Is(err, storage.ErrAgentNotFound):
		return http.StatusNotFound, "agent_not_found", "agent not found"
	case errors.Is(err, storage.ErrPrescriptionNotFound):
		return http.StatusNotFound, "prescription_not_found", "prescription not found"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthorized", "invalid token"
	case errors.Is(err, context.Canceled):
		return 499, "client_closed", "request cancelled"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

func (a *API) writeServiceErr(w http.ResponseWriter, op string, err error) {
	status, code, msg := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", slog.String("op", op), sl.Err(err))
	} else {
		a.log.Debug("request rejected", slog.String("op", op), sl.Err(err))
	}
	writeErr(w, status, code, msg)
}
