package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/services/conversation"
)

type turnReq struct {
	AgentID   int64            `json:"agent_id"`
	Message   string           `json:"message"`
	Overrides domain.Overrides `json:"overrides"`
}

type turnResp struct {
	Conversation domain.Conversation `json:"conversation"`
	Reply        domain.Message      `json:"reply"`
}

type extractReq struct {
	Content string `json:"content"`
}

type reviewReq struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.svc.ListAgents(r.Context())
	if err != nil {
		a.writeServiceErr(w, "http.listAgents", err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (a *API) chatSettings(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r)
	if !ok {
		return
	}

	settings, err := a.svc.ChatSettings(r.Context(), agentID)
	if err != nil {
		a.writeServiceErr(w, "http.chatSettings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request, userID int64) {
	convs, err := a.svc.ListConversations(r.Context(), userID)
	if err != nil {
		a.writeServiceErr(w, "http.listConversations", err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (a *API) createConversation(w http.ResponseWriter, r *http.Request, userID int64) {
	var req turnReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_json", "invalid json body")
		return
	}
	if req.AgentID <= 0 || strings.TrimSpace(req.Message) == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "required fields: agent_id, message")
		return
	}

	conv, err := a.svc.CreateConversation(r.Context(), conversation.TurnRequest{
		UserID:    userID,
		AgentID:   req.AgentID,
		Message:   req.Message,
		Overrides: req.Overrides,
	})
	if err != nil {
		a.writeServiceErr(w, "http.createConversation", err)
		return
	}

	writeJSON(w, http.StatusCreated, newTurnResp(conv))
}

func (a *API) getConversation(w http.ResponseWriter, r *http.Request, userID int64) {
	conv, err := a.svc.GetConversation(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		a.writeServiceErr(w, "http.getConversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request, userID int64) {
	var req turnReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_json", "invalid json body")
		return
	}

	conv, err := a.svc.SendMessage(r.Context(), conversation.TurnRequest{
		UserID:          userID,
		ConversationUID: r.PathValue("id"),
		Message:         req.Message,
		Overrides:       req.Overrides,
	})
	if err != nil {
		a.writeServiceErr(w, "http.sendMessage", err)
		return
	}

	writeJSON(w, http.StatusOK, newTurnResp(conv))
}

func (a *API) generatePrescription(w http.ResponseWriter, r *http.Request, userID int64) {
	p, err := a.svc.GeneratePrescription(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		a.writeServiceErr(w, "http.generatePrescription", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) extractPrescription(w http.ResponseWriter, r *http.Request, userID int64) {
	var req extractReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_json", "invalid json body")
		return
	}

	p, err := a.svc.ExtractAndSavePrescription(r.Context(), userID, r.PathValue("id"), req.Content)
	if err != nil {
		a.writeServiceErr(w, "http.extractPrescription", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// listPrescriptions filters by user_id, direction_id and status query
// parameters; without user_id the caller's own prescriptions are listed.
func (a *API) listPrescriptions(w http.ResponseWriter, r *http.Request, userID int64) {
	q := r.URL.Query()
	f := domain.PrescriptionFilter{UserID: &userID}

	if raw := q.Get("direction_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "validation_error", "direction_id must be int")
			return
		}
		f.DirectionID = &id
		f.UserID = nil
	}
	if raw := q.Get("status"); raw != "" {
		status, ok := parseReviewStatus(raw)
		if !ok {
			writeErr(w, http.StatusBadRequest, "validation_error", "status must be unreviewed, approved or rejected")
			return
		}
		f.Status = &status
	}

	ps, err := a.svc.ListPrescriptions(r.Context(), f)
	if err != nil {
		a.writeServiceErr(w, "http.listPrescriptions", err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (a *API) getPrescription(w http.ResponseWriter, r *http.Request, userID int64) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	p, err := a.svc.GetPrescription(r.Context(), userID, id)
	if err != nil {
		a.writeServiceErr(w, "http.getPrescription", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) reviewPrescription(w http.ResponseWriter, r *http.Request, reviewerID int64) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req reviewReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_json", "invalid json body")
		return
	}
	status, ok := parseReviewStatus(req.Status)
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "status must be approved or rejected")
		return
	}

	p, err := a.svc.ReviewPrescription(r.Context(), reviewerID, id, status, req.Comment)
	if err != nil {
		a.writeServiceErr(w, "http.reviewPrescription", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func newTurnResp(conv domain.Conversation) turnResp {
	reply, _ := conv.LastAssistant()
	return turnResp{Conversation: conv, Reply: reply}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, "validation_error", "id must be a positive int")
		return 0, false
	}
	return id, true
}

func parseReviewStatus(s string) (domain.ReviewStatus, bool) {
	for _, st := range []domain.ReviewStatus{domain.ReviewUnreviewed, domain.ReviewApproved, domain.ReviewRejected} {
		if strings.EqualFold(s, st.String()) || s == strconv.Itoa(int(st)) {
			return st, true
		}
	}
	return 0, false
}
