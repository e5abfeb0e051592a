package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/lib/logger/handlers/slogdiscard"
	"TelemedTriage/internal/services/gateway"
	"TelemedTriage/internal/services/llmrequest"
	"TelemedTriage/internal/services/relay"
	"TelemedTriage/internal/storage"
	"TelemedTriage/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

const (
	patientID = int64(7)
	agentID   = int64(1)
)

type fakeGateway struct {
	mu       sync.Mutex
	answer   string
	err      error
	script   []gateway.StreamEvent
	gate     chan struct{}
	asked    []domain.LlmRequest
	streamed []domain.LlmRequest
}

func (g *fakeGateway) Ask(_ context.Context, req domain.LlmRequest) (domain.LlmResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.asked = append(g.asked, req)
	if g.err != nil {
		return domain.LlmResponse{}, g.err
	}
	return domain.LlmResponse{Answer: g.answer}, nil
}

func (g *fakeGateway) StreamAsk(ctx context.Context, req domain.LlmRequest) <-chan gateway.StreamEvent {
	g.mu.Lock()
	g.streamed = append(g.streamed, req)
	script, gate := g.script, g.gate
	g.mu.Unlock()

	ch := make(chan gateway.StreamEvent, len(script)+1)
	go func() {
		defer close(ch)
		for _, ev := range script {
			ch <- ev
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				ch <- gateway.StreamEvent{Kind: gateway.EventError, Err: ctx.Err()}
				return
			}
		}
		ch <- gateway.StreamEvent{Kind: gateway.EventDone}
	}()
	return ch
}

func (g *fakeGateway) lastStreamed() domain.LlmRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streamed[len(g.streamed)-1]
}

func newService(t *testing.T, gw *fakeGateway) (*Service, *memory.Storage) {
	t.Helper()

	store := memory.New()
	age := 34
	store.PutUser(domain.CallerProfile{UserID: patientID, RealName: "Patient", Age: &age, Gender: domain.GenderFemale})
	store.PutAgent(domain.AgentConfig{
		ID:               agentID,
		Name:             "Triage",
		DirectionID:      4,
		Model:            domain.ModelSettings{ModelName: "qwen-max"},
		TemplateID:       "triage_v1",
		Template:         domain.TemplateSpec{Params: []domain.TemplateParam{{Name: "duration", DefaultValue: "1 day"}}},
		VectorNamespaces: []string{"guidelines"},
	})

	svc := New(slogdiscard.NewDiscardLogger(), store, gw, Config{
		AskFallback: "Sorry, I can't answer right now.",
		Stream: relay.Config{
			Timeout:  5 * time.Second,
			Fallback: "Sorry, an error occurred while processing your request.",
		},
	})
	return svc, store
}

func drain(t *testing.T, ch <-chan relay.Event) []relay.Event {
	t.Helper()

	var out []relay.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event channel not closed")
		}
	}
}

func seedConversation(t *testing.T, store *memory.Storage, userID int64, texts ...string) domain.Conversation {
	t.Helper()

	c := domain.NewConversation(userID, agentID, time.Now())
	for i, text := range texts {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		c.Append(domain.NewMessage(role, text, time.Now()))
	}
	require.NoError(t, store.SaveConversation(context.Background(), &c))
	return c
}

func TestService_CreateConversation_Headache(t *testing.T) {
	gw := &fakeGateway{answer: "Take ibuprofen."}
	svc, store := newService(t, gw)

	conv, err := svc.CreateConversation(context.Background(), TurnRequest{
		UserID:  patientID,
		AgentID: agentID,
		Message: "headache",
	})
	require.NoError(t, err)

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, domain.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "headache", conv.Messages[0].Content)
	assert.Equal(t, domain.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Take ibuprofen.", conv.Messages[1].Content)

	require.Len(t, gw.asked, 1)
	req := gw.asked[0]
	assert.Equal(t, "headache", req.Message)
	assert.Equal(t, "34", req.TemplateConfig.Params[llmrequest.ParamAge])
	assert.Equal(t, "female", req.TemplateConfig.Params[llmrequest.ParamGender])
	assert.Equal(t, "headache", req.TemplateConfig.Params[llmrequest.ParamSymptoms])
	assert.Equal(t, "1 day", req.TemplateConfig.Params["duration"])
	assert.Empty(t, req.History)

	stored, err := store.GetConversation(context.Background(), conv.UID)
	require.NoError(t, err)
	assert.Equal(t, conv.Messages, stored.Messages)
}

func TestService_CreateConversation_GatewayFailureUsesFallback(t *testing.T) {
	gw := &fakeGateway{err: &gateway.Error{Op: "gateway.Ask", StatusCode: 503}}
	svc, _ := newService(t, gw)

	conv, err := svc.CreateConversation(context.Background(), TurnRequest{UserID: patientID, AgentID: agentID, Message: "headache"})
	require.NoError(t, err)
	assert.Equal(t, "Sorry, I can't answer right now.", conv.Messages[1].Content)
}

func TestService_CreateConversation_Validation(t *testing.T) {
	svc, _ := newService(t, &fakeGateway{answer: "x"})

	_, err := svc.CreateConversation(context.Background(), TurnRequest{UserID: patientID, AgentID: agentID, Message: "  "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.CreateConversation(context.Background(), TurnRequest{UserID: patientID, AgentID: 99, Message: "hi"})
	assert.ErrorIs(t, err, storage.ErrAgentNotFound)
}

func TestService_UnknownCallerGetsUnknownDemographics(t *testing.T) {
	gw := &fakeGateway{answer: "ok"}
	svc, _ := newService(t, gw)

	_, err := svc.CreateConversation(context.Background(), TurnRequest{UserID: 1000, AgentID: agentID, Message: "cough"})
	require.NoError(t, err)

	assert.Equal(t, "unknown", gw.asked[0].TemplateConfig.Params[llmrequest.ParamAge])
	assert.Equal(t, "unknown", gw.asked[0].TemplateConfig.Params[llmrequest.ParamGender])
}

func TestService_SendMessage(t *testing.T) {
	gw := &fakeGateway{answer: "Drink water."}
	svc, store := newService(t, gw)
	seeded := seedConversation(t, store, patientID, "headache", "Take ibuprofen.")

	conv, err := svc.SendMessage(context.Background(), TurnRequest{
		UserID:          patientID,
		ConversationUID: seeded.UID,
		Message:         "still hurts",
	})
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "Drink water.", conv.Messages[3].Content)

	req := gw.asked[0]
	require.Len(t, req.History, 2)
	assert.Equal(t, domain.HistoryEntry{Role: domain.RoleUser, Content: "headache"}, req.History[0])
	assert.Equal(t, domain.HistoryEntry{Role: domain.RoleAssistant, Content: "Take ibuprofen."}, req.History[1])
}

func TestService_SendMessage_Ownership(t *testing.T) {
	svc, store := newService(t, &fakeGateway{answer: "x"})
	seeded := seedConversation(t, store, patientID, "headache", "Take ibuprofen.")

	_, err := svc.SendMessage(context.Background(), TurnRequest{UserID: 8, ConversationUID: seeded.UID, Message: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.GetConversation(context.Background(), 8, seeded.UID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.SendMessage(context.Background(), TurnRequest{UserID: patientID, ConversationUID: "missing", Message: "hi"})
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)
}

func TestService_StreamMessage_NewConversation(t *testing.T) {
	gw := &fakeGateway{script: []gateway.StreamEvent{
		{Kind: gateway.EventFragment, Text: "Take "},
		{Kind: gateway.EventFragment, Text: "ibuprofen."},
	}}
	svc, store := newService(t, gw)

	ch, err := svc.StreamMessage(context.Background(), TurnRequest{UserID: patientID, AgentID: agentID, Message: "headache"})
	require.NoError(t, err)
	events := drain(t, ch)

	require.Len(t, events, 3)
	uid := events[0].ConversationID
	require.NotEmpty(t, uid)
	assert.Equal(t, "Take ", events[0].Data)
	assert.Equal(t, "ibuprofen.", events[1].Data)
	assert.Equal(t, relay.EventDone, events[2].Kind)

	conv, err := store.GetConversation(context.Background(), uid)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "headache", conv.Messages[0].Content)
	assert.Equal(t, "Take ibuprofen.", conv.Messages[1].Content)

	assert.Empty(t, gw.lastStreamed().History)
}

func TestService_StreamMessage_HistoryExcludesCurrentTurn(t *testing.T) {
	gw := &fakeGateway{script: []gateway.StreamEvent{{Kind: gateway.EventFragment, Text: "ok"}}}
	svc, store := newService(t, gw)
	seeded := seedConversation(t, store, patientID, "headache", "Take ibuprofen.")

	ch, err := svc.StreamMessage(context.Background(), TurnRequest{UserID: patientID, ConversationUID: seeded.UID, Message: "thanks"})
	require.NoError(t, err)
	drain(t, ch)

	req := gw.lastStreamed()
	assert.Equal(t, "thanks", req.Message)
	require.Len(t, req.History, 2)
	assert.Equal(t, "Take ibuprofen.", req.History[1].Content)

	conv, err := store.GetConversation(context.Background(), seeded.UID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "ok", conv.Messages[3].Content)
}

func TestService_ConcurrentTurnRejected(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{answer: "x", gate: gate, script: []gateway.StreamEvent{{Kind: gateway.EventFragment, Text: "a"}}}
	svc, store := newService(t, gw)
	seeded := seedConversation(t, store, patientID, "headache", "Take ibuprofen.")

	ch, err := svc.StreamMessage(context.Background(), TurnRequest{UserID: patientID, ConversationUID: seeded.UID, Message: "first"})
	require.NoError(t, err)
	<-ch

	_, err = svc.SendMessage(context.Background(), TurnRequest{UserID: patientID, ConversationUID: seeded.UID, Message: "second"})
	assert.ErrorIs(t, err, ErrTurnInProgress)

	_, err = svc.GeneratePrescription(context.Background(), patientID, seeded.UID)
	assert.ErrorIs(t, err, ErrTurnInProgress)

	close(gate)
	drain(t, ch)

	conv, err := svc.SendMessage(context.Background(), TurnRequest{UserID: patientID, ConversationUID: seeded.UID, Message: "second"})
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 6)
}

func TestService_StreamMessage_ClientCancel(t *testing.T) {
	gw := &fakeGateway{gate: make(chan struct{}), script: []gateway.StreamEvent{{Kind: gateway.EventFragment, Text: "partial"}}}
	svc, store := newService(t, gw)
	seeded := seedConversation(t, store, patientID)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := svc.StreamMessage(ctx, TurnRequest{UserID: patientID, ConversationUID: seeded.UID, Message: "headache"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "partial", first.Data)
	cancel()
	drain(t, ch)

	conv, err := store.GetConversation(context.Background(), seeded.UID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "partial", conv.Messages[1].Content)

	// the lock is released once the relay is done
	_, err = svc.SendMessage(context.Background(), TurnRequest{UserID: patientID, ConversationUID: seeded.UID, Message: "again"})
	require.NoError(t, err)
}

func TestService_StreamMessage_RejectsFinished(t *testing.T) {
	svc, store := newService(t, &fakeGateway{})
	seeded := seedConversation(t, store, patientID, "headache", "<Rx>Ibuprofen</Rx>")

	_, err := svc.GeneratePrescription(context.Background(), patientID, seeded.UID)
	require.NoError(t, err)

	_, err = svc.StreamMessage(context.Background(), TurnRequest{UserID: patientID, ConversationUID: seeded.UID, Message: "more"})
	assert.ErrorIs(t, err, storage.ErrConversationFinished)

	_, err = svc.SendMessage(context.Background(), TurnRequest{UserID: patientID, ConversationUID: seeded.UID, Message: "more"})
	assert.ErrorIs(t, err, storage.ErrConversationFinished)
}

func TestService_GeneratePrescription(t *testing.T) {
	svc, store := newService(t, &fakeGateway{})
	seeded := seedConversation(t, store, patientID,
		"headache",
		"Based on your symptoms: <Rx>Ibuprofen 200mg BID</Rx> Rest well.",
	)

	p, err := svc.GeneratePrescription(context.Background(), patientID, seeded.UID)
	require.NoError(t, err)

	assert.Equal(t, "Ibuprofen 200mg BID", p.Content)
	assert.Equal(t, patientID, p.UserID)
	assert.Equal(t, agentID, p.AgentID)
	assert.Equal(t, int64(4), p.DirectionID)
	assert.Equal(t, domain.ReviewUnreviewed, p.ReviewStatus)
	assert.Equal(t, seeded.ID, p.ConversationID)

	conv, err := svc.GetConversation(context.Background(), patientID, seeded.UID)
	require.NoError(t, err)
	assert.True(t, conv.Finished)
	require.NotNil(t, conv.PrescriptionID)
	assert.Equal(t, p.ID, *conv.PrescriptionID)

	_, err = svc.GeneratePrescription(context.Background(), patientID, seeded.UID)
	assert.ErrorIs(t, err, storage.ErrConversationFinished)
}

func TestService_PrescriptionLogCarriesOp(t *testing.T) {
	svc, store := newService(t, &fakeGateway{})
	var buf bytes.Buffer
	svc.log = slog.New(slog.NewJSONHandler(&buf, nil))

	seeded := seedConversation(t, store, patientID, "headache", "<Rx>Rest</Rx>")
	_, err := svc.GeneratePrescription(context.Background(), patientID, seeded.UID)
	require.NoError(t, err)

	found := false
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var line struct {
			Msg string `json:"msg"`
			Op  string `json:"op"`
		}
		require.NoError(t, json.Unmarshal(raw, &line))
		if line.Msg == "prescription created" {
			found = true
			assert.Equal(t, "conversation.GeneratePrescription", line.Op)
		}
	}
	assert.True(t, found)
}

func TestService_GeneratePrescription_WithoutMarkersUsesWholeReply(t *testing.T) {
	svc, store := newService(t, &fakeGateway{})
	seeded := seedConversation(t, store, patientID, "headache", "Rest and hydrate.")

	p, err := svc.GeneratePrescription(context.Background(), patientID, seeded.UID)
	require.NoError(t, err)
	assert.Equal(t, "Rest and hydrate.", p.Content)
}

func TestService_GeneratePrescription_NoAssistantMessage(t *testing.T) {
	svc, store := newService(t, &fakeGateway{})
	seeded := seedConversation(t, store, patientID, "headache")

	_, err := svc.GeneratePrescription(context.Background(), patientID, seeded.UID)
	assert.ErrorIs(t, err, ErrNoAssistantMessage)
}

func TestService_ExtractAndSavePrescription(t *testing.T) {
	svc, store := newService(t, &fakeGateway{})
	seeded := seedConversation(t, store, patientID, "headache", "Take ibuprofen.")

	_, err := svc.ExtractAndSavePrescription(context.Background(), patientID, seeded.UID, "   ")
	assert.ErrorIs(t, err, ErrEmptyPrescription)

	p, err := svc.ExtractAndSavePrescription(context.Background(), patientID, seeded.UID, "<Rx> Paracetamol 500mg </Rx>")
	require.NoError(t, err)
	assert.Equal(t, "Paracetamol 500mg", p.Content)

	list, err := svc.ListPrescriptions(context.Background(), domain.PrescriptionFilter{UserID: &p.UserID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}

func TestService_ReviewPrescription(t *testing.T) {
	svc, store := newService(t, &fakeGateway{})
	seeded := seedConversation(t, store, patientID, "headache", "<Rx>Ibuprofen</Rx>")

	p, err := svc.GeneratePrescription(context.Background(), patientID, seeded.UID)
	require.NoError(t, err)

	_, err = svc.ReviewPrescription(context.Background(), 100, p.ID, domain.ReviewUnreviewed, "")
	assert.ErrorIs(t, err, ErrInvalidReviewStatus)

	reviewed, err := svc.ReviewPrescription(context.Background(), 100, p.ID, domain.ReviewApproved, " fine ")
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewApproved, reviewed.ReviewStatus)
	require.NotNil(t, reviewed.ReviewerID)
	assert.Equal(t, int64(100), *reviewed.ReviewerID)
	assert.Equal(t, "fine", reviewed.ReviewComment)

	_, err = svc.ReviewPrescription(context.Background(), 100, p.ID, domain.ReviewRejected, "")
	assert.ErrorIs(t, err, storage.ErrAlreadyReviewed)

	got, err := svc.GetPrescription(context.Background(), patientID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewApproved, got.ReviewStatus)
}

func TestService_GetPrescription_Ownership(t *testing.T) {
	svc, store := newService(t, &fakeGateway{})
	seeded := seedConversation(t, store, patientID, "headache", "<Rx>Ibuprofen</Rx>")

	p, err := svc.GeneratePrescription(context.Background(), patientID, seeded.UID)
	require.NoError(t, err)

	_, err = svc.GetPrescription(context.Background(), 8, p.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.GetPrescription(context.Background(), patientID, p.ID+100)
	assert.ErrorIs(t, err, storage.ErrPrescriptionNotFound)
}

func TestService_ListsAndSettings(t *testing.T) {
	svc, store := newService(t, &fakeGateway{})
	seedConversation(t, store, patientID, "Sore throat. Since Monday", "Gargle salt water.")
	seedConversation(t, store, 8, "other")

	convs, err := svc.ListConversations(context.Background(), patientID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Sore throat", convs[0].Title)
	assert.Equal(t, 2, convs[0].MessageCount)

	agents, err := svc.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "qwen-max", agents[0].ModelName)

	settings, err := svc.ChatSettings(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, "triage_v1", settings.TemplateID)
	assert.True(t, settings.VectorEnabled)
	assert.False(t, settings.PreciseEnabled)
	assert.Equal(t, llmrequest.Defaults, settings.Defaults)
	require.Len(t, settings.Params, 1)

	_, err = svc.ChatSettings(context.Background(), 42)
	assert.True(t, errors.Is(err, storage.ErrAgentNotFound))
}
