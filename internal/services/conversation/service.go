package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/lib/logger/sl"
	"TelemedTriage/internal/services/gateway"
	"TelemedTriage/internal/services/llmrequest"
	"TelemedTriage/internal/services/prescription"
	"TelemedTriage/internal/services/relay"
	"TelemedTriage/internal/storage"

	"golang.org/x/exp/slog"
)

var (
	ErrForbidden           = errors.New("conversation belongs to another user")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrNoAssistantMessage  = errors.New("conversation has no assistant message")
	ErrEmptyPrescription   = errors.New("prescription content is empty")
	ErrInvalidReviewStatus = errors.New("review status must be approved or rejected")
	ErrTurnInProgress      = errors.New("another turn is in progress for this conversation")
)

type Storage interface {
	GetAgent(ctx context.Context, id int64) (domain.AgentConfig, error)
	ListAgents(ctx context.Context) ([]domain.AgentConfig, error)
	GetUser(ctx context.Context, id int64) (domain.CallerProfile, error)

	GetConversation(ctx context.Context, uid string) (domain.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]domain.Conversation, error)
	SaveConversation(ctx context.Context, c *domain.Conversation) error
	UpdateConversation(ctx context.Context, c *domain.Conversation) error
	FinishWithPrescription(ctx context.Context, c *domain.Conversation, p *domain.Prescription) error

	GetPrescription(ctx context.Context, id int64) (domain.Prescription, error)
	ListPrescriptions(ctx context.Context, f domain.PrescriptionFilter) ([]domain.Prescription, error)
	ReviewPrescription(ctx context.Context, id int64, status domain.ReviewStatus, reviewerID int64, comment string) (domain.Prescription, error)
}

type Gateway interface {
	Ask(ctx context.Context, req domain.LlmRequest) (domain.LlmResponse, error)
	StreamAsk(ctx context.Context, req domain.LlmRequest) <-chan gateway.StreamEvent
}

type Config struct {
	// AskFallback is stored as the reply when a blocking turn fails upstream.
	AskFallback  string
	TurnWait     time.Duration
	SubTemplates []string
	OpenTag      string
	CloseTag     string
	Stream       relay.Config
}

// TurnRequest is one user message addressed to an agent. An empty
// ConversationUID starts a new conversation with AgentID.
type TurnRequest struct {
	UserID          int64
	ConversationUID string
	AgentID         int64
	Message         string
	Overrides       domain.Overrides
}

type Service struct {
	log       *slog.Logger
	store     Storage
	gw        Gateway
	builder   *llmrequest.Builder
	extractor *prescription.Extractor
	relay     *relay.Relay
	locks     *TurnLocks
	cfg       Config
	now       func() time.Time
}

func New(log *slog.Logger, store Storage, gw Gateway, cfg Config) *Service {
	return &Service{
		log:       log,
		store:     store,
		gw:        gw,
		builder:   llmrequest.New(cfg.SubTemplates),
		extractor: prescription.New(cfg.OpenTag, cfg.CloseTag),
		relay:     relay.New(log, gw, store, cfg.Stream),
		locks:     NewTurnLocks(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// CreateConversation runs the first turn synchronously and saves the result.
func (s *Service) CreateConversation(ctx context.Context, req TurnRequest) (domain.Conversation, error) {
	const op = "conversation.CreateConversation"

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, ErrEmptyMessage)
	}

	agent, caller, err := s.participants(ctx, req.AgentID, req.UserID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	conv := domain.NewConversation(req.UserID, agent.ID, s.now())
	answer := s.ask(ctx, s.builder.Build(agent, caller, message, nil, req.Overrides))

	conv.Append(domain.NewMessage(domain.RoleUser, message, s.now()))
	conv.Append(domain.NewMessage(domain.RoleAssistant, answer, s.now()))

	if err := s.store.SaveConversation(ctx, &conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("conversation created",
		slog.String("op", op),
		slog.String("conversation", conv.UID),
		slog.Int64("agent", agent.ID),
	)

	return conv, nil
}

// SendMessage runs one blocking turn and persists it once.
func (s *Service) SendMessage(ctx context.Context, req TurnRequest) (domain.Conversation, error) {
	const op = "conversation.SendMessage"

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, ErrEmptyMessage)
	}

	release, err := s.locks.Acquire(ctx, req.ConversationUID, s.cfg.TurnWait)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	defer release()

	conv, err := s.writable(ctx, req.UserID, req.ConversationUID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	agent, caller, err := s.participants(ctx, conv.AgentID, req.UserID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	answer := s.ask(ctx, s.builder.Build(agent, caller, message, conv.Messages, req.Overrides))

	conv.Append(domain.NewMessage(domain.RoleUser, message, s.now()))
	conv.Append(domain.NewMessage(domain.RoleAssistant, answer, s.now()))

	if err := s.store.UpdateConversation(ctx, &conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	return conv, nil
}

// StreamMessage starts a streaming turn. Events end with exactly one done or
// error and then the channel is closed; the caller must drain it.
// Cancelling ctx aborts the upstream stream.
func (s *Service) StreamMessage(ctx context.Context, req TurnRequest) (<-chan relay.Event, error) {
	const op = "conversation.StreamMessage"

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrEmptyMessage)
	}

	var (
		conv   domain.Conversation
		agent  domain.AgentConfig
		caller domain.CallerProfile
		err    error
	)

	if req.ConversationUID == "" {
		agent, caller, err = s.participants(ctx, req.AgentID, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		conv = domain.NewConversation(req.UserID, agent.ID, s.now())
	}

	key := req.ConversationUID
	if key == "" {
		key = conv.UID
	}

	release, err := s.locks.Acquire(ctx, key, s.cfg.TurnWait)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if req.ConversationUID != "" {
		conv, err = s.writable(ctx, req.UserID, req.ConversationUID)
		if err == nil {
			agent, caller, err = s.participants(ctx, conv.AgentID, req.UserID)
		}
		if err != nil {
			release()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	events, err := s.relay.Start(ctx, relay.Turn{
		Conversation: &conv,
		New:          req.ConversationUID == "",
		Message:      message,
		Request:      s.builder.Build(agent, caller, message, conv.Messages, req.Overrides),
		Release:      release,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return events, nil
}

// GeneratePrescription extracts a prescription from the latest assistant
// reply and finishes the conversation.
func (s *Service) GeneratePrescription(ctx context.Context, userID int64, uid string) (domain.Prescription, error) {
	const op = "conversation.GeneratePrescription"

	p, err := s.finish(ctx, op, userID, uid, func(conv *domain.Conversation) (string, error) {
		last, ok := conv.LastAssistant()
		if !ok {
			return "", ErrNoAssistantMessage
		}
		return last.Content, nil
	})
	if err != nil {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, err)
	}

	return p, nil
}

// ExtractAndSavePrescription is GeneratePrescription with caller-supplied text.
func (s *Service) ExtractAndSavePrescription(ctx context.Context, userID int64, uid, content string) (domain.Prescription, error) {
	const op = "conversation.ExtractAndSavePrescription"

	p, err := s.finish(ctx, op, userID, uid, func(*domain.Conversation) (string, error) {
		return content, nil
	})
	if err != nil {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, err)
	}

	return p, nil
}

// finish logs under the caller's op; the caller wraps the error.
func (s *Service) finish(
	ctx context.Context,
	op string,
	userID int64,
	uid string,
	source func(*domain.Conversation) (string, error),
) (domain.Prescription, error) {
	release, err := s.locks.Acquire(ctx, uid, s.cfg.TurnWait)
	if err != nil {
		return domain.Prescription{}, err
	}
	defer release()

	conv, err := s.writable(ctx, userID, uid)
	if err != nil {
		return domain.Prescription{}, err
	}

	text, err := source(&conv)
	if err != nil {
		return domain.Prescription{}, err
	}

	content := strings.TrimSpace(s.extractor.Extract(text))
	if content == "" {
		return domain.Prescription{}, ErrEmptyPrescription
	}

	agent, err := s.store.GetAgent(ctx, conv.AgentID)
	if err != nil {
		return domain.Prescription{}, err
	}

	p := domain.Prescription{
		UserID:       conv.UserID,
		AgentID:      agent.ID,
		DirectionID:  agent.DirectionID,
		Content:      content,
		ReviewStatus: domain.ReviewUnreviewed,
	}
	if err := s.store.FinishWithPrescription(ctx, &conv, &p); err != nil {
		return domain.Prescription{}, err
	}

	s.log.Info("prescription created",
		slog.String("op", op),
		slog.String("conversation", conv.UID),
		slog.Int64("prescription", p.ID),
	)

	return p, nil
}

func (s *Service) GetConversation(ctx context.Context, userID int64, uid string) (domain.Conversation, error) {
	const op = "conversation.GetConversation"

	conv, err := s.owned(ctx, userID, uid)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, userID int64) ([]domain.ConversationSummary, error) {
	const op = "conversation.ListConversations"

	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := make([]domain.ConversationSummary, 0, len(convs))
	for i := range convs {
		out = append(out, convs[i].Summary())
	}
	return out, nil
}

func (s *Service) ListAgents(ctx context.Context) ([]domain.AgentSummary, error) {
	const op = "conversation.ListAgents"

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := make([]domain.AgentSummary, 0, len(agents))
	for i := range agents {
		out = append(out, agents[i].Summary())
	}
	return out, nil
}

// ChatSettings describes what a client may tune when chatting with an agent.
func (s *Service) ChatSettings(ctx context.Context, agentID int64) (domain.ChatSettings, error) {
	const op = "conversation.ChatSettings"

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return domain.ChatSettings{}, fmt.Errorf("%s: %w", op, err)
	}

	params := append([]domain.TemplateParam(nil), agent.Template.Params...)
	if params == nil {
		params = []domain.TemplateParam{}
	}

	return domain.ChatSettings{
		AgentID:             agent.ID,
		AgentName:           agent.Name,
		TemplateID:          agent.TemplateID,
		TemplateDescription: agent.TemplateDescription,
		Params:              params,
		VectorEnabled:       len(agent.VectorNamespaces) > 0,
		PreciseEnabled:      len(agent.PreciseCategories) > 0,
		Defaults:            llmrequest.Defaults,
	}, nil
}

// GetPrescription returns a prescription issued to userID.
func (s *Service) GetPrescription(ctx context.Context, userID, id int64) (domain.Prescription, error) {
	const op = "conversation.GetPrescription"

	p, err := s.store.GetPrescription(ctx, id)
	if err != nil {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, err)
	}
	if p.UserID != userID {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	return p, nil
}

func (s *Service) ListPrescriptions(ctx context.Context, f domain.PrescriptionFilter) ([]domain.Prescription, error) {
	const op = "conversation.ListPrescriptions"

	ps, err := s.store.ListPrescriptions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ps, nil
}

func (s *Service) ReviewPrescription(
	ctx context.Context,
	reviewerID, id int64,
	status domain.ReviewStatus,
	comment string,
) (domain.Prescription, error) {
	const op = "conversation.ReviewPrescription"

	if status != domain.ReviewApproved && status != domain.ReviewRejected {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, ErrInvalidReviewStatus)
	}

	p, err := s.store.ReviewPrescription(ctx, id, status, reviewerID, strings.TrimSpace(comment))
	if err != nil {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("prescription reviewed",
		slog.String("op", op),
		slog.Int64("prescription", id),
		slog.String("status", status.String()),
	)

	return p, nil
}

// ask returns the gateway answer, or the fallback text on any failure.
func (s *Service) ask(ctx context.Context, req domain.LlmRequest) string {
	resp, err := s.gw.Ask(ctx, req)
	if err != nil {
		s.log.Warn("gateway ask failed, using fallback", sl.Err(err))
		return s.cfg.AskFallback
	}
	if strings.TrimSpace(resp.Answer) == "" {
		return s.cfg.AskFallback
	}
	return resp.Answer
}

// participants loads the agent and the caller profile. A caller without a
// profile gets unknown demographics.
func (s *Service) participants(ctx context.Context, agentID, userID int64) (domain.AgentConfig, domain.CallerProfile, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return domain.AgentConfig{}, domain.CallerProfile{}, err
	}

	caller, err := s.store.GetUser(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		s.log.Debug("caller has no profile", slog.Int64("user", userID))
		caller = domain.CallerProfile{UserID: userID}
	case err != nil:
		return domain.AgentConfig{}, domain.CallerProfile{}, err
	}

	return agent, caller, nil
}

func (s *Service) owned(ctx context.Context, userID int64, uid string) (domain.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, uid)
	if err != nil {
		return domain.Conversation{}, err
	}
	if conv.UserID != userID {
		return domain.Conversation{}, ErrForbidden
	}
	return conv, nil
}

func (s *Service) writable(ctx context.Context, userID int64, uid string) (domain.Conversation, error) {
	conv, err := s.owned(ctx, userID, uid)
	if err != nil {
		return domain.Conversation{}, err
	}
	if conv.Finished {
		return domain.Conversation{}, storage.ErrConversationFinished
	}
	return conv, nil
}
