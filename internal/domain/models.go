package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMessage(role Role, content string, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Role:      role,
		Timestamp: at.UTC(),
	}
}

// Conversation owns its message list. Once Finished is set, Messages and
// PrescriptionID never change again.
type Conversation struct {
	ID             int64     `json:"id"`
	UID            string    `json:"uid"`
	UserID         int64     `json:"user_id"`
	AgentID        int64     `json:"agent_id"`
	Messages       []Message `json:"messages"`
	Finished       bool      `json:"finished"`
	PrescriptionID *int64    `json:"prescription_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Version is bumped by the store on every successful update.
	Version int64 `json:"-"`
}

func NewConversation(userID, agentID int64, at time.Time) Conversation {
	return Conversation{
		UID:       uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Messages:  make([]Message, 0, 2),
		CreatedAt: at.UTC(),
		UpdatedAt: at.UTC(),
	}
}

// Append adds m and returns its index.
func (c *Conversation) Append(m Message) int {
	c.Messages = append(c.Messages, m)
	return len(c.Messages) - 1
}

func (c *Conversation) LastAssistant() (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// Clone returns a copy that shares no message storage with c.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	if c.PrescriptionID != nil {
		id := *c.PrescriptionID
		out.PrescriptionID = &id
	}
	return out
}

// Title is derived from the first user message: its first sentence, at most 80 bytes.
func (c *Conversation) Title() string {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return titleFromMessage(m.Content)
		}
	}
	return "New conversation"
}

func titleFromMessage(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "New conversation"
	}

	cut := len(s)
	for _, sep := range []string{".", "!", "?", "\n"} {
		if i := strings.Index(s, sep); i >= 0 && i < cut {
			cut = i
		}
	}
	title := strings.TrimSpace(s[:cut])
	if title == "" {
		title = s
	}
	if len(title) > 80 {
		title = strings.ToValidUTF8(title[:80], "")
	}
	return title
}

type ConversationSummary struct {
	UID            string    `json:"uid"`
	AgentID        int64     `json:"agent_id"`
	Title          string    `json:"title"`
	MessageCount   int       `json:"message_count"`
	Finished       bool      `json:"finished"`
	PrescriptionID *int64    `json:"prescription_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		UID:            c.UID,
		AgentID:        c.AgentID,
		Title:          c.Title(),
		MessageCount:   len(c.Messages),
		Finished:       c.Finished,
		PrescriptionID: c.PrescriptionID,
		UpdatedAt:      c.UpdatedAt,
	}
}

type Gender int8

const (
	GenderUnknown Gender = iota
	GenderFemale
	GenderMale
)

func (g Gender) String() string {
	switch g {
	case GenderFemale:
		return "female"
	case GenderMale:
		return "male"
	default:
		return "unknown"
	}
}

// CallerProfile is what the request builder knows about the patient.
type CallerProfile struct {
	UserID   int64  `json:"user_id"`
	RealName string `json:"real_name"`
	Age      *int   `json:"age,omitempty"`
	Gender   Gender `json:"gender"`
}

type ModelSettings struct {
	ModelName string `json:"model_name"`
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url"`
}

// AgentConfig is read-only configuration of one agent.
type AgentConfig struct {
	ID                  int64
	Name                string
	Description         string
	DirectionID         int64
	Model               ModelSettings
	TemplateID          string
	TemplateDescription string
	Template            TemplateSpec
	VectorNamespaces    []string
	PreciseCategories   []string
}

type AgentSummary struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	DirectionID int64  `json:"direction_id"`
	ModelName   string `json:"model_name"`
}

func (a *AgentConfig) Summary() AgentSummary {
	return AgentSummary{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		DirectionID: a.DirectionID,
		ModelName:   a.Model.ModelName,
	}
}

// Overrides are per-call knobs. Nil fields keep the defaults.
type Overrides struct {
	VectorResults       *int              `json:"vector_results,omitempty"`
	VectorHistoryCount  *int              `json:"vector_history_count,omitempty"`
	PreciseResults      *int              `json:"precise_results,omitempty"`
	SearchDepth         *int              `json:"search_depth,omitempty"`
	PreciseHistoryCount *int              `json:"precise_history_count,omitempty"`
	TemplateParams      map[string]string `json:"template_params,omitempty"`
}

// LlmRequest is the gateway wire envelope.
type LlmRequest struct {
	Message        string               `json:"message"`
	ModelSettings  ModelSettings        `json:"model_settings"`
	TemplateConfig TemplateConfig       `json:"template_config"`
	VectorSearch   *VectorSearchConfig  `json:"vector_search_config,omitempty"`
	PreciseSearch  *PreciseSearchConfig `json:"precise_search_config,omitempty"`
	History        []HistoryEntry       `json:"history"`
}

type TemplateConfig struct {
	TemplateID     string            `json:"template_id"`
	SubTemplateIDs []string          `json:"sub_template_ids"`
	Params         map[string]string `json:"params"`
}

type VectorSearchConfig struct {
	Namespaces      []string `json:"namespaces"`
	NResults        int      `json:"n_results"`
	RagHistoryCount int      `json:"rag_history_count"`
}

type PreciseSearchConfig struct {
	Categories      []string `json:"categories"`
	MaxResults      int      `json:"max_results"`
	SearchDepth     int      `json:"search_depth"`
	RagHistoryCount int      `json:"rag_history_count"`
}

type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type LlmResponse struct {
	Answer         string          `json:"answer"`
	VectorContent  json.RawMessage `json:"vector_content,omitempty"`
	PreciseContent json.RawMessage `json:"precise_content,omitempty"`
}

type ReviewStatus int8

const (
	ReviewUnreviewed ReviewStatus = iota
	ReviewApproved
	ReviewRejected
)

func (s ReviewStatus) String() string {
	switch s {
	case ReviewUnreviewed:
		return "unreviewed"
	case ReviewApproved:
		return "approved"
	case ReviewRejected:
		return "rejected"
	default:
		return "invalid"
	}
}

type Prescription struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"conversation_id"`
	UserID         int64        `json:"user_id"`
	AgentID        int64        `json:"agent_id"`
	DirectionID    int64        `json:"direction_id"`
	Content        string       `json:"content"`
	ReviewStatus   ReviewStatus `json:"review_status"`
	ReviewerID     *int64       `json:"reviewer_id,omitempty"`
	ReviewComment  string       `json:"review_comment,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type PrescriptionFilter struct {
	UserID      *int64
	DirectionID *int64
	Status      *ReviewStatus
}

func (f PrescriptionFilter) Match(p *Prescription) bool {
	if f.UserID != nil && p.UserID != *f.UserID {
		return false
	}
	if f.DirectionID != nil && p.DirectionID != *f.DirectionID {
		return false
	}
	if f.Status != nil && p.ReviewStatus != *f.Status {
		return false
	}
	return true
}

// AdvancedDefaults are the knob values a client starts from.
type AdvancedDefaults struct {
	VectorResults       int `json:"vector_results"`
	VectorHistoryCount  int `json:"vector_history_count"`
	PreciseResults      int `json:"precise_results"`
	SearchDepth         int `json:"search_depth"`
	PreciseHistoryCount int `json:"precise_history_count"`
}

type ChatSettings struct {
	AgentID             int64            `json:"agent_id"`
	AgentName           string           `json:"agent_name"`
	TemplateID          string           `json:"template_id"`
	TemplateDescription string           `json:"template_description"`
	Params              []TemplateParam  `json:"params"`
	VectorEnabled       bool             `json:"vector_enabled"`
	PreciseEnabled      bool             `json:"precise_enabled"`
	Defaults            AdvancedDefaults `json:"defaults"`
}
