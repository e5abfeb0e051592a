package llmrequest

import (
	"strconv"

	"TelemedTriage/internal/domain"
)

const (
	ParamAge      = "patient_age"
	ParamGender   = "patient_gender"
	ParamSymptoms = "symptoms"

	unknownValue = "unknown"
)

// Defaults for the retrieval knobs when a call does not override them.
var Defaults = domain.AdvancedDefaults{
	VectorResults:       3,
	VectorHistoryCount:  3,
	PreciseResults:      3,
	SearchDepth:         2,
	PreciseHistoryCount: 3,
}

// Builder turns agent configuration, caller and history into a gateway request.
// It performs no I/O and has no failure mode.
type Builder struct {
	defaultSubTemplates []string
}

// New returns a Builder. subTemplates are sent for agents that declare none.
// The gateway is free to ignore sub-template selection and use every
// sub-template of the named template.
func New(subTemplates []string) *Builder {
	return &Builder{defaultSubTemplates: append([]string(nil), subTemplates...)}
}

func (b *Builder) Build(
	agent domain.AgentConfig,
	caller domain.CallerProfile,
	message string,
	history []domain.Message,
	ov domain.Overrides,
) domain.LlmRequest {
	req := domain.LlmRequest{
		Message:       message,
		ModelSettings: agent.Model,
		TemplateConfig: domain.TemplateConfig{
			TemplateID:     agent.TemplateID,
			SubTemplateIDs: b.subTemplates(agent),
			Params:         params(agent, caller, message, ov),
		},
		History: make([]domain.HistoryEntry, 0, len(history)),
	}

	if len(agent.VectorNamespaces) > 0 {
		req.VectorSearch = &domain.VectorSearchConfig{
			Namespaces:      append([]string(nil), agent.VectorNamespaces...),
			NResults:        pick(ov.VectorResults, Defaults.VectorResults),
			RagHistoryCount: pick(ov.VectorHistoryCount, Defaults.VectorHistoryCount),
		}
	}

	if len(agent.PreciseCategories) > 0 {
		req.PreciseSearch = &domain.PreciseSearchConfig{
			Categories:      append([]string(nil), agent.PreciseCategories...),
			MaxResults:      pick(ov.PreciseResults, Defaults.PreciseResults),
			SearchDepth:     pick(ov.SearchDepth, Defaults.SearchDepth),
			RagHistoryCount: pick(ov.PreciseHistoryCount, Defaults.PreciseHistoryCount),
		}
	}

	for _, m := range history {
		req.History = append(req.History, domain.HistoryEntry{Role: m.Role, Content: m.Content})
	}

	return req
}

func (b *Builder) subTemplates(agent domain.AgentConfig) []string {
	ids := agent.Template.SubTemplateIDs
	if len(ids) == 0 {
		ids = b.defaultSubTemplates
	}
	return append(make([]string, 0, len(ids)), ids...)
}

// params layers agent defaults, then caller-derived values, then overrides.
func params(agent domain.AgentConfig, caller domain.CallerProfile, message string, ov domain.Overrides) map[string]string {
	out := agent.Template.Defaults()

	out[ParamAge] = unknownValue
	if caller.Age != nil {
		out[ParamAge] = strconv.Itoa(*caller.Age)
	}
	out[ParamGender] = caller.Gender.String()
	out[ParamSymptoms] = message

	for k, v := range ov.TemplateParams {
		out[k] = v
	}

	return out
}

func pick(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}
