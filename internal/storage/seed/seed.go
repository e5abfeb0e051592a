// Package seed reads the YAML fixture of users and agents that bootstraps
// a database or the in-memory store.
package seed

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"TelemedTriage/internal/domain"

	"gopkg.in/yaml.v3"
)

var ErrInvalidSeed = errors.New("invalid seed")

type File struct {
	Users  []User  `yaml:"users"`
	Agents []Agent `yaml:"agents"`
}

type User struct {
	ID       int64  `yaml:"id"`
	RealName string `yaml:"real_name"`
	Age      *int   `yaml:"age"`
	Gender   string `yaml:"gender"`
}

// Agent keeps TemplateParams raw, the way the agents table stores it.
type Agent struct {
	ID                  int64    `yaml:"id"`
	Name                string   `yaml:"name"`
	Description         string   `yaml:"description"`
	DirectionID         int64    `yaml:"direction_id"`
	ModelName           string   `yaml:"model_name"`
	APIKey              string   `yaml:"api_key"`
	BaseURL             string   `yaml:"base_url"`
	TemplateID          string   `yaml:"template_id"`
	TemplateDescription string   `yaml:"template_description"`
	TemplateParams      string   `yaml:"template_params"`
	VectorNamespaces    []string `yaml:"vector_namespaces"`
	PreciseCategories   []string `yaml:"precise_categories"`
}

// Target receives seeded rows; the memory store is one.
type Target interface {
	PutAgent(a domain.AgentConfig)
	PutUser(u domain.CallerProfile)
}

func Load(path string) (File, error) {
	const op = "seed.Load"

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", op, err)
	}

	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", op, err)
	}
	return f, nil
}

// Parse decodes and validates a seed document.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	seen := make(map[int64]bool, len(f.Users))
	for _, u := range f.Users {
		if u.ID <= 0 || seen[u.ID] {
			return File{}, fmt.Errorf("%w: user id %d", ErrInvalidSeed, u.ID)
		}
		seen[u.ID] = true
		if _, err := u.Profile(); err != nil {
			return File{}, err
		}
	}

	clear(seen)
	for _, a := range f.Agents {
		if a.ID <= 0 || seen[a.ID] {
			return File{}, fmt.Errorf("%w: agent id %d", ErrInvalidSeed, a.ID)
		}
		seen[a.ID] = true
		if _, err := a.Config(); err != nil {
			return File{}, err
		}
	}

	return f, nil
}

func (u User) Profile() (domain.CallerProfile, error) {
	p := domain.CallerProfile{UserID: u.ID, RealName: u.RealName, Age: u.Age}

	switch strings.ToLower(strings.TrimSpace(u.Gender)) {
	case "", "unknown":
		p.Gender = domain.GenderUnknown
	case "female", "f":
		p.Gender = domain.GenderFemale
	case "male", "m":
		p.Gender = domain.GenderMale
	default:
		return domain.CallerProfile{}, fmt.Errorf("%w: user %d gender %q", ErrInvalidSeed, u.ID, u.Gender)
	}
	return p, nil
}

func (a Agent) Config() (domain.AgentConfig, error) {
	if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.ModelName) == "" {
		return domain.AgentConfig{}, fmt.Errorf("%w: agent %d needs name and model_name", ErrInvalidSeed, a.ID)
	}

	spec, err := domain.ParseTemplateParams(a.TemplateParams)
	if err != nil {
		return domain.AgentConfig{}, fmt.Errorf("%w: agent %d: %v", ErrInvalidSeed, a.ID, err)
	}

	return domain.AgentConfig{
		ID:                  a.ID,
		Name:                a.Name,
		Description:         a.Description,
		DirectionID:         a.DirectionID,
		Model:               domain.ModelSettings{ModelName: a.ModelName, APIKey: a.APIKey, BaseURL: a.BaseURL},
		TemplateID:          a.TemplateID,
		TemplateDescription: a.TemplateDescription,
		Template:            spec,
		VectorNamespaces:    append([]string(nil), a.VectorNamespaces...),
		PreciseCategories:   append([]string(nil), a.PreciseCategories...),
	}, nil
}

// Apply puts every user and agent into t. f must come from Parse or Load.
func (f File) Apply(t Target) error {
	for _, u := range f.Users {
		p, err := u.Profile()
		if err != nil {
			return err
		}
		t.PutUser(p)
	}
	for _, a := range f.Agents {
		cfg, err := a.Config()
		if err != nil {
			return err
		}
		t.PutAgent(cfg)
	}
	return nil
}
