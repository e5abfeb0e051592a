package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/storage"
)

// Storage keeps everything in process memory. It follows the same contract
// as the postgres driver and backs tests and the local environment.
type Storage struct {
	mu sync.RWMutex

	conversations map[string]domain.Conversation
	agents        map[int64]domain.AgentConfig
	users         map[int64]domain.CallerProfile
	prescriptions map[int64]domain.Prescription

	nextConversationID int64
	nextPrescriptionID int64

	now func() time.Time
}

func New() *Storage {
	return &Storage{
		conversations: make(map[string]domain.Conversation),
		agents:        make(map[int64]domain.AgentConfig),
		users:         make(map[int64]domain.CallerProfile),
		prescriptions: make(map[int64]domain.Prescription),
		now:           time.Now,
	}
}

func (s *Storage) PutAgent(a domain.AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

func (s *Storage) PutUser(u domain.CallerProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = u
}

func (s *Storage) GetAgent(_ context.Context, id int64) (domain.AgentConfig, error) {
	const op = "storage.memory.GetAgent"

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return domain.AgentConfig{}, fmt.Errorf("%s: %w", op, storage.ErrAgentNotFound)
	}
	return a, nil
}

func (s *Storage) ListAgents(_ context.Context) ([]domain.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AgentConfig, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Storage) GetUser(_ context.Context, id int64) (domain.CallerProfile, error) {
	const op = "storage.memory.GetUser"

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return domain.CallerProfile{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return u, nil
}

func (s *Storage) GetConversation(_ context.Context, uid string) (domain.Conversation, error) {
	const op = "storage.memory.GetConversation"

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[uid]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, storage.ErrConversationNotFound)
	}
	return c.Clone(), nil
}

func (s *Storage) ListConversations(_ context.Context, userID int64) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// SaveConversation inserts a new conversation and fills ID and Version.
func (s *Storage) SaveConversation(_ context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextConversationID++
	c.ID = s.nextConversationID
	c.Version = 1
	c.UpdatedAt = s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}

	s.conversations[c.UID] = c.Clone()
	return nil
}

// UpdateConversation replaces the stored snapshot if c.Version is current.
func (s *Storage) UpdateConversation(_ context.Context, c *domain.Conversation) error {
	const op = "storage.memory.UpdateConversation"

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.conversations[c.UID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrConversationNotFound)
	}
	if cur.Finished {
		return fmt.Errorf("%s: %w", op, storage.ErrConversationFinished)
	}
	if cur.Version != c.Version {
		return fmt.Errorf("%s: %w", op, storage.ErrVersionConflict)
	}

	c.Version++
	c.UpdatedAt = s.now().UTC()

	next := c.Clone()
	next.ID = cur.ID
	next.Finished = false
	next.PrescriptionID = nil
	s.conversations[c.UID] = next
	return nil
}

// FinishWithPrescription stores p and marks c finished in one step.
func (s *Storage) FinishWithPrescription(_ context.Context, c *domain.Conversation, p *domain.Prescription) error {
	const op = "storage.memory.FinishWithPrescription"

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.conversations[c.UID]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrConversationNotFound)
	}
	if cur.Finished {
		return fmt.Errorf("%s: %w", op, storage.ErrConversationFinished)
	}
	if cur.Version != c.Version {
		return fmt.Errorf("%s: %w", op, storage.ErrVersionConflict)
	}

	now := s.now().UTC()

	s.nextPrescriptionID++
	p.ID = s.nextPrescriptionID
	p.ConversationID = cur.ID
	p.CreatedAt = now
	p.UpdatedAt = now
	s.prescriptions[p.ID] = *p

	id := p.ID
	cur.Finished = true
	cur.PrescriptionID = &id
	cur.Version++
	cur.UpdatedAt = now
	s.conversations[c.UID] = cur

	*c = cur.Clone()
	return nil
}

func (s *Storage) GetPrescription(_ context.Context, id int64) (domain.Prescription, error) {
	const op = "storage.memory.GetPrescription"

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prescriptions[id]
	if !ok {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, storage.ErrPrescriptionNotFound)
	}
	return p, nil
}

func (s *Storage) ListPrescriptions(_ context.Context, f domain.PrescriptionFilter) ([]domain.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Prescription, 0)
	for _, p := range s.prescriptions {
		if f.Match(&p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// ReviewPrescription applies the single unreviewed -> approved|rejected transition.
func (s *Storage) ReviewPrescription(
	_ context.Context,
	id int64,
	status domain.ReviewStatus,
	reviewerID int64,
	comment string,
) (domain.Prescription, error) {
	const op = "storage.memory.ReviewPrescription"

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prescriptions[id]
	if !ok {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, storage.ErrPrescriptionNotFound)
	}
	if p.ReviewStatus != domain.ReviewUnreviewed {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, storage.ErrAlreadyReviewed)
	}

	p.ReviewStatus = status
	p.ReviewerID = &reviewerID
	p.ReviewComment = comment
	p.UpdatedAt = s.now().UTC()
	s.prescriptions[id] = p

	return p, nil
}
