package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"TelemedTriage/internal/domain"
	"TelemedTriage/internal/storage"
	"TelemedTriage/internal/storage/seed"
)

type Storage struct {
	db  *sql.DB
	log *slog.Logger
}

func New(databaseURL string, log *slog.Logger) (*Storage, error) {
	const op = "storage.postgres.New"

	log.Info("opening postgres connection")

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping failed: %w", op, err)
	}

	return &Storage{
		db:  db,
		log: log,
	}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// --- agents and users ---

const agentColumns = `id, name, description, direction_id, model_name, api_key, base_url,
	template_id, template_description, template_params, vector_namespaces, precise_categories`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (domain.AgentConfig, error) {
	var (
		a          domain.AgentConfig
		rawParams  string
		namespaces []byte
		categories []byte
	)

	err := row.Scan(
		&a.ID, &a.Name, &a.Description, &a.DirectionID,
		&a.Model.ModelName, &a.Model.APIKey, &a.Model.BaseURL,
		&a.TemplateID, &a.TemplateDescription, &rawParams,
		&namespaces, &categories,
	)
	if err != nil {
		return domain.AgentConfig{}, err
	}

	if a.Template, err = domain.ParseTemplateParams(rawParams); err != nil {
		return domain.AgentConfig{}, fmt.Errorf("agent %d: %w", a.ID, err)
	}
	if err := json.Unmarshal(namespaces, &a.VectorNamespaces); err != nil {
		return domain.AgentConfig{}, fmt.Errorf("agent %d vector_namespaces: %w", a.ID, err)
	}
	if err := json.Unmarshal(categories, &a.PreciseCategories); err != nil {
		return domain.AgentConfig{}, fmt.Errorf("agent %d precise_categories: %w", a.ID, err)
	}

	return a, nil
}

func (s *Storage) GetAgent(ctx context.Context, id int64) (domain.AgentConfig, error) {
	const op = "storage.postgres.GetAgent"

	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE id = $1 AND is_active = TRUE
	`, id)

	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentConfig{}, fmt.Errorf("%s: %w", op, storage.ErrAgentNotFound)
		}
		return domain.AgentConfig{}, fmt.Errorf("%s: %w", op, err)
	}

	return a, nil
}

func (s *Storage) ListAgents(ctx context.Context) ([]domain.AgentConfig, error) {
	const op = "storage.postgres.ListAgents"

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE is_active = TRUE
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.AgentConfig, 0, 8)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (s *Storage) GetUser(ctx context.Context, id int64) (domain.CallerProfile, error) {
	const op = "storage.postgres.GetUser"

	var (
		u      domain.CallerProfile
		age    sql.NullInt32
		gender int16
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, real_name, age, gender
		FROM users
		WHERE id = $1
	`, id).Scan(&u.UserID, &u.RealName, &age, &gender)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CallerProfile{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return domain.CallerProfile{}, fmt.Errorf("%s: %w", op, err)
	}

	if age.Valid {
		v := int(age.Int32)
		u.Age = &v
	}
	u.Gender = domain.Gender(gender)

	return u, nil
}

// --- conversations ---

const conversationColumns = `id, uid, user_id, agent_id, messages, is_finished, prescription_id, version, created_at, updated_at`

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var (
		c              domain.Conversation
		raw            []byte
		prescriptionID sql.NullInt64
	)

	err := row.Scan(
		&c.ID, &c.UID, &c.UserID, &c.AgentID, &raw, &c.Finished,
		&prescriptionID, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Conversation{}, err
	}

	if c.Messages, err = domain.DecodeMessages(raw); err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", c.UID, err)
	}
	if prescriptionID.Valid {
		id := prescriptionID.Int64
		c.PrescriptionID = &id
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()

	return c, nil
}

func (s *Storage) GetConversation(ctx context.Context, uid string) (domain.Conversation, error) {
	const op = "storage.postgres.GetConversation"

	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE uid = $1
	`, uid)

	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Conversation{}, fmt.Errorf("%s: %w", op, storage.ErrConversationNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	return c, nil
}

func (s *Storage) ListConversations(ctx context.Context, userID int64) ([]domain.Conversation, error) {
	const op = "storage.postgres.ListConversations"

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (s *Storage) SaveConversation(ctx context.Context, c *domain.Conversation) error {
	const op = "storage.postgres.SaveConversation"

	raw, err := domain.EncodeMessages(c.Messages)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (uid, user_id, agent_id, messages)
		VALUES ($1, $2, $3, $4)
		RETURNING id, version, created_at, updated_at
	`, c.UID, c.UserID, c.AgentID, string(raw)).Scan(&c.ID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// UpdateConversation writes the whole message list if the stored version
// still matches c.Version and the conversation is not finished.
func (s *Storage) UpdateConversation(ctx context.Context, c *domain.Conversation) error {
	const op = "storage.postgres.UpdateConversation"

	raw, err := domain.EncodeMessages(c.Messages)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE conversations
		SET messages = $1, version = version + 1, updated_at = NOW()
		WHERE uid = $2 AND version = $3 AND is_finished = FALSE
		RETURNING version, updated_at
	`, string(raw), c.UID, c.Version).Scan(&c.Version, &c.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s: %w", op, s.whyNotUpdated(ctx, c.UID))
}

func (s *Storage) whyNotUpdated(ctx context.Context, uid string) error {
	var finished bool
	err := s.db.QueryRowContext(ctx, `SELECT is_finished FROM conversations WHERE uid = $1`, uid).Scan(&finished)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return storage.ErrConversationNotFound
	case err != nil:
		return err
	case finished:
		return storage.ErrConversationFinished
	}
	return storage.ErrVersionConflict
}

// FinishWithPrescription inserts p and marks the conversation finished in one transaction.
func (s *Storage) FinishWithPrescription(ctx context.Context, c *domain.Conversation, p *domain.Prescription) error {
	const op = "storage.postgres.FinishWithPrescription"

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		convID   int64
		version  int64
		finished bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, version, is_finished
		FROM conversations
		WHERE uid = $1
		FOR UPDATE
	`, c.UID).Scan(&convID, &version, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", op, storage.ErrConversationNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if finished {
		return fmt.Errorf("%s: %w", op, storage.ErrConversationFinished)
	}
	if version != c.Version {
		return fmt.Errorf("%s: %w", op, storage.ErrVersionConflict)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO prescriptions (conversation_id, user_id, agent_id, direction_id, content, review_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, convID, p.UserID, p.AgentID, p.DirectionID, p.Content, int16(domain.ReviewUnreviewed)).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: insert prescription: %w", op, err)
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE conversations
		SET is_finished = TRUE, prescription_id = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2
		RETURNING version, updated_at
	`, p.ID, convID).Scan(&c.Version, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: finish conversation: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	id := p.ID
	c.Finished = true
	c.PrescriptionID = &id
	p.ConversationID = convID
	p.ReviewStatus = domain.ReviewUnreviewed

	return nil
}

// --- prescriptions ---

const prescriptionColumns = `id, conversation_id, user_id, agent_id, direction_id, content,
	review_status, reviewer_id, review_comment, created_at, updated_at`

func scanPrescription(row rowScanner) (domain.Prescription, error) {
	var (
		p        domain.Prescription
		status   int16
		reviewer sql.NullInt64
	)

	err := row.Scan(
		&p.ID, &p.ConversationID, &p.UserID, &p.AgentID, &p.DirectionID, &p.Content,
		&status, &reviewer, &p.ReviewComment, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Prescription{}, err
	}

	p.ReviewStatus = domain.ReviewStatus(status)
	if reviewer.Valid {
		id := reviewer.Int64
		p.ReviewerID = &id
	}

	return p, nil
}

func (s *Storage) GetPrescription(ctx context.Context, id int64) (domain.Prescription, error) {
	const op = "storage.postgres.GetPrescription"

	p, err := scanPrescription(s.db.QueryRowContext(ctx, `
		SELECT `+prescriptionColumns+`
		FROM prescriptions
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Prescription{}, fmt.Errorf("%s: %w", op, storage.ErrPrescriptionNotFound)
		}
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, err)
	}

	return p, nil
}

func (s *Storage) ListPrescriptions(ctx context.Context, f domain.PrescriptionFilter) ([]domain.Prescription, error) {
	const op = "storage.postgres.ListPrescriptions"

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.UserID != nil {
		add("user_id = ?", *f.UserID)
	}
	if f.DirectionID != nil {
		add("direction_id = ?", *f.DirectionID)
	}
	if f.Status != nil {
		add("review_status = ?", int16(*f.Status))
	}

	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.Prescription, 0, 16)
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (s *Storage) ReviewPrescription(
	ctx context.Context,
	id int64,
	status domain.ReviewStatus,
	reviewerID int64,
	comment string,
) (domain.Prescription, error) {
	const op = "storage.postgres.ReviewPrescription"

	p, err := scanPrescription(s.db.QueryRowContext(ctx, `
		UPDATE prescriptions
		SET review_status = $1, reviewer_id = $2, review_comment = $3, updated_at = NOW()
		WHERE id = $4 AND review_status = $5
		RETURNING `+prescriptionColumns,
		int16(status), reviewerID, comment, id, int16(domain.ReviewUnreviewed)))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, err)
	}

	if _, err := s.GetPrescription(ctx, id); err != nil {
		return domain.Prescription{}, fmt.Errorf("%s: %w", op, err)
	}
	return domain.Prescription{}, fmt.Errorf("%s: %w", op, storage.ErrAlreadyReviewed)
}

// --- seeding ---

// Seed upserts the users and agents of f in one transaction and moves the
// id sequences past the seeded ids.
func (s *Storage) Seed(ctx context.Context, f seed.File) error {
	const op = "storage.postgres.Seed"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range f.Users {
		p, err := u.Profile()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		var age sql.NullInt32
		if p.Age != nil {
			age = sql.NullInt32{Int32: int32(*p.Age), Valid: true}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, real_name, age, gender)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET real_name = EXCLUDED.real_name, age = EXCLUDED.age, gender = EXCLUDED.gender
		`, p.UserID, p.RealName, age, int16(p.Gender)); err != nil {
			return fmt.Errorf("%s: user %d: %w", op, p.UserID, err)
		}
	}

	for _, a := range f.Agents {
		if _, err := a.Config(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		namespaces, err := json.Marshal(nonNil(a.VectorNamespaces))
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		categories, err := json.Marshal(nonNil(a.PreciseCategories))
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, description, direction_id, model_name, api_key, base_url,
				template_id, template_description, template_params, vector_namespaces, precise_categories)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, description = EXCLUDED.description,
				direction_id = EXCLUDED.direction_id, model_name = EXCLUDED.model_name,
				api_key = EXCLUDED.api_key, base_url = EXCLUDED.base_url,
				template_id = EXCLUDED.template_id, template_description = EXCLUDED.template_description,
				template_params = EXCLUDED.template_params, vector_namespaces = EXCLUDED.vector_namespaces,
				precise_categories = EXCLUDED.precise_categories, is_active = TRUE, updated_at = NOW()
		`, a.ID, a.Name, a.Description, a.DirectionID, a.ModelName, a.APIKey, a.BaseURL,
			a.TemplateID, a.TemplateDescription, a.TemplateParams,
			string(namespaces), string(categories)); err != nil {
			return fmt.Errorf("%s: agent %d: %w", op, a.ID, err)
		}
	}

	for _, table := range []string{"users", "agents"} {
		if _, err := tx.ExecContext(ctx, `
			SELECT setval(pg_get_serial_sequence('`+table+`', 'id'), GREATEST((SELECT MAX(id) FROM `+table+`), 1))
		`); err != nil {
			return fmt.Errorf("%s: %s sequence: %w", op, table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("seed applied", slog.Int("users", len(f.Users)), slog.Int("agents", len(f.Agents)))
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
