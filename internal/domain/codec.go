package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidMessages = errors.New("invalid message list")

// messageRecord is the stored form of a Message. Older rows carry a numeric
// "type" (0 user, 1 assistant) and a zone-less timestamp instead of "role".
type messageRecord struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Role      Role   `json:"role,omitempty"`
	Type      *int   `json:"type,omitempty"`
	Timestamp string `json:"timestamp"`
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// EncodeMessages serializes the message list as an ordered JSON array.
func EncodeMessages(msgs []Message) ([]byte, error) {
	records := make([]messageRecord, 0, len(msgs))
	for _, m := range msgs {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("%w: message %s has role %q", ErrInvalidMessages, m.ID, m.Role)
		}
		records = append(records, messageRecord{
			ID:        m.ID,
			Content:   m.Content,
			Role:      m.Role,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return json.Marshal(records)
}

func DecodeMessages(data []byte) ([]Message, error) {
	if s := strings.TrimSpace(string(data)); s == "" || s == "null" {
		return []Message{}, nil
	}

	var records []messageRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessages, err)
	}

	msgs := make([]Message, 0, len(records))
	for i, rec := range records {
		role := rec.Role
		if role == "" && rec.Type != nil {
			switch *rec.Type {
			case 0:
				role = RoleUser
			case 1:
				role = RoleAssistant
			}
		}
		if !role.Valid() {
			return nil, fmt.Errorf("%w: element %d has no valid role", ErrInvalidMessages, i)
		}

		ts, err := parseTimestamp(rec.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidMessages, i, err)
		}

		msgs = append(msgs, Message{
			ID:        rec.ID,
			Content:   rec.Content,
			Role:      role,
			Timestamp: ts,
		})
	}

	return msgs, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range legacyTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
