package storage

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrPrescriptionNotFound = errors.New("prescription not found")

	// ErrConversationFinished is returned for writes to a finished conversation.
	ErrConversationFinished = errors.New("conversation finished")
	// ErrVersionConflict means the conversation changed since it was read.
	ErrVersionConflict = errors.New("conversation version conflict")
	ErrAlreadyReviewed = errors.New("prescription already reviewed")
)
