package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	EventTypeApprovalCreated = "laterpay.approval.created"
	EventTypePaymentExecuted = "laterpay.payment.executed"
	EventTypeAdminAdded      = "laterpay.admin.added"
	EventTypeAdminRemoved    = "laterpay.admin.removed"

	// Wildcard for subscribers that want the full feed
	SubjectAll = "laterpay.>"
)

// Event is the envelope published on every subject
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps a payload in an envelope
func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// ApprovalCreatedEvent is emitted when a user records a new approval
type ApprovalCreatedEvent struct {
	User       string    `json:"user"`
	ApprovalID int64     `json:"approval_id"`
	Amount     string    `json:"amount"`
	DueDate    time.Time `json:"due_date"`
}

// PaymentExecutedEvent is emitted when an approval settles
type PaymentExecutedEvent struct {
	User         string    `json:"user"`
	ApprovalID   int64     `json:"approval_id"`
	ActualAmount string    `json:"actual_amount"`
	ExecutedAt   time.Time `json:"executed_at"`
	Emergency    bool      `json:"emergency,omitempty"`
}

// AdminEvent is emitted on admin set changes
type AdminEvent struct {
	Account string `json:"account"`
}
