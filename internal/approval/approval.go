// Package approval holds the append-only ledger of deferred payment
// approvals. Records are keyed by (user, id) with dense per-user ids
// starting at 0. Records are never deleted; the only mutations after
// creation are the attempt counter and the executed/actual-amount commit.
package approval

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidApprovalID = errors.New("invalid approval id")
	ErrAlreadyExecuted   = errors.New("payment already executed")
)

// Approval is a pre-authorized future debit. Amount is the cap; the value
// actually transferred on execution is ActualAmount and never exceeds it.
type Approval struct {
	User              string          `json:"user"`
	ID                int64           `json:"id"`
	Amount            decimal.Decimal `json:"amount"`
	ApprovedAt        time.Time       `json:"approved_at"`
	DueDate           time.Time       `json:"due_date"`
	Executed          bool            `json:"executed"`
	ExecutionAttempts int64           `json:"execution_attempts"`
	ActualAmount      decimal.Decimal `json:"actual_amount"`
}

// Clone returns a copy so callers never share the stored record.
func (a *Approval) Clone() *Approval {
	c := *a
	return &c
}
