package approval

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store persists approvals. Implementations must assign dense per-user ids
// in creation order and never reuse or renumber them.
type Store interface {
	// Append inserts a new record, assigns its id and returns it.
	// Fails with ErrInvalidAmount when the cap is zero or negative.
	Append(ctx context.Context, a *Approval) (int64, error)

	// Get returns a copy of the record, or ErrInvalidApprovalID when id is
	// not less than the user's record count.
	Get(ctx context.Context, user string, id int64) (*Approval, error)

	// List returns copies of all of the user's records in id order.
	List(ctx context.Context, user string) ([]*Approval, error)

	// Count returns the user's record count, 0 for unseen users.
	Count(ctx context.Context, user string) (int64, error)

	// IncrementAttempts bumps the execution attempt counter.
	IncrementAttempts(ctx context.Context, user string, id int64) error

	// MarkExecuted commits the record as settled. Fails with
	// ErrAlreadyExecuted when it already is; the executed flag never
	// transitions back to false.
	MarkExecuted(ctx context.Context, user string, id int64, actual decimal.Decimal) error
}
