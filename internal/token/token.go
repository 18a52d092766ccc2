// Package token defines the value-transfer capability the execution engine
// consumes and two implementations of it: an in-memory bank and a Postgres
// bank. The engine never assumes any call here succeeds.
package token

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")

	// ErrDuplicateReference means a transfer with the same reference was
	// already applied. Callers using references as idempotency keys treat
	// this as "the funds already moved".
	ErrDuplicateReference = errors.New("duplicate transfer reference")
)

// Collaborator is the surface the execution engine depends on. TransferFrom
// moves amount from `from` to `to`, consuming the allowance `from` granted
// to `spender`. The reference uniquely identifies the transfer; replaying a
// reference fails with ErrDuplicateReference instead of moving funds twice.
type Collaborator interface {
	Decimals(ctx context.Context) (int32, error)
	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)
	Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error)
	TransferFrom(ctx context.Context, spender, from, to string, amount decimal.Decimal, reference string) error

	// AppliedTransfer reports whether a transfer with this reference already
	// settled and for how much. It lets a caller that crashed between its
	// transfer and its own commit finish the commit instead of paying twice.
	AppliedTransfer(ctx context.Context, reference string) (decimal.Decimal, bool, error)
}

// Bank extends Collaborator with the account-management surface exposed to
// users and operators.
type Bank interface {
	Collaborator

	// Approve sets (not increments) the allowance owner grants spender.
	Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) error

	// Mint credits an account out of thin air. Operator tooling only.
	Mint(ctx context.Context, account string, amount decimal.Decimal) error
}
