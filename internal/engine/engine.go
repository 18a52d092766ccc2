// Package engine implements the deferred payment execution engine: it
// validates readiness, computes the settlement amount, invokes the token
// collaborator and commits the result to the approval ledger.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/laterpay/internal/access"
	"github.com/terminal-bench/laterpay/internal/approval"
	"github.com/terminal-bench/laterpay/internal/token"
	"github.com/terminal-bench/laterpay/pkg/messaging"
)

var (
	ErrNotDue            = errors.New("due date not reached")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransferFailed    = errors.New("transfer failed")
)

// Readiness reasons reported by CanExecutePayment.
const (
	ReasonInvalidID       = "invalid approval id"
	ReasonAlreadyExecuted = "already executed"
	ReasonNotDue          = "due date not reached"
)

// Engine coordinates the ledger, the access control and the token
// collaborator. All state-mutating operations run inside a single-writer
// critical section; reads go straight to the stores.
type Engine struct {
	account string // the engine's own token identity, used as spender
	tokenID string // identity of the token collaborator instance
	ledger  approval.Store
	acl     *access.Control
	bank    token.Collaborator
	events  messaging.Publisher
	cache   *redis.Client // optional read cache for approval lists

	mu  sync.Mutex
	now func() time.Time
}

// Config wires an Engine.
type Config struct {
	// Account is the engine's own identity at the token collaborator. The
	// engine never receives funds on it; GetContractBalance should read 0
	// forever.
	Account string

	// TokenID identifies the token collaborator instance, reported by
	// PaymentToken.
	TokenID string
}

// New builds an Engine. Events and cache may be nil.
func New(cfg Config, ledger approval.Store, acl *access.Control, bank token.Collaborator, events messaging.Publisher, cache *redis.Client) *Engine {
	return &Engine{
		account: cfg.Account,
		tokenID: cfg.TokenID,
		ledger:  ledger,
		acl:     acl,
		bank:    bank,
		events:  events,
		cache:   cache,
		now:     time.Now,
	}
}

// ApprovePayment records a new approval for the calling user. No funds move;
// custody stays with the user until execution.
func (e *Engine) ApprovePayment(ctx context.Context, user string, amount decimal.Decimal, dueDate time.Time) (int64, error) {
	if amount.Sign() <= 0 {
		return 0, approval.ErrInvalidAmount
	}

	// The cap must fit the token's precision, which is read from the
	// collaborator rather than assumed.
	decimals, err := e.bank.Decimals(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read token decimals: %w", err)
	}
	if -amount.Exponent() > decimals {
		return 0, approval.ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := &approval.Approval{
		User:         user,
		Amount:       amount,
		ApprovedAt:   e.now(),
		DueDate:      dueDate,
		ActualAmount: decimal.Zero,
	}
	id, err := e.ledger.Append(ctx, rec)
	if err != nil {
		return 0, err
	}

	e.invalidate(ctx, user)
	e.publish(ctx, messaging.EventTypeApprovalCreated, messaging.ApprovalCreatedEvent{
		User:       user,
		ApprovalID: id,
		Amount:     amount.String(),
		DueDate:    dueDate,
	})
	return id, nil
}

// ExecutePayment settles an approval on the ordinary, due-date-gated path.
// Callable by any admin (the owner included).
func (e *Engine) ExecutePayment(ctx context.Context, caller, user string, id int64) (*approval.Approval, error) {
	isAdmin, err := e.acl.IsAdmin(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("failed to check admin role: %w", err)
	}
	if !isAdmin {
		return nil, access.ErrNotAdmin
	}
	return e.execute(ctx, user, id, false)
}

// EmergencyWithdrawApproval settles an approval without waiting for the due
// date. Owner only; every other check and the settlement computation match
// the ordinary path.
func (e *Engine) EmergencyWithdrawApproval(ctx context.Context, caller, user string, id int64) (*approval.Approval, error) {
	if !e.acl.IsOwner(caller) {
		return nil, access.ErrNotOwner
	}
	return e.execute(ctx, user, id, true)
}

func (e *Engine) execute(ctx context.Context, user string, id int64, emergency bool) (*approval.Approval, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.ledger.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if rec.Executed {
		return nil, approval.ErrAlreadyExecuted
	}
	if !emergency && rec.DueDate.After(e.now()) {
		return nil, ErrNotDue
	}

	// The reference is the settlement's idempotency key: one per approval,
	// claimed by the collaborator when funds move. If a previous run moved
	// the funds but died before the ledger commit, the lookup below finds
	// the settled amount and we finish the commit instead of paying twice.
	reference := fmt.Sprintf("laterpay:%s:%d", user, id)
	if settled, ok, err := e.bank.AppliedTransfer(ctx, reference); err != nil {
		return nil, fmt.Errorf("failed to query transfer: %w", err)
	} else if ok {
		if err := e.ledger.IncrementAttempts(ctx, user, id); err != nil {
			return nil, err
		}
		return e.commit(ctx, user, id, settled, emergency)
	}

	balance, err := e.bank.BalanceOf(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	allowance, err := e.bank.Allowance(ctx, user, e.account)
	if err != nil {
		return nil, fmt.Errorf("failed to query allowance: %w", err)
	}

	// Settlement is capped by whatever actually exists right now.
	settle := decimal.Min(rec.Amount, balance, allowance)

	// The attempt counter moves on every call that reaches the transfer
	// step, success or not. It is the one permitted partial effect.
	if err := e.ledger.IncrementAttempts(ctx, user, id); err != nil {
		return nil, err
	}
	e.invalidate(ctx, user)

	if settle.Sign() <= 0 {
		return nil, ErrInsufficientFunds
	}

	err = e.bank.TransferFrom(ctx, e.account, user, e.acl.Owner(), settle, reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	return e.commit(ctx, user, id, settle, emergency)
}

// commit marks the record settled and emits the execution notification.
func (e *Engine) commit(ctx context.Context, user string, id int64, settled decimal.Decimal, emergency bool) (*approval.Approval, error) {
	if err := e.ledger.MarkExecuted(ctx, user, id, settled); err != nil {
		return nil, err
	}
	e.invalidate(ctx, user)

	e.publish(ctx, messaging.EventTypePaymentExecuted, messaging.PaymentExecutedEvent{
		User:         user,
		ApprovalID:   id,
		ActualAmount: settled.String(),
		ExecutedAt:   e.now(),
		Emergency:    emergency,
	})

	return e.ledger.Get(ctx, user, id)
}

// CanExecutePayment is the pure readiness check for the ordinary path. It
// reports the first failing condition in the same order execution checks
// them; funds are not consulted.
func (e *Engine) CanExecutePayment(ctx context.Context, user string, id int64) (bool, string, error) {
	rec, err := e.ledger.Get(ctx, user, id)
	if errors.Is(err, approval.ErrInvalidApprovalID) {
		return false, ReasonInvalidID, nil
	}
	if err != nil {
		return false, "", err
	}
	if rec.Executed {
		return false, ReasonAlreadyExecuted, nil
	}
	if rec.DueDate.After(e.now()) {
		return false, ReasonNotDue, nil
	}
	return true, "", nil
}

// GetUserApproval returns one record.
func (e *Engine) GetUserApproval(ctx context.Context, user string, id int64) (*approval.Approval, error) {
	return e.ledger.Get(ctx, user, id)
}

// GetUserApprovals returns all of the user's records, via the read cache
// when one is configured.
func (e *Engine) GetUserApprovals(ctx context.Context, user string) ([]*approval.Approval, error) {
	cacheKey := "laterpay:approvals:" + user

	if e.cache != nil {
		cached, err := e.cache.Get(ctx, cacheKey).Result()
		if err == nil {
			var recs []*approval.Approval
			if jsonErr := json.Unmarshal([]byte(cached), &recs); jsonErr == nil {
				return recs, nil
			}
		}
	}

	recs, err := e.ledger.List(ctx, user)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if data, jsonErr := json.Marshal(recs); jsonErr == nil {
			e.cache.Set(ctx, cacheKey, data, time.Minute)
		}
	}
	return recs, nil
}

// UserApprovalCount returns the user's record count.
func (e *Engine) UserApprovalCount(ctx context.Context, user string) (int64, error) {
	return e.ledger.Count(ctx, user)
}

// AddAdmin grants the admin role. Owner only.
func (e *Engine) AddAdmin(ctx context.Context, caller, account string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acl.AddAdmin(ctx, caller, account)
}

// RemoveAdmin revokes the admin role. Owner only.
func (e *Engine) RemoveAdmin(ctx context.Context, caller, account string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acl.RemoveAdmin(ctx, caller, account)
}

// IsAdmin reports admin standing, true unconditionally for the owner.
func (e *Engine) IsAdmin(ctx context.Context, account string) (bool, error) {
	return e.acl.IsAdmin(ctx, account)
}

// Owner returns the beneficiary identity.
func (e *Engine) Owner() string {
	return e.acl.Owner()
}

// PaymentToken identifies the token collaborator instance.
func (e *Engine) PaymentToken() string {
	return e.tokenID
}

// Account returns the engine's own token identity, the spender users grant
// allowances to.
func (e *Engine) Account() string {
	return e.account
}

// GetContractBalance reads the engine's own token balance. The engine never
// custodies funds, so this is expected to be zero forever.
func (e *Engine) GetContractBalance(ctx context.Context) (decimal.Decimal, error) {
	return e.bank.BalanceOf(ctx, e.account)
}

func (e *Engine) invalidate(ctx context.Context, user string) {
	if e.cache == nil {
		return
	}
	e.cache.Del(ctx, "laterpay:approvals:"+user)
}

func (e *Engine) publish(ctx context.Context, eventType string, payload interface{}) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, eventType, payload)
}
