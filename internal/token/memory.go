package token

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryBank is an in-memory Bank for tests and local runs.
type MemoryBank struct {
	mu         sync.Mutex
	decimals   int32
	balances   map[string]decimal.Decimal
	allowances map[string]map[string]decimal.Decimal // owner -> spender -> amount
	applied    map[string]decimal.Decimal            // reference -> settled amount

	// TransferErr, when set, makes every TransferFrom fail with it.
	// Used by tests to exercise external-transfer failure handling.
	TransferErr error
}

func NewMemoryBank(decimals int32) *MemoryBank {
	return &MemoryBank{
		decimals:   decimals,
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]map[string]decimal.Decimal),
		applied:    make(map[string]decimal.Decimal),
	}
}

func (b *MemoryBank) Decimals(ctx context.Context) (int32, error) {
	return b.decimals, nil
}

func (b *MemoryBank) BalanceOf(ctx context.Context, account string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[account], nil
}

func (b *MemoryBank) Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowances[owner][spender], nil
}

func (b *MemoryBank) Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allowances[owner] == nil {
		b.allowances[owner] = make(map[string]decimal.Decimal)
	}
	b.allowances[owner][spender] = amount
	return nil
}

func (b *MemoryBank) Mint(ctx context.Context, account string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] = b.balances[account].Add(amount)
	return nil
}

func (b *MemoryBank) TransferFrom(ctx context.Context, spender, from, to string, amount decimal.Decimal, reference string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.TransferErr != nil {
		return b.TransferErr
	}
	if _, ok := b.applied[reference]; ok {
		return ErrDuplicateReference
	}
	if b.allowances[from][spender].LessThan(amount) {
		return ErrInsufficientAllowance
	}
	if b.balances[from].LessThan(amount) {
		return ErrInsufficientBalance
	}

	b.allowances[from][spender] = b.allowances[from][spender].Sub(amount)
	b.balances[from] = b.balances[from].Sub(amount)
	b.balances[to] = b.balances[to].Add(amount)
	b.applied[reference] = amount
	return nil
}

func (b *MemoryBank) AppliedTransfer(ctx context.Context, reference string) (decimal.Decimal, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	amount, ok := b.applied[reference]
	return amount, ok, nil
}
