package token

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresBank persists balances and allowances in Postgres.
//
// Schema:
//
//	CREATE TABLE token_accounts (
//	    account TEXT PRIMARY KEY,
//	    balance NUMERIC NOT NULL DEFAULT 0,
//	    version BIGINT  NOT NULL DEFAULT 1
//	);
//	CREATE TABLE token_allowances (
//	    owner_account   TEXT    NOT NULL,
//	    spender_account TEXT    NOT NULL,
//	    amount          NUMERIC NOT NULL DEFAULT 0,
//	    PRIMARY KEY (owner_account, spender_account)
//	);
//	CREATE TABLE token_transfers (
//	    reference    TEXT PRIMARY KEY,
//	    from_account TEXT        NOT NULL,
//	    to_account   TEXT        NOT NULL,
//	    amount       NUMERIC     NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL
//	);
type PostgresBank struct {
	db       *sql.DB
	decimals int32
}

const pqUniqueViolation = "23505"

func NewPostgresBank(db *sql.DB, decimals int32) *PostgresBank {
	return &PostgresBank{db: db, decimals: decimals}
}

func (b *PostgresBank) Decimals(ctx context.Context) (int32, error) {
	return b.decimals, nil
}

func (b *PostgresBank) BalanceOf(ctx context.Context, account string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := b.db.QueryRowContext(ctx,
		`SELECT balance FROM token_accounts WHERE account = $1`,
		account,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (b *PostgresBank) Allowance(ctx context.Context, owner, spender string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := b.db.QueryRowContext(ctx,
		`SELECT amount FROM token_allowances WHERE owner_account = $1 AND spender_account = $2`,
		owner, spender,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get allowance: %w", err)
	}
	return amount, nil
}

func (b *PostgresBank) Approve(ctx context.Context, owner, spender string, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO token_allowances (owner_account, spender_account, amount)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (owner_account, spender_account) DO UPDATE SET amount = $3`,
		owner, spender, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to set allowance: %w", err)
	}
	return nil
}

func (b *PostgresBank) Mint(ctx context.Context, account string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO token_accounts (account, balance)
		 VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET balance = token_accounts.balance + $2, version = token_accounts.version + 1`,
		account, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to mint: %w", err)
	}
	return nil
}

func (b *PostgresBank) AppliedTransfer(ctx context.Context, reference string) (decimal.Decimal, bool, error) {
	var amount decimal.Decimal
	err := b.db.QueryRowContext(ctx,
		`SELECT amount FROM token_transfers WHERE reference = $1`,
		reference,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to look up transfer: %w", err)
	}
	return amount, true, nil
}

func (b *PostgresBank) TransferFrom(ctx context.Context, spender, from, to string, amount decimal.Decimal, reference string) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Claim the reference first; a replay aborts here before any balance
	// moves.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO token_transfers (reference, from_account, to_account, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		reference, from, to, amount, time.Now(),
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("failed to record transfer: %w", err)
	}

	var allowance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT amount FROM token_allowances WHERE owner_account = $1 AND spender_account = $2 FOR UPDATE`,
		from, spender,
	).Scan(&allowance)
	if err == sql.ErrNoRows {
		return ErrInsufficientAllowance
	}
	if err != nil {
		return fmt.Errorf("failed to lock allowance: %w", err)
	}
	if allowance.LessThan(amount) {
		return ErrInsufficientAllowance
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM token_accounts WHERE account = $1 FOR UPDATE`,
		from,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrInsufficientBalance
	}
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}
	if balance.LessThan(amount) {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE token_allowances SET amount = amount - $3
		 WHERE owner_account = $1 AND spender_account = $2`,
		from, spender, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to consume allowance: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE token_accounts SET balance = balance - $2, version = version + 1 WHERE account = $1`,
		from, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO token_accounts (account, balance)
		 VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET balance = token_accounts.balance + $2, version = token_accounts.version + 1`,
		to, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
