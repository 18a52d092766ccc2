package approval

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresStore persists approvals in Postgres.
//
// Schema:
//
//	CREATE TABLE approvals (
//	    user_account       TEXT        NOT NULL,
//	    seq_id             BIGINT      NOT NULL,
//	    amount             NUMERIC     NOT NULL,
//	    approved_at        TIMESTAMPTZ NOT NULL,
//	    due_date           TIMESTAMPTZ NOT NULL,
//	    executed           BOOLEAN     NOT NULL DEFAULT FALSE,
//	    execution_attempts BIGINT      NOT NULL DEFAULT 0,
//	    actual_amount      NUMERIC     NOT NULL DEFAULT 0,
//	    PRIMARY KEY (user_account, seq_id)
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, a *Approval) (int64, error) {
	if a.Amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	// Serializable so two concurrent appends for the same user cannot
	// claim the same seq_id.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq_id) + 1, 0) FROM approvals WHERE user_account = $1`,
		a.User,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate approval id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO approvals (user_account, seq_id, amount, approved_at, due_date, executed, execution_attempts, actual_amount)
		 VALUES ($1, $2, $3, $4, $5, FALSE, 0, 0)`,
		a.User, next, a.Amount, a.ApprovedAt, a.DueDate,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	a.ID = next
	return next, nil
}

func (s *PostgresStore) Get(ctx context.Context, user string, id int64) (*Approval, error) {
	var a Approval
	err := s.db.QueryRowContext(ctx,
		`SELECT user_account, seq_id, amount, approved_at, due_date, executed, execution_attempts, actual_amount
		 FROM approvals WHERE user_account = $1 AND seq_id = $2`,
		user, id,
	).Scan(&a.User, &a.ID, &a.Amount, &a.ApprovedAt, &a.DueDate,
		&a.Executed, &a.ExecutionAttempts, &a.ActualAmount)

	if err == sql.ErrNoRows {
		return nil, ErrInvalidApprovalID
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) List(ctx context.Context, user string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_account, seq_id, amount, approved_at, due_date, executed, execution_attempts, actual_amount
		 FROM approvals WHERE user_account = $1 ORDER BY seq_id`,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		var a Approval
		err := rows.Scan(&a.User, &a.ID, &a.Amount, &a.ApprovedAt, &a.DueDate,
			&a.Executed, &a.ExecutionAttempts, &a.ActualAmount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, user string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE user_account = $1`,
		user,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count approvals: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) IncrementAttempts(ctx context.Context, user string, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET execution_attempts = execution_attempts + 1
		 WHERE user_account = $1 AND seq_id = $2`,
		user, id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrInvalidApprovalID
	}
	return nil
}

func (s *PostgresStore) MarkExecuted(ctx context.Context, user string, id int64, actual decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET executed = TRUE, actual_amount = $3
		 WHERE user_account = $1 AND seq_id = $2 AND executed = FALSE`,
		user, id, actual,
	)
	if err != nil {
		return fmt.Errorf("failed to mark executed: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Either the id is unknown or the record already settled.
		if _, getErr := s.Get(ctx, user, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyExecuted
	}
	return nil
}
