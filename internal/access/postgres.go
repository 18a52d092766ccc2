package access

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists the admin set.
//
// Schema:
//
//	CREATE TABLE admins (
//	    account TEXT PRIMARY KEY
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Add(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admins (account) VALUES ($1) ON CONFLICT (account) DO NOTHING`,
		account,
	)
	if err != nil {
		return fmt.Errorf("failed to add admin: %w", err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM admins WHERE account = $1`,
		account,
	)
	if err != nil {
		return fmt.Errorf("failed to remove admin: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsMember(ctx context.Context, account string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM admins WHERE account = $1)`,
		account,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check admin: %w", err)
	}
	return exists, nil
}
