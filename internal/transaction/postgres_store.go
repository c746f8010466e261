package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the postgres error code raised when an insert
// hits the transactions primary key.
const uniqueViolation = "23505"

// PostgresStore keeps transactions in the relational store. Unlike the
// Redis variant there is no native TTL, so Create opportunistically
// sweeps rows older than the retention window.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPostgresStore(db *sql.DB, timeout time.Duration) *PostgresStore {
	return &PostgresStore{
		db:  db,
		ttl: timeout + ttlSlack,
	}
}

func (s *PostgresStore) Create(ctx context.Context) (*Transaction, error) {
	// Best effort; a failed sweep must not block the new transaction.
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE created_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(s.ttl.Seconds())))

	for attempt := 0; attempt < 5; attempt++ {
		tx, err := newTransaction()
		if err != nil {
			return nil, err
		}

		values, err := json.Marshal(tx.Values)
		if err != nil {
			return nil, fmt.Errorf("transaction: failed to marshal: %w", err)
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO transactions (key, "values")
			VALUES ($1, $2)
		`, tx.Key, values)

		if err == nil {
			return tx, nil
		}

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("transaction: could not allocate a unique key")
}

func (s *PostgresStore) Fetch(ctx context.Context, key string) (*Transaction, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT "values"
		FROM transactions
		WHERE key = $1
	`, key).Scan(&raw)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx := Transaction{Key: key}
	if err := json.Unmarshal(raw, &tx.Values); err != nil {
		return nil, fmt.Errorf("transaction: failed to unmarshal: %w", err)
	}
	return &tx, nil
}

func (s *PostgresStore) Save(ctx context.Context, tx *Transaction) error {
	if tx == nil || tx.Key == "" {
		return fmt.Errorf("transaction: missing key")
	}

	values, err := json.Marshal(tx.Values)
	if err != nil {
		return fmt.Errorf("transaction: failed to marshal: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE transactions
		SET "values" = $2
		WHERE key = $1
	`, tx.Key, values)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE key = $1
	`, key)
	return err
}
