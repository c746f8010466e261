package transaction

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CheckKey is the reserved values key holding the per-transaction
// secret mirrored in the client's tr<key> cookie. Module-specific keys
// should be prefixed with the module name to avoid collisions.
const CheckKey = "check"

// ErrNotFound is returned by Store.Fetch for unknown keys.
var ErrNotFound = errors.New("transaction: not found")

// Transaction is the server-side record of one in-progress, possibly
// multi-request authentication flow. Values is a scratch pad shared by
// whatever handler is driving the flow; mutations are not durable
// until the owning Context saves them.
type Transaction struct {
	Key    string         `json:"key"`
	Values map[string]any `json:"values"`
}

// Check returns the transaction's check secret, or "" if the record is
// malformed.
func (t *Transaction) Check() string {
	check, _ := t.Values[CheckKey].(string)
	return check
}

// Store persists transactions across requests. Implementations must be
// safe for concurrent use and must never hand two callers the same key
// from Create.
type Store interface {
	// Create allocates a fresh transaction with a unique key and a new
	// check secret, persists it, and returns it.
	Create(ctx context.Context) (*Transaction, error)

	// Fetch returns the transaction for key, or ErrNotFound.
	Fetch(ctx context.Context, key string) (*Transaction, error)

	// Save persists mutations made to values after creation.
	Save(ctx context.Context, tx *Transaction) error

	// Delete removes the transaction. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// newTransaction builds an unpersisted record with a fresh key and
// check secret. Stores call this and handle key collisions themselves.
func newTransaction() (*Transaction, error) {
	check, err := generateCheck()
	if err != nil {
		return nil, err
	}
	return &Transaction{
		Key:    uuid.NewString(),
		Values: map[string]any{CheckKey: check},
	}, nil
}

// generateCheck returns a 256-bit random secret. Possession of this
// value is what proves a client owns a transaction, so it must be
// unguessable.
func generateCheck() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("transaction: failed to generate check: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
