package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Resolver determines which internal user an external identity belongs
// to. It is the only place where identity-to-user mapping logic lives.
type Resolver interface {
	Resolve(ctx context.Context, identity *Identity) (userID string, err error)
}

// DBResolver resolves identities against the users and identities
// tables, linking new backends to existing users by verified email.
type DBResolver struct {
	db *sql.DB
}

func NewDBResolver(db *sql.DB) *DBResolver {
	return &DBResolver{db: db}
}

func (r *DBResolver) Resolve(ctx context.Context, identity *Identity) (string, error) {

	if identity == nil {
		return "", errors.New("identity is nil")
	}

	// 1. Try identity lookup (module + subject id)
	var userID uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id
		FROM identities
		WHERE module = $1
		  AND subject_id = $2
	`,
		identity.Module,
		identity.SubjectID,
	).Scan(&userID)

	if err == nil {
		return userID.String(), nil
	}

	if err != sql.ErrNoRows {
		return "", err
	}

	// 2. Try email-based linking (existing user, new backend). Only
	// verified emails may link, otherwise anyone could claim an
	// account by registering its address upstream.
	if identity.Email != "" && identity.EmailVerified {
		err = r.db.QueryRowContext(ctx, `
			SELECT id
			FROM users
			WHERE LOWER(email) = LOWER($1)
		`, identity.Email).Scan(&userID)

		if err == nil {
			_, err = r.db.ExecContext(ctx, `
				INSERT INTO identities (user_id, module, subject_id)
				VALUES ($1, $2, $3)
			`, userID, identity.Module, identity.SubjectID)
			if err != nil {
				return "", err
			}
			return userID.String(), nil
		}

		if err != sql.ErrNoRows {
			return "", err
		}
	}

	// 3. First sighting: create the user and the identity link.
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO users (email, email_verified)
		VALUES ($1, $2)
		RETURNING id
	`, identity.Email, identity.EmailVerified).Scan(&userID)
	if err != nil {
		return "", err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO identities (user_id, module, subject_id)
		VALUES ($1, $2, $3)
	`, userID, identity.Module, identity.SubjectID)
	if err != nil {
		return "", err
	}

	return userID.String(), nil
}
