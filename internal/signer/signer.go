package signer

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrSignatureInvalid means the token is malformed or the MAC does
	// not verify. Callers must treat it the same as ErrSignatureExpired.
	ErrSignatureInvalid = errors.New("signer: signature invalid")

	// ErrSignatureExpired means the MAC verified but the embedded
	// timestamp is older than the caller's maximum age.
	ErrSignatureExpired = errors.New("signer: signature expired")
)

// Signer produces and verifies timestamped MACs over short opaque
// payloads. Tokens are compact HS256 JWTs: the subject carries the
// payload and iat the signing time. A Signer holds no mutable state
// and is safe for concurrent use.
type Signer struct {
	key []byte
	now func() time.Time
}

func New(secretKey string) *Signer {
	return &Signer{
		key: []byte(secretKey),
		now: time.Now,
	}
}

// Sign wraps payload in a token carrying the current timestamp.
func (s *Signer) Sign(payload string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  payload,
		IssuedAt: jwt.NewNumericDate(s.now()),
	})

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signer: sign: %w", err)
	}
	return signed, nil
}

// Verify recovers the payload from token. It fails with
// ErrSignatureInvalid on any tampering or malformation, and with
// ErrSignatureExpired when the embedded timestamp is older than maxAge.
func (s *Signer) Verify(token string, maxAge time.Duration) (string, error) {
	var claims jwt.RegisteredClaims

	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return "", ErrSignatureInvalid
	}

	if claims.IssuedAt == nil {
		return "", ErrSignatureInvalid
	}
	if s.now().Sub(claims.IssuedAt.Time) > maxAge {
		return "", ErrSignatureExpired
	}

	return claims.Subject, nil
}
