package verification

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordVerifier checks a re-entered password for subject.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, subject, password string) (bool, error)
}

// BiometricScanner performs an external biometric check for subject.
type BiometricScanner interface {
	Scan(ctx context.Context, subject string) (bool, error)
}

// BcryptVerifier checks passwords offline against configured bcrypt hashes.
// Subjects without their own hash fall back to Default.
type BcryptVerifier struct {
	Hashes  map[string][]byte
	Default []byte
}

func (v BcryptVerifier) VerifyPassword(ctx context.Context, subject, password string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	hash, ok := v.Hashes[subject]
	if !ok {
		hash = v.Default
	}
	if len(hash) == 0 {
		return false, fmt.Errorf("no password hash configured for %q", subject)
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare password hash: %w", err)
	}
	return true, nil
}
