package keystore

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PasswordHasher = (*BcryptHasher)(nil)

// DefaultBcryptCost matches the cost the platform has always used for
// password verifiers.
const DefaultBcryptCost = 10

// BcryptHasher produces bcrypt password verifiers.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a BcryptHasher. A cost outside bcrypt's accepted
// range falls back to DefaultBcryptCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns the bcrypt verifier for password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	verifier, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(verifier), nil
}

// Verify compares password against verifier. A mismatch returns
// driven.ErrPasswordMismatch; a malformed verifier returns a wrapped error.
func (h *BcryptHasher) Verify(verifier, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(verifier), []byte(password))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return driven.ErrPasswordMismatch
	}
	return fmt.Errorf("bcrypt verify: %w", err)
}
