package application

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 72
	maxIdentityLen = 254
)

// normalizeIdentity trims and lower-cases identity.
func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// validateIdentity requires a bare email address.
func validateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	if len(identity) > maxIdentityLen {
		return fmt.Errorf("%w: identity is too long", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(identity)
	if err != nil || addr.Address != identity || addr.Name != "" {
		return fmt.Errorf("%w: identity must be an email address", ErrInvalidInput)
	}
	return nil
}

// validatePassword enforces the length bounds. The upper bound is the
// verifier's input limit.
func validatePassword(field, password string) error {
	if len(password) < minPasswordLen {
		return fmt.Errorf("%w: %s must be at least %d characters", ErrInvalidInput, field, minPasswordLen)
	}
	if len(password) > maxPasswordLen {
		return fmt.Errorf("%w: %s must be at most %d bytes", ErrInvalidInput, field, maxPasswordLen)
	}
	return nil
}

func validateRole(role model.Role) (model.Role, error) {
	if role == "" {
		return model.RoleInvestor, nil
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	return role, nil
}
