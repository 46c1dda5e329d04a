package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

// AuthService exchanges a password for an access token. It checks the
// verifier only and never opens the key envelope.
type AuthService struct {
	auth   *authenticator
	tokens driven.TokenIssuer
	logger *slog.Logger
}

// NewAuthService creates a new AuthService.
func NewAuthService(store driven.CredentialStore, hasher driven.PasswordHasher, tokens driven.TokenIssuer, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		auth:   newAuthenticator(store, hasher),
		tokens: tokens,
		logger: logger,
	}
}

// Login returns the credential and a signed access token.
func (s *AuthService) Login(ctx context.Context, identity, password string) (model.Credential, string, error) {
	cred, err := s.auth.authenticate(ctx, identity, password)
	if err != nil {
		return model.Credential{}, "", err
	}

	token, err := s.tokens.Issue(*cred)
	if err != nil {
		return model.Credential{}, "", fmt.Errorf("issue token: %w", err)
	}

	s.logger.Info("login succeeded", "identity", cred.Identity, "account_id", cred.LedgerAccountID)
	return *cred, token, nil
}
