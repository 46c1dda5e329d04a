package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
	"github.com/ericfisherdev/ledgerkeep/internal/secret"
)

// RotationService changes the password protecting a custodied key. The key
// itself and its ledger account never change.
type RotationService struct {
	auth   *authenticator
	store  driven.CredentialStore
	cipher driven.EnvelopeCipher
	hasher driven.PasswordHasher
	logger *slog.Logger
}

// NewRotationService creates a new RotationService with all required dependencies.
func NewRotationService(
	store driven.CredentialStore,
	hasher driven.PasswordHasher,
	cipher driven.EnvelopeCipher,
	logger *slog.Logger,
) *RotationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RotationService{
		auth:   newAuthenticator(store, hasher),
		store:  store,
		cipher: cipher,
		hasher: hasher,
		logger: logger,
	}
}

// Rotate re-seals the existing key under newPassword and replaces the
// verifier. The write only applies if the credential is still at the version
// that was read; otherwise ErrConcurrentModification is returned.
func (s *RotationService) Rotate(ctx context.Context, identity, currentPassword, newPassword string) (model.Credential, error) {
	if err := validatePassword("new password", newPassword); err != nil {
		return model.Credential{}, err
	}

	cred, err := s.auth.authenticate(ctx, identity, currentPassword)
	if err != nil {
		return model.Credential{}, err
	}

	envelope, err := s.reseal(cred.Envelope, currentPassword, newPassword)
	if err != nil {
		return model.Credential{}, err
	}

	verifier, err := s.hasher.Hash(newPassword)
	if err != nil {
		return model.Credential{}, fmt.Errorf("hash password: %w", err)
	}

	updated, err := s.store.CompareAndSwapEnvelope(ctx, cred.Identity, cred.Version, envelope, verifier)
	if err != nil {
		if errors.Is(err, driven.ErrVersionMismatch) || errors.Is(err, driven.ErrNotFound) {
			return model.Credential{}, fmt.Errorf("rotate %q from version %d: %w", cred.Identity, cred.Version, ErrConcurrentModification)
		}
		return model.Credential{}, fmt.Errorf("store rotated envelope: %w", err)
	}

	s.logger.Info("password rotated",
		"identity", updated.Identity,
		"account_id", updated.LedgerAccountID,
		"version", updated.Version,
		"kdf", updated.Envelope.KDF.Algorithm,
	)
	return updated, nil
}

// reseal opens env with oldPassword and seals the same key under
// newPassword with a fresh salt and nonce.
func (s *RotationService) reseal(env model.KeyEnvelope, oldPassword, newPassword string) (model.KeyEnvelope, error) {
	key, err := s.cipher.Open(env, oldPassword)
	if err != nil {
		if errors.Is(err, driven.ErrDecryptionFailed) {
			return model.KeyEnvelope{}, ErrDecryptionFailed
		}
		return model.KeyEnvelope{}, fmt.Errorf("open envelope: %w", err)
	}
	defer secret.Wipe(key)

	sealed, err := s.cipher.Seal(key, newPassword)
	if err != nil {
		return model.KeyEnvelope{}, fmt.Errorf("seal envelope: %w", err)
	}
	return sealed, nil
}
