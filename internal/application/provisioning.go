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

// ProvisionOptions are the ledger parameters sent with every new account.
type ProvisionOptions struct {
	InitialBalance           int64
	MaxAutoTokenAssociations int
}

// ProvisioningService registers an identity: it creates a ledger account for
// a fresh key pair and commits the sealed key as a credential.
type ProvisioningService struct {
	store   driven.CredentialStore
	journal driven.ProvisioningJournal
	gateway driven.LedgerGateway
	keys    driven.KeyGenerator
	cipher  driven.EnvelopeCipher
	hasher  driven.PasswordHasher
	opts    ProvisionOptions
	logger  *slog.Logger
}

// NewProvisioningService creates a new ProvisioningService with all required dependencies.
func NewProvisioningService(
	store driven.CredentialStore,
	journal driven.ProvisioningJournal,
	gateway driven.LedgerGateway,
	keys driven.KeyGenerator,
	cipher driven.EnvelopeCipher,
	hasher driven.PasswordHasher,
	opts ProvisionOptions,
	logger *slog.Logger,
) *ProvisioningService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisioningService{
		store:   store,
		journal: journal,
		gateway: gateway,
		keys:    keys,
		cipher:  cipher,
		hasher:  hasher,
		opts:    opts,
		logger:  logger,
	}
}

// Provision creates the ledger account and credential for identity.
//
// The ledger account is confirmed before the credential is committed. If the
// commit then fails the account is journaled as orphaned and an
// *OrphanedAccountError is returned; Provision never creates a second account
// for an identity with an unresolved attempt.
func (s *ProvisioningService) Provision(ctx context.Context, identity, password string, role model.Role) (model.Credential, error) {
	identity = normalizeIdentity(identity)
	if err := validateIdentity(identity); err != nil {
		return model.Credential{}, err
	}
	if err := validatePassword("password", password); err != nil {
		return model.Credential{}, err
	}
	role, err := validateRole(role)
	if err != nil {
		return model.Credential{}, err
	}

	existing, err := s.store.FindByIdentity(ctx, identity)
	if err != nil {
		return model.Credential{}, fmt.Errorf("check existing credential: %w", err)
	}
	if existing != nil {
		return model.Credential{}, fmt.Errorf("provision %q: %w", identity, ErrConflict)
	}

	attempt, err := s.journal.Begin(ctx, identity)
	if errors.Is(err, driven.ErrAttemptExists) {
		return model.Credential{}, s.blockedByAttempt(attempt)
	}
	if err != nil {
		return model.Credential{}, fmt.Errorf("begin provisioning %q: %w", identity, err)
	}

	log := s.logger.With("identity", identity, "attempt_id", attempt.ID)

	// A concurrent Provision may have committed between the first check and
	// Begin replacing its completed attempt.
	existing, err = s.store.FindByIdentity(ctx, identity)
	if err != nil {
		s.abandon(ctx, log, attempt.ID, "credential lookup failed")
		return model.Credential{}, fmt.Errorf("check existing credential: %w", err)
	}
	if existing != nil {
		s.abandon(ctx, log, attempt.ID, "identity already provisioned")
		return model.Credential{}, fmt.Errorf("provision %q: %w", identity, ErrConflict)
	}

	prepared, err := s.prepare(password)
	if err != nil {
		s.abandon(ctx, log, attempt.ID, "local preparation failed")
		return model.Credential{}, err
	}

	creation, err := s.gateway.CreateAccount(ctx, model.AccountRequest{
		PublicKey:                prepared.publicKey,
		InitialBalance:           s.opts.InitialBalance,
		MaxAutoTokenAssociations: s.opts.MaxAutoTokenAssociations,
		IdempotencyKey:           attempt.ID,
	})
	if err != nil {
		return model.Credential{}, s.ledgerFailure(ctx, log, attempt, creation, prepared.address, err)
	}

	// The account exists; finish even if the caller goes away.
	commitCtx := context.WithoutCancel(ctx)
	log = log.With("account_id", creation.AccountID)

	if err := s.journal.RecordAccount(commitCtx, attempt.ID, creation.AccountID, prepared.address); err != nil {
		log.Error("failed to journal ledger account", "error", err)
	}

	cred, err := s.store.InsertIfAbsent(commitCtx, model.Credential{
		Identity:         identity,
		PasswordVerifier: prepared.verifier,
		Role:             role,
		LedgerAccountID:  creation.AccountID,
		LedgerAddress:    prepared.address,
		Envelope:         prepared.envelope,
	})
	if err != nil {
		reason := "credential commit failed"
		if markErr := s.journal.MarkOrphaned(commitCtx, attempt.ID, reason); markErr != nil {
			log.Error("failed to mark attempt orphaned", "error", markErr)
		}
		log.Error("ledger account orphaned", "transaction_id", creation.Receipt.TransactionID, "error", err)
		return model.Credential{}, &OrphanedAccountError{
			Identity:        identity,
			AttemptID:       attempt.ID,
			LedgerAccountID: creation.AccountID,
			State:           model.AttemptStateOrphaned,
			Err:             err,
		}
	}

	if err := s.journal.Complete(commitCtx, attempt.ID); err != nil {
		// The reconciler completes account_created attempts that have a credential.
		log.Warn("failed to complete provisioning attempt", "error", err)
	}

	log.Info("identity provisioned",
		"ledger_address", cred.LedgerAddress,
		"transaction_id", creation.Receipt.TransactionID,
	)
	return cred, nil
}

// preparedKey is everything derived locally before the ledger is contacted.
// It holds no plaintext key material.
type preparedKey struct {
	publicKey []byte
	address   string
	verifier  string
	envelope  model.KeyEnvelope
}

// prepare hashes the password, generates a key pair and seals the private
// key. The private key is wiped before returning on every path.
func (s *ProvisioningService) prepare(password string) (preparedKey, error) {
	verifier, err := s.hasher.Hash(password)
	if err != nil {
		return preparedKey{}, fmt.Errorf("hash password: %w", err)
	}

	kp, err := s.keys.Generate()
	if err != nil {
		return preparedKey{}, fmt.Errorf("generate key pair: %w", err)
	}
	defer secret.Wipe(kp.PrivateKey)

	envelope, err := s.cipher.Seal(kp.PrivateKey, password)
	if err != nil {
		return preparedKey{}, fmt.Errorf("seal private key: %w", err)
	}

	return preparedKey{
		publicKey: kp.PublicKey,
		address:   kp.Address,
		verifier:  verifier,
		envelope:  envelope,
	}, nil
}

// ledgerFailure maps a CreateAccount error. Only a definitive rejection
// abandons the attempt. An ambiguous outcome with a known account id is
// journaled as orphaned; without one the attempt stays pending and the
// reconciler marks it stale for operator review.
func (s *ProvisioningService) ledgerFailure(
	ctx context.Context,
	log *slog.Logger,
	attempt model.ProvisioningAttempt,
	creation model.AccountCreation,
	address string,
	err error,
) error {
	ambiguous := errors.Is(err, driven.ErrOutcomeUnknown) || errors.Is(err, driven.ErrNetworkUnavailable)
	if !ambiguous && errors.Is(err, driven.ErrLedgerRejected) {
		s.abandon(ctx, log, attempt.ID, "ledger rejected account creation")
		return fmt.Errorf("create ledger account: %w: %w", ErrLedgerRejected, err)
	}

	if creation.AccountID != "" {
		commitCtx := context.WithoutCancel(ctx)
		log = log.With("account_id", creation.AccountID)
		if recErr := s.journal.RecordAccount(commitCtx, attempt.ID, creation.AccountID, address); recErr != nil {
			log.Error("failed to journal ledger account", "error", recErr)
		}
		if markErr := s.journal.MarkOrphaned(commitCtx, attempt.ID, "ledger outcome unknown"); markErr != nil {
			log.Error("failed to mark attempt orphaned", "error", markErr)
		}
		log.Error("ledger account orphaned; outcome unknown", "error", err)
		return &OrphanedAccountError{
			Identity:        attempt.Identity,
			AttemptID:       attempt.ID,
			LedgerAccountID: creation.AccountID,
			State:           model.AttemptStateOrphaned,
			Err:             err,
		}
	}

	log.Warn("ledger outcome unknown; attempt left pending for reconciliation", "error", err)
	if ambiguous {
		return fmt.Errorf("create ledger account: %w: %w", ErrNetworkUnavailable, err)
	}
	return fmt.Errorf("create ledger account: %w", err)
}

func (s *ProvisioningService) abandon(ctx context.Context, log *slog.Logger, attemptID, reason string) {
	if err := s.journal.Abandon(context.WithoutCancel(ctx), attemptID, reason); err != nil {
		log.Error("failed to abandon provisioning attempt", "reason", reason, "error", err)
	}
}

// blockedByAttempt explains why Begin refused a new attempt. Pending and
// account_created attempts may still be in flight; the reconciler turns
// abandoned ones into stale or orphaned.
func (s *ProvisioningService) blockedByAttempt(attempt model.ProvisioningAttempt) error {
	if attempt.State == model.AttemptStateOrphaned || attempt.State == model.AttemptStateStale {
		return &OrphanedAccountError{
			Identity:        attempt.Identity,
			AttemptID:       attempt.ID,
			LedgerAccountID: attempt.LedgerAccountID,
			State:           attempt.State,
		}
	}
	return fmt.Errorf("provision %q: attempt %s in progress: %w", attempt.Identity, attempt.ID, ErrConflict)
}
