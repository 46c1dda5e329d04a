package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
	"github.com/ericfisherdev/ledgerkeep/internal/secret"
)

// SigningService signs caller-supplied transactions with a user's custodied
// key and submits them to the ledger.
type SigningService struct {
	auth    *authenticator
	cipher  driven.EnvelopeCipher
	signer  driven.TransactionSigner
	gateway driven.LedgerGateway
	logger  *slog.Logger
}

// NewSigningService creates a new SigningService with all required dependencies.
func NewSigningService(
	store driven.CredentialStore,
	hasher driven.PasswordHasher,
	cipher driven.EnvelopeCipher,
	signer driven.TransactionSigner,
	gateway driven.LedgerGateway,
	logger *slog.Logger,
) *SigningService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SigningService{
		auth:    newAuthenticator(store, hasher),
		cipher:  cipher,
		signer:  signer,
		gateway: gateway,
		logger:  logger,
	}
}

// Sign authenticates identity, signs unsignedTx with the decrypted key and
// returns the ledger receipt. The decrypted key is wiped on every path,
// including cancellation. unsignedTx is never logged.
func (s *SigningService) Sign(ctx context.Context, identity, password string, unsignedTx []byte) (model.Receipt, error) {
	cred, err := s.auth.authenticate(ctx, identity, password)
	if err != nil {
		return model.Receipt{}, err
	}
	log := s.logger.With("identity", cred.Identity, "account_id", cred.LedgerAccountID)

	tx, err := s.signer.Decode(unsignedTx)
	if err != nil {
		if errors.Is(err, driven.ErrMalformedTransaction) {
			return model.Receipt{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
		}
		return model.Receipt{}, fmt.Errorf("decode transaction: %w", err)
	}

	signed, err := s.signWithEnvelope(cred, password, tx)
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			log.Warn("envelope did not open after password verified")
		}
		return model.Receipt{}, err
	}

	receipt, err := s.gateway.SubmitSigned(ctx, signed)
	if err != nil {
		log.Warn("transaction submission failed", "tx_hash", signed.Hash, "error", err)
		return model.Receipt{}, mapGatewayError("submit transaction", err)
	}
	if receipt.AccountID == "" {
		receipt.AccountID = cred.LedgerAccountID
	}

	log.Info("transaction submitted",
		"tx_hash", signed.Hash,
		"transaction_id", receipt.TransactionID,
		"status", receipt.Status,
	)
	return receipt, nil
}

// signWithEnvelope opens the envelope, signs and wipes the key before
// returning.
func (s *SigningService) signWithEnvelope(cred *model.Credential, password string, tx driven.Transaction) (model.SignedTransaction, error) {
	key, err := s.cipher.Open(cred.Envelope, password)
	if err != nil {
		if errors.Is(err, driven.ErrDecryptionFailed) {
			return model.SignedTransaction{}, ErrDecryptionFailed
		}
		return model.SignedTransaction{}, fmt.Errorf("open envelope: %w", err)
	}
	defer secret.Wipe(key)

	signed, err := s.signer.Sign(tx, key)
	if err != nil {
		return model.SignedTransaction{}, fmt.Errorf("sign transaction %s: %w", tx.Hash(), err)
	}

	if !strings.EqualFold(signed.From, cred.LedgerAddress) {
		return model.SignedTransaction{}, fmt.Errorf("signer %s does not match ledger address of %q", signed.From, cred.Identity)
	}

	signed.AccountID = cred.LedgerAccountID
	return signed, nil
}

// mapGatewayError translates ledger port errors into the service taxonomy.
func mapGatewayError(op string, err error) error {
	switch {
	case errors.Is(err, driven.ErrNetworkUnavailable), errors.Is(err, driven.ErrOutcomeUnknown):
		return fmt.Errorf("%s: %w: %w", op, ErrNetworkUnavailable, err)
	case errors.Is(err, driven.ErrLedgerRejected):
		return fmt.Errorf("%s: %w: %w", op, ErrLedgerRejected, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
