package driven

import (
	"errors"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

var (
	// ErrDecryptionFailed is returned by EnvelopeCipher.Open when the
	// authentication tag does not verify: wrong password or corrupted envelope.
	ErrDecryptionFailed = errors.New("envelope decryption failed")

	// ErrMalformedTransaction is returned by TransactionSigner.Decode for
	// input that is not an acceptable unsigned transaction.
	ErrMalformedTransaction = errors.New("malformed transaction")

	// ErrPasswordMismatch is returned by PasswordHasher.Verify when the
	// password does not match the verifier.
	ErrPasswordMismatch = errors.New("password mismatch")
)

// KeyPair is a freshly generated signing key pair. PrivateKey is owned by the
// caller and must be wiped once sealed.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
	Address    string
}

// KeyGenerator produces signing key pairs from a cryptographically secure
// random source.
type KeyGenerator interface {
	Generate() (KeyPair, error)

	// SelfTest generates, signs and verifies with a throwaway key to prove the
	// random source and curve implementation work.
	SelfTest() error
}

// EnvelopeCipher seals private keys under a password and opens them again.
// Plaintext returned by Open is owned by the caller, who must wipe it.
type EnvelopeCipher interface {
	Seal(plaintext []byte, password string) (model.KeyEnvelope, error)
	Open(envelope model.KeyEnvelope, password string) ([]byte, error)
}

// PasswordHasher produces and checks the one-way password verifier used for
// authentication. It is independent of the envelope KDF.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(verifier, password string) error
}

// Transaction is a decoded, unsigned ledger transaction.
type Transaction interface {
	// Hash identifies the unsigned transaction and is safe to log.
	Hash() string
}

// TransactionSigner turns raw unsigned transaction bytes into a Transaction
// and signs it with a raw private key.
type TransactionSigner interface {
	// Decode parses raw bytes. Returns an error wrapping
	// ErrMalformedTransaction for anything it cannot sign.
	Decode(raw []byte) (Transaction, error)

	// Sign signs tx with privateKey. It does not retain privateKey.
	Sign(tx Transaction, privateKey []byte) (model.SignedTransaction, error)
}
