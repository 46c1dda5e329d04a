// Package keystore implements password-based envelope encryption for private
// keys and the password verifier used for authentication.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
	"github.com/ericfisherdev/ledgerkeep/internal/secret"
)

// Compile-time interface satisfaction check.
var _ driven.EnvelopeCipher = (*Cipher)(nil)

const (
	// envelopeFormat is the current envelope layout version.
	envelopeFormat = 1

	saltSize = 16
	keySize  = 32 // AES-256
)

// Upper bounds accepted when opening a stored envelope. A corrupted or hostile
// row must not be able to make the service allocate unbounded memory.
const (
	maxScryptN         = 1 << 20
	maxScryptR         = 32
	maxScryptP         = 16
	maxArgon2Time      = 16
	maxArgon2MemoryKiB = 1 << 20 // 1 GiB
)

// ScryptParams returns the default scrypt work factors for new envelopes.
func ScryptParams() model.KDFParams {
	return model.KDFParams{Algorithm: model.KDFScrypt, KeyLen: keySize, N: 1 << 15, R: 8, P: 1}
}

// Argon2idParams returns the default argon2id work factors for new envelopes.
func Argon2idParams() model.KDFParams {
	return model.KDFParams{Algorithm: model.KDFArgon2id, KeyLen: keySize, Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
}

// ParamsFor returns the default parameters for the named algorithm.
func ParamsFor(alg model.KDFAlgorithm) (model.KDFParams, error) {
	switch alg {
	case model.KDFScrypt:
		return ScryptParams(), nil
	case model.KDFArgon2id:
		return Argon2idParams(), nil
	default:
		return model.KDFParams{}, fmt.Errorf("unsupported kdf %q", alg)
	}
}

// Cipher seals private keys with AES-256-GCM under a key derived from the
// user's password. New envelopes use the configured KDF parameters; Open
// honours whatever parameters the envelope was sealed with.
type Cipher struct {
	params model.KDFParams
	rand   io.Reader
}

// NewCipher creates a Cipher that seals with params.
func NewCipher(params model.KDFParams) (*Cipher, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	return &Cipher{params: params, rand: rand.Reader}, nil
}

// Params returns the KDF parameters used for new envelopes.
func (c *Cipher) Params() model.KDFParams {
	return c.params
}

// Seal encrypts plaintext under password with a fresh salt and nonce.
func (c *Cipher) Seal(plaintext []byte, password string) (model.KeyEnvelope, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return model.KeyEnvelope{}, fmt.Errorf("rand salt: %w", err)
	}

	key, err := deriveKey(password, salt, c.params)
	if err != nil {
		return model.KeyEnvelope{}, err
	}
	defer secret.Wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return model.KeyEnvelope{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return model.KeyEnvelope{}, fmt.Errorf("rand nonce: %w", err)
	}

	env := model.KeyEnvelope{
		Format: envelopeFormat,
		Salt:   salt,
		Nonce:  nonce,
		KDF:    c.params,
	}
	env.CipherText = gcm.Seal(nil, nonce, plaintext, associatedData(env))
	return env, nil
}

// Open re-derives the key from password and decrypts the envelope. Every
// failure, whether a bad tag, unknown parameters or a truncated field, is
// reported as driven.ErrDecryptionFailed so callers cannot tell them apart.
func (c *Cipher) Open(env model.KeyEnvelope, password string) ([]byte, error) {
	if env.Format != envelopeFormat || checkParams(env.KDF) != nil || len(env.Salt) != saltSize {
		return nil, driven.ErrDecryptionFailed
	}

	key, err := deriveKey(password, env.Salt, env.KDF)
	if err != nil {
		return nil, driven.ErrDecryptionFailed
	}
	defer secret.Wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, driven.ErrDecryptionFailed
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, driven.ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.CipherText, associatedData(env))
	if err != nil {
		return nil, driven.ErrDecryptionFailed
	}
	return plaintext, nil
}

// associatedData binds the format version and KDF parameters to the
// ciphertext, so downgrading the stored work factors breaks the tag.
func associatedData(env model.KeyEnvelope) []byte {
	p := env.KDF
	ad := make([]byte, 0, 64)
	ad = append(ad, "ledgerkeep/envelope"...)
	ad = binary.BigEndian.AppendUint16(ad, uint16(env.Format))
	ad = append(ad, byte(len(p.Algorithm)))
	ad = append(ad, p.Algorithm...)
	ad = binary.BigEndian.AppendUint32(ad, uint32(p.KeyLen))
	ad = binary.BigEndian.AppendUint64(ad, uint64(p.N))
	ad = binary.BigEndian.AppendUint32(ad, uint32(p.R))
	ad = binary.BigEndian.AppendUint32(ad, uint32(p.P))
	ad = binary.BigEndian.AppendUint32(ad, p.Time)
	ad = binary.BigEndian.AppendUint32(ad, p.MemoryKiB)
	ad = append(ad, p.Threads)
	return ad
}

func deriveKey(password string, salt []byte, p model.KDFParams) ([]byte, error) {
	pw := []byte(password)
	defer secret.Wipe(pw)

	switch p.Algorithm {
	case model.KDFScrypt:
		key, err := scrypt.Key(pw, salt, p.N, p.R, p.P, p.KeyLen)
		if err != nil {
			return nil, fmt.Errorf("scrypt: %w", err)
		}
		return key, nil
	case model.KDFArgon2id:
		return argon2.IDKey(pw, salt, p.Time, p.MemoryKiB, p.Threads, uint32(p.KeyLen)), nil
	default:
		return nil, fmt.Errorf("unsupported kdf %q", p.Algorithm)
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}

var errBadParams = errors.New("kdf parameters out of range")

// checkParams validates work factors for both sealing and opening.
func checkParams(p model.KDFParams) error {
	if p.KeyLen != keySize {
		return fmt.Errorf("%w: key length %d", errBadParams, p.KeyLen)
	}
	switch p.Algorithm {
	case model.KDFScrypt:
		if p.N < 2 || p.N > maxScryptN || p.N&(p.N-1) != 0 {
			return fmt.Errorf("%w: scrypt N %d", errBadParams, p.N)
		}
		if p.R < 1 || p.R > maxScryptR || p.P < 1 || p.P > maxScryptP {
			return fmt.Errorf("%w: scrypt r=%d p=%d", errBadParams, p.R, p.P)
		}
	case model.KDFArgon2id:
		if p.Time < 1 || p.Time > maxArgon2Time || p.Threads < 1 {
			return fmt.Errorf("%w: argon2id time=%d threads=%d", errBadParams, p.Time, p.Threads)
		}
		if p.MemoryKiB < 8*uint32(p.Threads) || p.MemoryKiB > maxArgon2MemoryKiB {
			return fmt.Errorf("%w: argon2id memory %d KiB", errBadParams, p.MemoryKiB)
		}
	default:
		return fmt.Errorf("%w: unsupported kdf %q", errBadParams, p.Algorithm)
	}
	return nil
}
