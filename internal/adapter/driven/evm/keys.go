// Package evm implements key generation, address derivation and transaction
// signing for an EVM-compatible ledger using go-ethereum's secp256k1 code.
package evm

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
	"github.com/ericfisherdev/ledgerkeep/internal/secret"
)

// Compile-time interface satisfaction check.
var _ driven.KeyGenerator = (*KeyGenerator)(nil)

// KeyGenerator creates secp256k1 key pairs from crypto/rand.
type KeyGenerator struct{}

// NewKeyGenerator creates a KeyGenerator.
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{}
}

// Generate returns a new key pair. PublicKey is the 33-byte compressed point,
// PrivateKey the 32-byte scalar, and Address the EVM address derived from the
// public key.
func (g *KeyGenerator) Generate() (driven.KeyPair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return driven.KeyPair{}, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	defer secret.WipeInt(priv.D)

	return driven.KeyPair{
		PublicKey:  crypto.CompressPubkey(&priv.PublicKey),
		PrivateKey: crypto.FromECDSA(priv),
		Address:    crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}, nil
}

// SelfTest generates a throwaway key, signs a digest and verifies the
// signature against the compressed public key.
func (g *KeyGenerator) SelfTest() error {
	kp, err := g.Generate()
	if err != nil {
		return err
	}
	defer secret.Wipe(kp.PrivateKey)

	priv, err := crypto.ToECDSA(kp.PrivateKey)
	if err != nil {
		return errors.New("self-test: generated key rejected")
	}
	defer secret.WipeInt(priv.D)

	digest := crypto.Keccak256([]byte("ledgerkeep self-test"))
	sig, err := crypto.Sign(digest, priv)
	if err != nil {
		return fmt.Errorf("self-test sign: %w", err)
	}

	pub, err := crypto.DecompressPubkey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("self-test decompress: %w", err)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), digest, sig[:64]) {
		return errors.New("self-test: signature did not verify")
	}

	recovered, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("self-test recover: %w", err)
	}
	if !bytes.Equal(crypto.CompressPubkey(recovered), kp.PublicKey) {
		return errors.New("self-test: recovered key mismatch")
	}
	return nil
}

// AddressFromPublicKey derives the EVM address for a compressed or
// uncompressed secp256k1 public key.
func AddressFromPublicKey(pub []byte) (string, error) {
	var key *ecdsa.PublicKey
	var err error
	switch len(pub) {
	case 33:
		key, err = crypto.DecompressPubkey(pub)
	case 65:
		key, err = crypto.UnmarshalPubkey(pub)
	default:
		return "", fmt.Errorf("public key length %d", len(pub))
	}
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return crypto.PubkeyToAddress(*key).Hex(), nil
}
