package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
	"github.com/ericfisherdev/ledgerkeep/internal/secret"
)

// Compile-time interface satisfaction check.
var _ driven.TransactionSigner = (*TxSigner)(nil)

// TxSigner decodes unsigned go-ethereum binary transactions and signs them
// for a fixed chain id.
type TxSigner struct {
	chainID *big.Int
	signer  types.Signer
}

// NewTxSigner creates a TxSigner for chainID.
func NewTxSigner(chainID int64) *TxSigner {
	id := big.NewInt(chainID)
	return &TxSigner{chainID: id, signer: types.LatestSignerForChainID(id)}
}

// unsignedTx is the decoded form handed back to the application layer.
type unsignedTx struct {
	tx   *types.Transaction
	hash string
}

// Hash returns the signing hash of the unsigned transaction.
func (u *unsignedTx) Hash() string { return u.hash }

// Decode parses the canonical binary encoding of an unsigned transaction.
// Input that fails to decode, already carries a signature, or targets
// another chain is rejected with driven.ErrMalformedTransaction.
func (s *TxSigner) Decode(raw []byte) (driven.Transaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", driven.ErrMalformedTransaction)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", driven.ErrMalformedTransaction, err)
	}

	v, r, sv := tx.RawSignatureValues()
	if nonZero(v) || nonZero(r) || nonZero(sv) {
		return nil, fmt.Errorf("%w: transaction is already signed", driven.ErrMalformedTransaction)
	}

	if tx.Type() != types.LegacyTxType && tx.ChainId().Cmp(s.chainID) != 0 {
		return nil, fmt.Errorf("%w: chain id %s, want %s", driven.ErrMalformedTransaction, tx.ChainId(), s.chainID)
	}

	return &unsignedTx{tx: tx, hash: s.signer.Hash(tx).Hex()}, nil
}

// Sign signs tx with the raw secp256k1 scalar in privateKey. The parsed key
// is cleared before returning; privateKey itself stays owned by the caller.
func (s *TxSigner) Sign(tx driven.Transaction, privateKey []byte) (model.SignedTransaction, error) {
	u, ok := tx.(*unsignedTx)
	if !ok {
		return model.SignedTransaction{}, fmt.Errorf("%w: foreign transaction type %T", driven.ErrMalformedTransaction, tx)
	}

	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		// The underlying error is dropped so no key material can leak through it.
		return model.SignedTransaction{}, errors.New("invalid private key")
	}
	defer secret.WipeInt(key.D)

	signed, err := types.SignTx(u.tx, s.signer, key)
	if err != nil {
		return model.SignedTransaction{}, fmt.Errorf("sign transaction %s: %w", u.hash, err)
	}

	from, err := types.Sender(s.signer, signed)
	if err != nil {
		return model.SignedTransaction{}, fmt.Errorf("recover sender %s: %w", u.hash, err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return model.SignedTransaction{}, fmt.Errorf("encode signed transaction %s: %w", u.hash, err)
	}

	return model.SignedTransaction{
		Hash: signed.Hash().Hex(),
		From: from.Hex(),
		Raw:  raw,
	}, nil
}

func nonZero(n *big.Int) bool {
	return n != nil && n.Sign() != 0
}
