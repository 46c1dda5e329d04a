package commands

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/evm"
	"github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/keystore"
	"github.com/ericfisherdev/ledgerkeep/internal/application"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/secret"
)

func selftestCmd() *cobra.Command {
	var kdf string

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Check key generation and envelope sealing without touching the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			health := application.NewHealthService(nil, nil, evm.NewKeyGenerator(), nil)
			if err := health.SelfTest(); err != nil {
				return err
			}
			printf(cmd, "keypair: ok\n")

			params, err := envelopeRoundTrip(model.KDFAlgorithm(kdf))
			if err != nil {
				return err
			}
			printf(cmd, "envelope (%s, key_len=%d): ok\n", params.Algorithm, params.KeyLen)
			return nil
		},
	}
	cmd.Flags().StringVar(&kdf, "kdf", string(model.KDFScrypt), "KDF to exercise: scrypt or argon2id")
	return cmd
}

// envelopeRoundTrip seals and reopens random bytes and returns the parameters
// the cipher sealed with.
func envelopeRoundTrip(alg model.KDFAlgorithm) (model.KDFParams, error) {
	params, err := keystore.ParamsFor(alg)
	if err != nil {
		return model.KDFParams{}, err
	}
	cipher, err := keystore.NewCipher(params)
	if err != nil {
		return model.KDFParams{}, err
	}

	plaintext := make([]byte, 32)
	if _, err := rand.Read(plaintext); err != nil {
		return model.KDFParams{}, err
	}
	defer secret.Wipe(plaintext)

	env, err := cipher.Seal(plaintext, "selftest-password")
	if err != nil {
		return model.KDFParams{}, fmt.Errorf("seal: %w", err)
	}
	opened, err := cipher.Open(env, "selftest-password")
	if err != nil {
		return model.KDFParams{}, fmt.Errorf("open: %w", err)
	}
	defer secret.Wipe(opened)

	if !bytes.Equal(plaintext, opened) {
		return model.KDFParams{}, errors.New("envelope round trip returned different bytes")
	}
	if _, err := cipher.Open(env, "wrong-password"); err == nil {
		return model.KDFParams{}, errors.New("envelope opened with the wrong password")
	}
	return cipher.Params(), nil
}
