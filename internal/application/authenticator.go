package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

// authenticator loads a credential and checks a password against its
// verifier. Unknown identities run a verify against a throwaway verifier so
// they cost the same as a wrong password.
type authenticator struct {
	store  driven.CredentialStore
	hasher driven.PasswordHasher

	dummyOnce     sync.Once
	dummyVerifier string
}

func newAuthenticator(store driven.CredentialStore, hasher driven.PasswordHasher) *authenticator {
	return &authenticator{store: store, hasher: hasher}
}

func (a *authenticator) authenticate(ctx context.Context, identity, password string) (*model.Credential, error) {
	identity = normalizeIdentity(identity)

	cred, err := a.store.FindByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	if cred == nil {
		a.burn(password)
		return nil, ErrAuthenticationFailed
	}

	if err := a.hasher.Verify(cred.PasswordVerifier, password); err != nil {
		if errors.Is(err, driven.ErrPasswordMismatch) {
			return nil, ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("verify password: %w", err)
	}
	return cred, nil
}

func (a *authenticator) burn(password string) {
	a.dummyOnce.Do(func() {
		a.dummyVerifier, _ = a.hasher.Hash("ledgerkeep-unknown-identity")
	})
	if a.dummyVerifier != "" {
		_ = a.hasher.Verify(a.dummyVerifier, password)
	}
}
