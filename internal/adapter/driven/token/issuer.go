// Package token issues HS256 access tokens for authenticated credentials.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TokenIssuer = (*Issuer)(nil)

const issuerName = "ledgerkeep"

// minSecretLen is the shortest HMAC secret accepted.
const minSecretLen = 32

// Claims are the access-token claims.
type Claims struct {
	Role      model.Role `json:"role"`
	AccountID string     `json:"acct"`
	jwt.RegisteredClaims
}

// Issuer signs access tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. The secret must be at least 32 bytes.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLen)
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for cred.
func (i *Issuer) Issue(cred model.Credential) (string, error) {
	now := i.now()
	claims := Claims{
		Role:      cred.Role,
		AccountID: cred.LedgerAccountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   cred.Identity,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token for %q: %w", cred.Identity, err)
	}
	return signed, nil
}

// Parse validates a token and returns its claims.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// VerifyRole validates a token and returns the role it grants.
func (i *Issuer) VerifyRole(tokenString string) (model.Role, error) {
	claims, err := i.Parse(tokenString)
	if err != nil {
		return "", err
	}
	if !claims.Role.Valid() {
		return "", fmt.Errorf("token role %q: %w", claims.Role, jwt.ErrTokenInvalidClaims)
	}
	return claims.Role, nil
}
