package model

import "time"

// Credential is the one-to-one binding between a user identity, the ledger
// account provisioned for it, and the encrypted key envelope controlling that
// account. Envelope is the only persisted form of the private key.
type Credential struct {
	ID               int64
	Identity         string
	PasswordVerifier string
	Role             Role
	LedgerAccountID  string
	LedgerAddress    string
	Envelope         KeyEnvelope
	Version          int64 // Incremented on every envelope rewrite.
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// KeyEnvelope is the encrypted-at-rest representation of a private key plus
// everything needed to decrypt it given the right password.
type KeyEnvelope struct {
	Format     int
	CipherText []byte // AEAD output including the authentication tag.
	Salt       []byte
	Nonce      []byte
	KDF        KDFParams
}

// KDFParams records the password-derivation work factors used to seal an
// envelope so they can be raised later without breaking older envelopes.
// Only the fields relevant to Algorithm are set.
type KDFParams struct {
	Algorithm KDFAlgorithm `json:"alg"`
	KeyLen    int          `json:"key_len"`

	// scrypt
	N int `json:"n,omitempty"`
	R int `json:"r,omitempty"`
	P int `json:"p,omitempty"`

	// argon2id
	Time      uint32 `json:"time,omitempty"`
	MemoryKiB uint32 `json:"memory_kib,omitempty"`
	Threads   uint8  `json:"threads,omitempty"`
}
