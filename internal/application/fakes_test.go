package application_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/evm"
	"github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/keystore"
	"github.com/ericfisherdev/ledgerkeep/internal/application"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

const testChainID = 296

// --- In-memory credential store ---

type memStore struct {
	mu        sync.Mutex
	creds     map[string]model.Credential
	nextID    int64
	insertErr error

	// onFind runs after every FindByIdentity, outside the lock.
	onFind func()
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]model.Credential)}
}

func (m *memStore) FindByIdentity(_ context.Context, identity string) (*model.Credential, error) {
	m.mu.Lock()
	cred, ok := m.creds[identity]
	m.mu.Unlock()

	if m.onFind != nil {
		m.onFind()
	}
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (m *memStore) FindByAccountID(_ context.Context, accountID string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.LedgerAccountID == accountID {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertIfAbsent(_ context.Context, cred model.Credential) (model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return model.Credential{}, m.insertErr
	}
	for _, c := range m.creds {
		if c.Identity == cred.Identity || c.LedgerAccountID == cred.LedgerAccountID {
			return model.Credential{}, driven.ErrConflict
		}
	}
	m.nextID++
	cred.ID = m.nextID
	cred.Version = 0
	cred.CreatedAt = time.Now().UTC()
	cred.UpdatedAt = cred.CreatedAt
	m.creds[cred.Identity] = cred
	return cred, nil
}

func (m *memStore) CompareAndSwapEnvelope(_ context.Context, identity string, expectedVersion int64, envelope model.KeyEnvelope, verifier string) (model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[identity]
	if !ok {
		return model.Credential{}, driven.ErrNotFound
	}
	if cred.Version != expectedVersion {
		return model.Credential{}, driven.ErrVersionMismatch
	}
	cred.Envelope = envelope
	cred.PasswordVerifier = verifier
	cred.Version++
	cred.UpdatedAt = time.Now().UTC()
	m.creds[identity] = cred
	return cred, nil
}

func (m *memStore) Delete(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, identity)
	return nil
}

func (m *memStore) get(identity string) model.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[identity]
}

func (m *memStore) put(cred model.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.Identity] = cred
}

// --- In-memory provisioning journal ---

type memJournal struct {
	mu       sync.Mutex
	attempts map[string]model.ProvisioningAttempt
	seq      int
	now      func() time.Time
}

func newMemJournal() *memJournal {
	return &memJournal{attempts: make(map[string]model.ProvisioningAttempt), now: time.Now}
}

func (j *memJournal) Begin(_ context.Context, identity string) (model.ProvisioningAttempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if a, ok := j.attempts[identity]; ok && a.State != model.AttemptStateCompleted && a.State != model.AttemptStateAbandoned {
		return a, driven.ErrAttemptExists
	}
	j.seq++
	now := j.now()
	a := model.ProvisioningAttempt{
		ID:        fmt.Sprintf("attempt-%d", j.seq),
		Identity:  identity,
		State:     model.AttemptStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	j.attempts[identity] = a
	return a, nil
}

func (j *memJournal) update(attemptID string, from []model.AttemptState, fn func(*model.ProvisioningAttempt)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id, a := range j.attempts {
		if a.ID != attemptID {
			continue
		}
		allowed := from == nil
		for _, s := range from {
			allowed = allowed || a.State == s
		}
		if !allowed {
			return driven.ErrNotFound
		}
		fn(&a)
		a.UpdatedAt = j.now()
		j.attempts[id] = a
		return nil
	}
	return driven.ErrNotFound
}

func (j *memJournal) RecordAccount(_ context.Context, attemptID, accountID, address string) error {
	return j.update(attemptID, []model.AttemptState{model.AttemptStatePending, model.AttemptStateStale}, func(a *model.ProvisioningAttempt) {
		a.State = model.AttemptStateAccountCreated
		a.LedgerAccountID = accountID
		a.LedgerAddress = address
	})
}

func (j *memJournal) Complete(_ context.Context, attemptID string) error {
	return j.update(attemptID, []model.AttemptState{model.AttemptStatePending, model.AttemptStateAccountCreated, model.AttemptStateStale}, func(a *model.ProvisioningAttempt) {
		a.State = model.AttemptStateCompleted
	})
}

func (j *memJournal) Abandon(_ context.Context, attemptID, reason string) error {
	return j.update(attemptID, []model.AttemptState{model.AttemptStatePending, model.AttemptStateStale}, func(a *model.ProvisioningAttempt) {
		a.State = model.AttemptStateAbandoned
		a.Reason = reason
	})
}

func (j *memJournal) MarkOrphaned(_ context.Context, attemptID, reason string) error {
	return j.update(attemptID, []model.AttemptState{model.AttemptStatePending, model.AttemptStateAccountCreated, model.AttemptStateStale, model.AttemptStateAbandoned, model.AttemptStateOrphaned}, func(a *model.ProvisioningAttempt) {
		a.State = model.AttemptStateOrphaned
		a.Reason = reason
	})
}

func (j *memJournal) Resolve(_ context.Context, identity, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	a, ok := j.attempts[identity]
	if !ok || !a.Unresolved() {
		return driven.ErrNotFound
	}
	a.State = model.AttemptStateAbandoned
	a.Reason = reason
	j.attempts[identity] = a
	return nil
}

func (j *memJournal) MarkStale(_ context.Context, cutoff time.Time) ([]model.ProvisioningAttempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []model.ProvisioningAttempt
	for id, a := range j.attempts {
		if a.State == model.AttemptStatePending && a.UpdatedAt.Before(cutoff) {
			a.State = model.AttemptStateStale
			j.attempts[id] = a
			out = append(out, a)
		}
	}
	return out, nil
}

func (j *memJournal) Get(_ context.Context, identity string) (*model.ProvisioningAttempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	a, ok := j.attempts[identity]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (j *memJournal) List(_ context.Context, states ...model.AttemptState) ([]model.ProvisioningAttempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []model.ProvisioningAttempt
	for _, a := range j.attempts {
		match := len(states) == 0
		for _, s := range states {
			match = match || a.State == s
		}
		if match {
			out = append(out, a)
		}
	}
	return out, nil
}

// set overwrites the attempt for identity; used to stage journal states.
func (j *memJournal) set(a model.ProvisioningAttempt) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts[a.Identity] = a
}

// --- Fake ledger gateway ---

type fakeGateway struct {
	mu        sync.Mutex
	created   int
	requests  []model.AccountRequest
	submitted []model.SignedTransaction
	createErr error
	// partialID is returned alongside createErr, as a relay does when it
	// reported an account id but the receipt never settled.
	partialID string
	submitErr error
	pingErr   error
}

func (g *fakeGateway) CreateAccount(_ context.Context, req model.AccountRequest) (model.AccountCreation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.createErr != nil {
		return model.AccountCreation{AccountID: g.partialID}, g.createErr
	}
	g.created++
	id := fmt.Sprintf("0.0.%d", 1000+g.created)
	return model.AccountCreation{
		AccountID: id,
		Receipt: model.Receipt{
			TransactionID: "create-" + id,
			Status:        model.ReceiptStatusSuccess,
			AccountID:     id,
		},
	}, nil
}

func (g *fakeGateway) SubmitSigned(ctx context.Context, tx model.SignedTransaction) (model.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, err
	}
	if g.submitErr != nil {
		return model.Receipt{}, g.submitErr
	}
	g.submitted = append(g.submitted, tx)
	return model.Receipt{
		TransactionID: tx.Hash,
		Status:        model.ReceiptStatusSuccess,
		AccountID:     tx.AccountID,
		ConsensusAt:   time.Now().UTC(),
	}, nil
}

func (g *fakeGateway) GetReceipt(_ context.Context, transactionID string) (model.Receipt, error) {
	return model.Receipt{TransactionID: transactionID, Status: model.ReceiptStatusSuccess}, nil
}

func (g *fakeGateway) Ping(_ context.Context) error {
	return g.pingErr
}

func (g *fakeGateway) createdCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

// --- Recording crypto wrappers ---

// recordingKeys keeps a handle on every generated private key buffer and a
// copy of its original contents.
type recordingKeys struct {
	*evm.KeyGenerator
	mu        sync.Mutex
	buffers   [][]byte
	originals [][]byte
}

func (k *recordingKeys) Generate() (driven.KeyPair, error) {
	kp, err := k.KeyGenerator.Generate()
	if err != nil {
		return kp, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.buffers = append(k.buffers, kp.PrivateKey)
	k.originals = append(k.originals, bytes.Clone(kp.PrivateKey))
	return kp, nil
}

// recordingCipher keeps a handle on every plaintext buffer returned by Open.
type recordingCipher struct {
	*keystore.Cipher
	mu     sync.Mutex
	opened [][]byte
}

func (c *recordingCipher) Open(env model.KeyEnvelope, password string) ([]byte, error) {
	key, err := c.Cipher.Open(env, password)
	if err == nil {
		c.mu.Lock()
		c.opened = append(c.opened, key)
		c.mu.Unlock()
	}
	return key, err
}

func (c *recordingCipher) openedBuffers() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

type fakeIssuer struct {
	err error
}

func (f *fakeIssuer) Issue(cred model.Credential) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "token-for-" + cred.Identity, nil
}

// --- Harness ---

type harness struct {
	store   *memStore
	journal *memJournal
	gateway *fakeGateway
	keys    *recordingKeys
	cipher  *recordingCipher
	hasher  *keystore.BcryptHasher
	logs    *bytes.Buffer

	provisioning *application.ProvisioningService
	signing      *application.SigningService
	rotation     *application.RotationService
	auth         *application.AuthService
}

func fastScrypt() model.KDFParams {
	return model.KDFParams{Algorithm: model.KDFScrypt, KeyLen: 32, N: 1 << 10, R: 8, P: 1}
}

func fastArgon2id() model.KDFParams {
	return model.KDFParams{Algorithm: model.KDFArgon2id, KeyLen: 32, Time: 1, MemoryKiB: 8 * 1024, Threads: 1}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	c, err := keystore.NewCipher(fastScrypt())
	require.NoError(t, err)

	h := &harness{
		store:   newMemStore(),
		journal: newMemJournal(),
		gateway: &fakeGateway{},
		keys:    &recordingKeys{KeyGenerator: evm.NewKeyGenerator()},
		cipher:  &recordingCipher{Cipher: c},
		hasher:  keystore.NewBcryptHasher(bcrypt.MinCost),
		logs:    &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h.provisioning = application.NewProvisioningService(
		h.store, h.journal, h.gateway, h.keys, h.cipher, h.hasher,
		application.ProvisionOptions{InitialBalance: 10, MaxAutoTokenAssociations: 10},
		logger,
	)
	h.signing = application.NewSigningService(h.store, h.hasher, h.cipher, evm.NewTxSigner(testChainID), h.gateway, logger)
	h.rotation = application.NewRotationService(h.store, h.hasher, h.cipher, logger)
	h.auth = application.NewAuthService(h.store, h.hasher, &fakeIssuer{}, logger)
	return h
}

var recipient = common.HexToAddress("0x00000000000000000000000000000000000003e8")

func unsignedTx(t *testing.T, nonce uint64) []byte {
	t.Helper()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(testChainID),
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2_000_000_000),
		Gas:       21000,
		To:        &recipient,
		Value:     big.NewInt(1_000),
	})
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
