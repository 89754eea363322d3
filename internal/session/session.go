// Package session implements the broker's inactivity-gated session
// (spec.md §4.5): it holds derived secrets in volatile memory, mirrors a
// restore token into ephemeral storage so short process restarts don't
// force re-unlock, and exposes the Locked/Unlocked state machine every
// other component gates on.
//
// Grounded on access/common/auth/token_provider.go's RotatedAccessTokenProvider:
// the same shape — a mutex-protected hot value, a clock-driven expiry check,
// a restore path from persisted state — retargeted from "rotate on a
// timer" to "lock on inactivity, restore from an ephemeral mirror."
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/privatedatabroker/broker/internal/brokererr"
	"github.com/privatedatabroker/broker/internal/crypto"
	"github.com/privatedatabroker/broker/internal/secretstore"
)

// Timeout is the inactivity timeout constant from spec.md §4.5.
const Timeout = 15 * time.Minute

const (
	credentialBlobKey  = "nillion_credentials"
	ephemeralActiveKey = "pdb_session_active"
	ephemeralPassKey   = "pdb_session_password"
	ephemeralActivity  = "pdb_last_activity"
)

// Credentials is the plaintext form of the Credential Blob (spec.md §3),
// handed to the storage client's initializer on a successful unlock.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	PrivateKey string `json:"privateKey,omitempty"`
	UserID     string `json:"userId,omitempty"`
	AppID      string `json:"appId"`
}

// blob is the on-disk (salt, iv, ciphertext) envelope, persisted only in
// ciphertext form per spec.md §4.2.
type blob struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"iv"`
	Ciphertext []byte `json:"data"`
}

// OnUnlock is invoked with the decrypted credentials once a passphrase
// checks out, before the session is marked Unlocked. A non-nil error aborts
// the unlock (e.g. the storage client failed to initialize).
type OnUnlock func(ctx context.Context, creds Credentials) error

// Manager implements the spec.md §4.5 state machine.
type Manager struct {
	store     secretstore.PersistentStore
	ephemeral secretstore.EphemeralStore
	kdf       crypto.KDF
	clock     clockwork.Clock
	onUnlock  OnUnlock

	mu             sync.Mutex
	unlocked       bool
	passphrase     string
	lastActivityAt time.Time
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithClock overrides the clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithKDF overrides the key derivation function, for tests that want a
// cheap iteration count.
func WithKDF(kdf crypto.KDF) Option {
	return func(m *Manager) { m.kdf = kdf }
}

// WithOnUnlock registers the hook invoked with decrypted credentials.
func WithOnUnlock(fn OnUnlock) Option {
	return func(m *Manager) { m.onUnlock = fn }
}

// NewManager builds a Manager, attempting to restore an unlocked state from
// the ephemeral mirror (spec.md: "Locked --restore token valid--> Unlocked").
func NewManager(store secretstore.PersistentStore, ephemeral secretstore.EphemeralStore, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		ephemeral: ephemeral,
		kdf:       crypto.NewKDF(),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.restore()
	return m
}

// restore attempts to revive an Unlocked session from the ephemeral
// restore token. A stale token (older than Timeout) is cleared.
func (m *Manager) restore() {
	activeRaw, ok := m.ephemeral.Get(ephemeralActiveKey)
	if !ok || string(activeRaw) != "true" {
		return
	}
	passRaw, ok := m.ephemeral.Get(ephemeralPassKey)
	if !ok {
		return
	}
	activityRaw, ok := m.ephemeral.Get(ephemeralActivity)
	if !ok {
		m.clearEphemeral()
		return
	}
	var lastActivityAt time.Time
	if err := lastActivityAt.UnmarshalText(activityRaw); err != nil {
		m.clearEphemeral()
		return
	}
	if m.clock.Now().Sub(lastActivityAt) > Timeout {
		m.clearEphemeral()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocked = true
	m.passphrase = string(passRaw)
	m.lastActivityAt = lastActivityAt
}

// Unlock reads the credential blob, derives a key from passphrase and the
// blob's salt, and attempts to decrypt. On success it invokes OnUnlock with
// the plaintext credentials and transitions to Unlocked.
func (m *Manager) Unlock(ctx context.Context, passphrase string) error {
	raw, ok, err := m.store.Get(credentialBlobKey)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.Wrap(brokererr.ErrInvalidArgument, "no credentials configured")
	}

	var b blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return trace.Wrap(brokererr.ErrInvalidArgument, "malformed credential blob")
	}

	key := m.kdf.Derive(passphrase, b.Salt)
	defer crypto.Zero(key)

	plaintext, err := crypto.Decrypt(key, b.Nonce, b.Ciphertext)
	if err != nil {
		return trace.Wrap(err)
	}
	defer crypto.Zero(plaintext)

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return trace.Wrap(brokererr.ErrInvalidArgument, "malformed credentials")
	}

	if m.onUnlock != nil {
		if err := m.onUnlock(ctx, creds); err != nil {
			return trace.Wrap(err)
		}
	}

	now := m.clock.Now()
	m.mu.Lock()
	m.unlocked = true
	m.passphrase = passphrase
	m.lastActivityAt = now
	m.mu.Unlock()

	m.mirror(passphrase, now)
	return nil
}

// Lock transitions to Locked explicitly, clearing the ephemeral mirror.
func (m *Manager) Lock() {
	m.mu.Lock()
	m.unlocked = false
	m.passphrase = ""
	m.mu.Unlock()
	m.clearEphemeral()
}

// IsUnlocked reports the current state without side effects (spec.md
// §4.5: "isUnlocked() returns current state without side effects").
func (m *Manager) IsUnlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlocked
}

// Gate is evaluated by the action router before dispatching any action
// other than unlock/lock/is_unlocked. It returns ErrLocked if already
// locked, or locks-and-returns ErrSessionExpired if inactivity has crossed
// Timeout since the last bump.
func (m *Manager) Gate() error {
	m.mu.Lock()
	if !m.unlocked {
		m.mu.Unlock()
		return trace.Wrap(brokererr.ErrLocked)
	}
	expired := m.clock.Now().Sub(m.lastActivityAt) > Timeout
	m.mu.Unlock()

	if expired {
		m.Lock()
		return trace.Wrap(brokererr.ErrSessionExpired)
	}
	return nil
}

// Bump records activity and re-mirrors the restore token. Callers must not
// invoke Bump for a RateLimited outcome (spec.md §5 exception).
func (m *Manager) Bump() {
	now := m.clock.Now()
	m.mu.Lock()
	m.lastActivityAt = now
	passphrase := m.passphrase
	unlocked := m.unlocked
	m.mu.Unlock()

	if unlocked {
		m.mirror(passphrase, now)
	}
}

func (m *Manager) mirror(passphrase string, at time.Time) {
	activityBytes, _ := at.MarshalText()
	m.ephemeral.Put(ephemeralActiveKey, []byte("true"))
	m.ephemeral.Put(ephemeralPassKey, []byte(passphrase))
	m.ephemeral.Put(ephemeralActivity, activityBytes)
}

func (m *Manager) clearEphemeral() {
	m.ephemeral.Remove(ephemeralActiveKey)
	m.ephemeral.Remove(ephemeralPassKey)
	m.ephemeral.Remove(ephemeralActivity)
}

// StoreCredentials encrypts and persists a new credential blob under
// passphrase, per the "configuration interface" of spec.md §3. It does not
// itself unlock the session.
func StoreCredentials(store secretstore.PersistentStore, kdf crypto.KDF, passphrase string, creds Credentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return trace.Wrap(err)
	}
	salt, err := crypto.RandomSalt()
	if err != nil {
		return trace.Wrap(err)
	}
	key := kdf.Derive(passphrase, salt)
	defer crypto.Zero(key)

	nonce, ciphertext, err := crypto.Encrypt(key, plaintext)
	if err != nil {
		return trace.Wrap(err)
	}
	raw, err := json.Marshal(blob{Salt: salt, Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(store.Put(credentialBlobKey, raw))
}

// HasCredentials reports whether a credential blob has been configured.
func HasCredentials(store secretstore.PersistentStore) (bool, error) {
	_, ok, err := store.Get(credentialBlobKey)
	return ok, trace.Wrap(err)
}
