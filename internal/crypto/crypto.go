// Package crypto implements the broker's cryptographic primitives (spec.md
// §4.1): passphrase-based key derivation, authenticated symmetric
// encryption, content hashing, and random identifier generation. No key
// material leaves this package without an explicit Derive/Encrypt call.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"golang.org/x/crypto/pbkdf2"

	"github.com/privatedatabroker/broker/internal/brokererr"
)

const (
	// SaltSize is the size, in bytes, of a credential blob's PBKDF2 salt.
	SaltSize = 16
	// KeySize is the derived key size in bytes (256 bits).
	KeySize = 32
	// NonceSize is the AES-GCM nonce size in bytes (96 bits).
	NonceSize = 12
	// DefaultIterations is the production PBKDF2 iteration count. Tests may
	// construct a KDF with a lower count to stay fast; production code must
	// not.
	DefaultIterations = 100_000
)

// KDF derives keys with a fixed iteration count, fixed at construction so
// tests can use a cheaper value without weakening the production default.
type KDF struct {
	Iterations int
}

// NewKDF returns the production key derivation function.
func NewKDF() KDF {
	return KDF{Iterations: DefaultIterations}
}

// Derive runs PBKDF2-HMAC-SHA256 over passphrase and salt.
func (k KDF) Derive(passphrase string, salt []byte) []byte {
	iterations := k.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)
}

// RandomSalt returns a fresh SaltSize-byte salt.
func RandomSalt() ([]byte, error) {
	return Random(SaltSize)
}

// Random returns n cryptographically random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, trace.Wrap(err, "failed to read entropy")
	}
	return b, nil
}

// UUID mints a fresh random (v4) identifier, used for document ids, grant
// ids, and correlation ids throughout the broker.
func UUID() string {
	return uuid.NewString()
}

// Hash returns the SHA-256 digest of b, used for identity derivation and
// checksums.
func Hash(b []byte) [sha256.Size]byte {
	return sha256.Sum256(b)
}

// Encrypt seals plaintext under key with AES-GCM and a fresh random nonce,
// returning the nonce and the ciphertext (authentication tag appended).
func Encrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	nonce, err = Random(NonceSize)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext under key and nonce. A failed authentication
// check surfaces as brokererr.ErrUnlockFailed regardless of whether the key
// was wrong or the ciphertext was tampered with: the caller must not be
// able to distinguish bad passphrase from integrity failure.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, trace.Wrap(brokererr.ErrUnlockFailed)
	}
	return plaintext, nil
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information about where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites b with zeroes, for scrubbing derived keys and passphrases
// from memory once a caller is done with them.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
