// Package secretstore implements the broker's two storage lifetimes
// (spec.md §4.2): persistent, suitable only for ciphertext, and ephemeral,
// for the session's unlock mirror (in memory, or under the OS temp
// directory so a short restart keeps it). Keys are namespaced by a fixed broker prefix so
// no two components ever collide on the same underlying key.
package secretstore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	"github.com/peterbourgon/diskv/v3"
)

// Prefix is prepended to every key this package is asked to store, mirroring
// the "fixed prefix reserved to the broker" namespace rule of spec.md §4.2.
const Prefix = "pdb_"

// PersistentStore survives process restart. It must only ever be given
// ciphertext or already-opaque JSON blobs (spec.md: "credentials are stored
// only via putPersistent and only as (salt, iv, ciphertext)").
type PersistentStore interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Remove(key string) error
	// GetAll returns every stored key/value pair under Prefix, for
	// diagnostics and migration.
	GetAll() (map[string][]byte, error)
}

// EphemeralStore holds the unlock mirror (passphrase, lastActivityAt) and
// nothing else persisted-shaped. NewMemStore's contents end with the
// process; NewFileEphemeralStore's survive a restart until removed.
type EphemeralStore interface {
	Put(key string, value []byte)
	Get(key string) ([]byte, bool)
	Remove(key string)
}

// diskStore is a PersistentStore backed by diskv, a flat-file keyed blob
// store. Grounded on access/common/auth/state/file.go's single-file JSON
// persistence, generalized to a keyed namespace per spec.md §4.2.
type diskStore struct {
	d *diskv.Diskv
}

// NewDiskStore builds a PersistentStore rooted at baseDir.
func NewDiskStore(baseDir string) PersistentStore {
	d := diskv.New(diskv.Options{
		BasePath:     baseDir,
		Transform:    func(string) []string { return []string{} },
		CacheSizeMax: 1024 * 1024,
	})
	return &diskStore{d: d}
}

func (s *diskStore) Put(key string, value []byte) error {
	if err := s.d.Write(Prefix+key, value); err != nil {
		return trace.Wrap(err, "failed to persist key %q", key)
	}
	return nil
}

func (s *diskStore) Get(key string) ([]byte, bool, error) {
	value, err := s.d.Read(Prefix + key)
	if err != nil {
		if !s.d.Has(Prefix + key) {
			return nil, false, nil
		}
		return nil, false, trace.Wrap(err, "failed to read key %q", key)
	}
	return value, true, nil
}

func (s *diskStore) Remove(key string) error {
	if !s.d.Has(Prefix + key) {
		return nil
	}
	if err := s.d.Erase(Prefix + key); err != nil {
		return trace.Wrap(err, "failed to remove key %q", key)
	}
	return nil
}

func (s *diskStore) GetAll() (map[string][]byte, error) {
	out := make(map[string][]byte)
	for key := range s.d.Keys(nil) {
		if len(key) < len(Prefix) || key[:len(Prefix)] != Prefix {
			continue
		}
		value, err := s.d.Read(key)
		if err != nil {
			return nil, trace.Wrap(err, "failed to read key %q", key)
		}
		out[key[len(Prefix):]] = value
	}
	return out, nil
}

// memStore is the EphemeralStore: a mutex-guarded map. Stdlib is the right
// tool here — there is no meaningful third-party replacement for a
// process-lifetime-only key/value map.
type memStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemStore builds a fresh, empty EphemeralStore.
func NewMemStore() EphemeralStore {
	return &memStore{values: make(map[string][]byte)}
}

func (s *memStore) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
}

func (s *memStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

func (s *memStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// fileEphemeralStore backs EphemeralStore with a diskv instance rooted
// under the OS temp directory. Entries stay until removed: the session
// manager removes its mirror keys on explicit lock and when it finds a stale
// token. The point is that a short, unplanned process restart — a crash, a
// supervisor bounce — does not force the user to re-unlock, which a pure
// in-memory MemStore cannot provide across process boundaries.
type fileEphemeralStore struct {
	d *diskv.Diskv
}

// NewFileEphemeralStore builds an EphemeralStore rooted under the OS temp
// directory, namespaced by name so multiple broker instances don't collide.
func NewFileEphemeralStore(name string) EphemeralStore {
	d := diskv.New(diskv.Options{
		BasePath:  filepath.Join(os.TempDir(), "pdb-ephemeral-"+name),
		Transform: func(string) []string { return []string{} },
	})
	return &fileEphemeralStore{d: d}
}

func (s *fileEphemeralStore) Put(key string, value []byte) {
	_ = s.d.Write(Prefix+key, value)
}

func (s *fileEphemeralStore) Get(key string) ([]byte, bool) {
	value, err := s.d.Read(Prefix + key)
	if err != nil {
		return nil, false
	}
	return value, true
}

func (s *fileEphemeralStore) Remove(key string) {
	_ = s.d.Erase(Prefix + key)
}
