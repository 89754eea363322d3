package secretstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/privatedatabroker/broker/internal/secretstore"
)

func TestDiskStorePutGetRemove(t *testing.T) {
	store := secretstore.NewDiskStore(t.TempDir())

	_, ok, err := store.Get("nillion_credentials")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put("nillion_credentials", []byte("ciphertext")))

	value, ok, err := store.Get("nillion_credentials")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("ciphertext"), value)

	require.NoError(t, store.Remove("nillion_credentials"))
	_, ok, err = store.Get("nillion_credentials")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDiskStoreGetAll(t *testing.T) {
	store := secretstore.NewDiskStore(t.TempDir())
	require.NoError(t, store.Put("a", []byte("1")))
	require.NoError(t, store.Put("b", []byte("2")))

	all, err := store.GetAll()
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, all)
}

func TestMemStoreClearedBetweenInstances(t *testing.T) {
	store := secretstore.NewMemStore()
	store.Put("pdb_session_password", []byte("hunter2"))

	value, ok := store.Get("pdb_session_password")
	require.True(t, ok)
	require.Equal(t, []byte("hunter2"), value)

	store.Remove("pdb_session_password")
	_, ok = store.Get("pdb_session_password")
	require.False(t, ok)

	// A fresh store (process restart analogue) starts empty.
	fresh := secretstore.NewMemStore()
	_, ok = fresh.Get("pdb_session_password")
	require.False(t, ok)
}
