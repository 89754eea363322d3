package storageclient_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/privatedatabroker/broker/internal/secretstore"
	"github.com/privatedatabroker/broker/internal/storageclient"
)

type fakeCaller struct {
	responses map[string]string
	fail      bool
	calls     []string
	bodies    []interface{}
}

func (f *fakeCaller) Call(ctx context.Context, path, method string, body interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, method+" "+path)
	f.bodies = append(f.bodies, body)
	if f.fail {
		return nil, errTimeout
	}
	if resp, ok := f.responses[method+" "+stripQuery(path)]; ok {
		return json.RawMessage(resp), nil
	}
	return json.RawMessage(`{"success":true,"data":{}}`), nil
}

func stripQuery(path string) string {
	for i, r := range path {
		if r == '?' {
			return path[:i]
		}
	}
	return path
}

var errTimeout = &timeoutErr{}

type timeoutErr struct{}

func (e *timeoutErr) Error() string { return "timeout" }

func TestNewProbesOnlineAndSucceeds(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		"POST /api/user/did": `{"success":true,"data":{"did":"did:nillion:abc"}}`,
	}}
	store := secretstore.NewDiskStore(t.TempDir())

	client, err := storageclient.New(context.Background(), caller, store, "key", "priv")
	require.NoError(t, err)
	require.Equal(t, storageclient.Online, client.Mode())
	require.Equal(t, "did:nillion:abc", client.UserDID())
}

func TestNewFallsBackWhenProbeFails(t *testing.T) {
	caller := &fakeCaller{fail: true}
	store := secretstore.NewDiskStore(t.TempDir())

	client, err := storageclient.New(context.Background(), caller, store, "key-123", "priv")
	require.NoError(t, err)
	require.Equal(t, storageclient.Fallback, client.Mode())
	require.Contains(t, client.UserDID(), "did:fallback:")
}

func TestFallbackModeIsStickyAcrossRestarts(t *testing.T) {
	store := secretstore.NewDiskStore(t.TempDir())
	failing := &fakeCaller{fail: true}
	first, err := storageclient.New(context.Background(), failing, store, "key-123", "priv")
	require.NoError(t, err)
	require.Equal(t, storageclient.Fallback, first.Mode())

	// A process restart with a now-healthy remote must not re-probe Online.
	healthy := &fakeCaller{responses: map[string]string{
		"POST /api/user/did": `{"success":true,"data":{"did":"did:nillion:abc"}}`,
	}}
	second, err := storageclient.New(context.Background(), healthy, store, "key-123", "priv")
	require.NoError(t, err)
	require.Equal(t, storageclient.Fallback, second.Mode())
	require.Equal(t, first.UserDID(), second.UserDID())
	require.Empty(t, healthy.calls)
}

func TestFallbackStoreListReadDelete(t *testing.T) {
	store := secretstore.NewDiskStore(t.TempDir())
	client, err := storageclient.New(context.Background(), &fakeCaller{fail: true}, store, "key", "priv")
	require.NoError(t, err)

	id, err := client.Store(context.Background(), "payload-1", "col-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	docs, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc, err := client.Read(context.Background(), id, "col-1")
	require.NoError(t, err)
	require.Equal(t, "payload-1", doc.Payload)

	require.NoError(t, client.Delete(context.Background(), id, "col-1"))
	docs, err = client.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestFallbackReadReturnsExactlyWhatWasStored(t *testing.T) {
	store := secretstore.NewDiskStore(t.TempDir())
	client, err := storageclient.New(context.Background(), &fakeCaller{fail: true}, store, "key", "priv")
	require.NoError(t, err)

	id, err := client.Store(context.Background(), "payload-1", "col-1")
	require.NoError(t, err)

	doc, err := client.Read(context.Background(), id, "col-1")
	require.NoError(t, err)

	want := storageclient.Document{
		DocumentID:   id,
		CollectionID: "col-1",
		Owner:        client.UserDID(),
		Payload:      "payload-1",
	}
	if diff := cmp.Diff(want, doc, cmpopts.IgnoreFields(storageclient.Document{}, "StoredAt")); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestOnlineStoreSendsSigningKeyNotDID(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		"POST /api/user/did":   `{"success":true,"data":{"did":"did:nillion:abc"}}`,
		"POST /api/data/store": `{"success":true,"data":{"dataId":"doc-1"}}`,
	}}
	store := secretstore.NewDiskStore(t.TempDir())

	client, err := storageclient.New(context.Background(), caller, store, "key", "signing-key-123")
	require.NoError(t, err)
	require.Equal(t, storageclient.Online, client.Mode())

	_, err = client.Store(context.Background(), "payload", "col-1")
	require.NoError(t, err)

	require.Len(t, caller.bodies, 2)
	storeBody, ok := caller.bodies[1].(map[string]string)
	require.True(t, ok)
	require.Equal(t, "signing-key-123", storeBody["userPrivateKey"])
}

func TestOnlineGrantRevokeListGrantsSendSigningKeyNotDID(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		"POST /api/user/did": `{"success":true,"data":{"did":"did:nillion:abc"}}`,
	}}
	store := secretstore.NewDiskStore(t.TempDir())

	client, err := storageclient.New(context.Background(), caller, store, "key", "signing-key-123")
	require.NoError(t, err)

	_, err = client.Grant(context.Background(), "doc-1", "col-1", "app-1", []string{"read"})
	require.NoError(t, err)
	grantBody, ok := caller.bodies[len(caller.bodies)-1].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "signing-key-123", grantBody["userPrivateKey"])

	require.NoError(t, client.Revoke(context.Background(), "doc-1", "col-1", "app-1", ""))
	revokeBody, ok := caller.bodies[len(caller.bodies)-1].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "signing-key-123", revokeBody["userPrivateKey"])

	_, err = client.ListGrants(context.Background())
	require.NoError(t, err)
	listBody, ok := caller.bodies[len(caller.bodies)-1].(map[string]string)
	require.True(t, ok)
	require.Equal(t, "signing-key-123", listBody["userPrivateKey"])
}

func TestFallbackStoreRequiresCollectionID(t *testing.T) {
	store := secretstore.NewDiskStore(t.TempDir())
	client, err := storageclient.New(context.Background(), &fakeCaller{fail: true}, store, "key", "priv")
	require.NoError(t, err)

	_, err = client.Store(context.Background(), "payload", "")
	require.Error(t, err)
}

func TestFallbackReadMissingDocumentReturnsNotFound(t *testing.T) {
	store := secretstore.NewDiskStore(t.TempDir())
	client, err := storageclient.New(context.Background(), &fakeCaller{fail: true}, store, "key", "priv")
	require.NoError(t, err)

	_, err = client.Read(context.Background(), "nope", "col-1")
	require.Error(t, err)
}

func TestFallbackGrantAndRevokeByID(t *testing.T) {
	store := secretstore.NewDiskStore(t.TempDir())
	client, err := storageclient.New(context.Background(), &fakeCaller{fail: true}, store, "key", "priv")
	require.NoError(t, err)

	grant, err := client.Grant(context.Background(), "doc-1", "col-1", "app-1", []string{"read"})
	require.NoError(t, err)
	require.NotEmpty(t, grant.GrantID)

	grants, err := client.ListGrants(context.Background())
	require.NoError(t, err)
	require.Len(t, grants, 1)

	require.NoError(t, client.Revoke(context.Background(), "doc-1", "col-1", "app-1", grant.GrantID))
	grants, err = client.ListGrants(context.Background())
	require.NoError(t, err)
	require.Empty(t, grants)
}

func TestFallbackRevokeAllMatchingWhenNoGrantID(t *testing.T) {
	store := secretstore.NewDiskStore(t.TempDir())
	client, err := storageclient.New(context.Background(), &fakeCaller{fail: true}, store, "key", "priv")
	require.NoError(t, err)

	_, err = client.Grant(context.Background(), "doc-1", "col-1", "app-1", []string{"read"})
	require.NoError(t, err)
	_, err = client.Grant(context.Background(), "doc-1", "col-1", "app-1", []string{"write"})
	require.NoError(t, err)

	require.NoError(t, client.Revoke(context.Background(), "doc-1", "col-1", "app-1", ""))
	grants, err := client.ListGrants(context.Background())
	require.NoError(t, err)
	require.Empty(t, grants)
}

func TestGrantRequiresNonEmptyPermissions(t *testing.T) {
	store := secretstore.NewDiskStore(t.TempDir())
	client, err := storageclient.New(context.Background(), &fakeCaller{fail: true}, store, "key", "priv")
	require.NoError(t, err)

	_, err = client.Grant(context.Background(), "doc-1", "col-1", "app-1", nil)
	require.Error(t, err)
}
