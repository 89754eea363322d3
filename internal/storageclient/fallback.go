package storageclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/privatedatabroker/broker/internal/brokererr"
	"github.com/privatedatabroker/broker/internal/crypto"
	"github.com/privatedatabroker/broker/internal/secretstore"
)

// fallbackClient persists documents and grants as local JSON arrays,
// keeping the exact operation contract of the Online path (spec.md §4.4).
// Grounded on the teacher's `lib/plugindata.Client.Modify`: read-modify-write
// over a typed blob, minus the compare-and-swap retry loop, which the
// teacher needs only because its backing store is shared across writers. A
// single broker process is the only writer here, so that loop is dropped
// (see DESIGN.md).
type fallbackClient struct {
	store   secretstore.PersistentStore
	userDID string

	mu sync.Mutex
}

func newFallbackClient(store secretstore.PersistentStore, userDID string) *fallbackClient {
	return &fallbackClient{store: store, userDID: userDID}
}

func (c *fallbackClient) Mode() Mode      { return Fallback }
func (c *fallbackClient) UserDID() string { return c.userDID }

func (c *fallbackClient) dataKey() string       { return fmt.Sprintf("fallback_data_%s", c.userDID) }
func (c *fallbackClient) permissionsKey() string { return fmt.Sprintf("fallback_permissions_%s", c.userDID) }

func (c *fallbackClient) readDocs() ([]Document, error) {
	raw, ok, err := c.store.Get(c.dataKey())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, nil
	}
	var docs []Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, trace.Wrap(err, "malformed fallback document list")
	}
	return docs, nil
}

func (c *fallbackClient) writeDocs(docs []Document) error {
	raw, err := json.Marshal(docs)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.store.Put(c.dataKey(), raw))
}

func (c *fallbackClient) readGrants() ([]Grant, error) {
	raw, ok, err := c.store.Get(c.permissionsKey())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, nil
	}
	var grants []Grant
	if err := json.Unmarshal(raw, &grants); err != nil {
		return nil, trace.Wrap(err, "malformed fallback permission ledger")
	}
	return grants, nil
}

func (c *fallbackClient) writeGrants(grants []Grant) error {
	raw, err := json.Marshal(grants)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.store.Put(c.permissionsKey(), raw))
}

func (c *fallbackClient) Store(ctx context.Context, payload, collectionID string) (string, error) {
	if err := requireCollection(collectionID); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	docs, err := c.readDocs()
	if err != nil {
		return "", trace.Wrap(err)
	}
	doc := Document{
		DocumentID:   crypto.UUID(),
		CollectionID: collectionID,
		Owner:        c.userDID,
		Payload:      payload,
		StoredAt:     time.Now().UTC(),
	}
	docs = append(docs, doc)
	if err := c.writeDocs(docs); err != nil {
		return "", trace.Wrap(err)
	}
	return doc.DocumentID, nil
}

func (c *fallbackClient) List(ctx context.Context) ([]Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, err := c.readDocs()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if docs != nil {
		return docs, nil
	}
	// One-time migration from a sibling user-did key (spec.md §4.4 list path):
	// nothing to migrate from in this rewrite's single-identity model, so an
	// empty local list is the terminal state.
	return nil, nil
}

func (c *fallbackClient) Read(ctx context.Context, id, collectionID string) (Document, error) {
	if err := requireCollection(collectionID); err != nil {
		return Document{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, err := c.readDocs()
	if err != nil {
		return Document{}, trace.Wrap(err)
	}
	for _, doc := range docs {
		if doc.DocumentID == id && doc.CollectionID == collectionID {
			return doc, nil
		}
	}
	return Document{}, trace.Wrap(brokererr.ErrNotFound, "document %q not found", id)
}

func (c *fallbackClient) Delete(ctx context.Context, id, collectionID string) error {
	if err := requireCollection(collectionID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, err := c.readDocs()
	if err != nil {
		return trace.Wrap(err)
	}
	out := docs[:0]
	for _, doc := range docs {
		if doc.DocumentID == id && doc.CollectionID == collectionID {
			continue
		}
		out = append(out, doc)
	}
	return trace.Wrap(c.writeDocs(out))
}

func (c *fallbackClient) Grant(ctx context.Context, docID, collectionID, granteeID string, permissions []string) (Grant, error) {
	if err := requireCollection(collectionID); err != nil {
		return Grant{}, err
	}
	if len(permissions) == 0 {
		return Grant{}, trace.Wrap(brokererr.ErrInvalidArgument, "permissions must be non-empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	grants, err := c.readGrants()
	if err != nil {
		return Grant{}, trace.Wrap(err)
	}
	grant := Grant{
		GrantID:      crypto.UUID(),
		DocumentID:   docID,
		CollectionID: collectionID,
		GranteeID:    granteeID,
		Permissions:  permissions,
		GrantedAt:    time.Now().UTC(),
	}
	grants = append(grants, grant)
	if err := c.writeGrants(grants); err != nil {
		return Grant{}, trace.Wrap(err)
	}
	return grant, nil
}

func (c *fallbackClient) Revoke(ctx context.Context, docID, collectionID, granteeID, grantID string) error {
	if err := requireCollection(collectionID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	grants, err := c.readGrants()
	if err != nil {
		return trace.Wrap(err)
	}
	out := grants[:0]
	for _, g := range grants {
		switch {
		case grantID != "":
			if g.GrantID == grantID {
				continue
			}
		default:
			if g.DocumentID == docID && g.CollectionID == collectionID && g.GranteeID == granteeID {
				continue
			}
		}
		out = append(out, g)
	}
	return trace.Wrap(c.writeGrants(out))
}

func (c *fallbackClient) ListGrants(ctx context.Context) ([]Grant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readGrants()
}
