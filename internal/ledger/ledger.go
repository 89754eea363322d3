// Package ledger implements the capability-grant record (spec.md §4.6): a
// thin projection over the storage client in Online mode, or the
// authoritative local record in Fallback mode.
//
// Grounded on `lib/plugindata/client.go`'s typed Get/Update shape; the
// network compare-and-swap retry loop is dropped because a single broker
// process is the only writer to the Fallback ledger (documented
// simplification, not a dropped requirement).
package ledger

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/privatedatabroker/broker/internal/brokererr"
	"github.com/privatedatabroker/broker/internal/storageclient"
)

// validPermissions is the fixed permission vocabulary of spec.md §3.
var validPermissions = map[string]struct{}{"read": {}, "write": {}, "execute": {}}

// Ledger is the uniform capability-grant contract, regardless of which
// storageclient.Mode backs it.
type Ledger struct {
	client storageclient.Client
}

// New builds a Ledger dispatching through client.
func New(client storageclient.Client) *Ledger {
	return &Ledger{client: client}
}

// Grant appends a new grant; duplicates over the same tuple are permitted
// (spec.md §4.6).
func (l *Ledger) Grant(ctx context.Context, docID, collectionID, granteeID string, permissions []string) (storageclient.Grant, error) {
	if err := validatePermissions(permissions); err != nil {
		return storageclient.Grant{}, err
	}
	grant, err := l.client.Grant(ctx, docID, collectionID, granteeID, permissions)
	if err != nil {
		return storageclient.Grant{}, trace.Wrap(err)
	}
	return grant, nil
}

// Revoke removes by grantID when supplied, otherwise every entry matching
// (docID, collectionID, granteeID).
func (l *Ledger) Revoke(ctx context.Context, docID, collectionID, granteeID, grantID string) error {
	return trace.Wrap(l.client.Revoke(ctx, docID, collectionID, granteeID, grantID))
}

// List returns all grants in insertion order.
func (l *Ledger) List(ctx context.Context) ([]storageclient.Grant, error) {
	grants, err := l.client.ListGrants(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return grants, nil
}

func validatePermissions(permissions []string) error {
	if len(permissions) == 0 {
		return trace.Wrap(brokererr.ErrInvalidArgument, "permissions must be non-empty")
	}
	for _, p := range permissions {
		if _, ok := validPermissions[p]; !ok {
			return trace.Wrap(brokererr.ErrInvalidArgument, "unknown permission %q", p)
		}
	}
	return nil
}
