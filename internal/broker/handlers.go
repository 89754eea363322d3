package broker

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/privatedatabroker/broker/internal/brokererr"
	"github.com/privatedatabroker/broker/internal/crypto"
	"github.com/privatedatabroker/broker/internal/originpolicy"
	"github.com/privatedatabroker/broker/internal/router"
	"github.com/privatedatabroker/broker/internal/session"
)

// handlers builds the total dispatch table router.New requires, one entry
// per router.ActionKind, each grounded on the matching step of spec.md §5.
func (b *Broker) handlers() map[router.ActionKind]router.Handler {
	return map[router.ActionKind]router.Handler{
		router.ActionPing:             b.handlePing,
		router.ActionConnect:          b.handleConnect,
		router.ActionDisconnect:       b.handleDisconnect,
		router.ActionUnlock:           b.handleUnlock,
		router.ActionLock:             b.handleLock,
		router.ActionIsUnlocked:       b.handleIsUnlocked,
		router.ActionGetIdentity:      b.handleGetIdentity,
		router.ActionStoreData:        b.handleStoreData,
		router.ActionRetrieveData:     b.handleRetrieveData,
		router.ActionDeleteData:       b.handleDeleteData,
		router.ActionGetUserData:      b.handleGetUserData,
		router.ActionGrantPermission:  b.handleGrantPermission,
		router.ActionRevokePermission: b.handleRevokePermission,
		router.ActionListPermissions:  b.handleListPermissions,
	}
}

// handlePing implements spec.md §4.8's ping action and the §8 scenario 1
// wire shape: {status: "pong", ts, version}.
func (b *Broker) handlePing(ctx context.Context, req router.Request) (interface{}, error) {
	return map[string]interface{}{
		"status":  "pong",
		"ts":      time.Now(),
		"version": b.version,
	}, nil
}

// handleConnect implements spec.md §5's connect action: an origin's first
// contact, upserting its Origin Config.
func (b *Broker) handleConnect(ctx context.Context, req router.Request) (interface{}, error) {
	requested := stringSliceField(req.Payload, "requestedActions")
	var rateLimit *originpolicy.RateLimit
	if raw, ok := req.Payload["rateLimit"].(map[string]interface{}); ok {
		rl := originpolicy.DefaultRateLimit
		if max, ok := raw["maxRequests"].(float64); ok {
			rl.MaxRequests = uint64(max)
		}
		rateLimit = &rl
	}
	allowed, err := b.policy.Connect(req.Origin, requested, rateLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"allowedActions": allowed}, nil
}

func (b *Broker) handleDisconnect(ctx context.Context, req router.Request) (interface{}, error) {
	b.policy.Disconnect(req.Origin)
	return map[string]interface{}{"disconnected": true}, nil
}

// handleUnlock implements spec.md §5's unlock action, decrypting the
// credential blob and (via the session's OnUnlock hook) standing up the
// storage client for the rest of the process's lifetime.
func (b *Broker) handleUnlock(ctx context.Context, req router.Request) (interface{}, error) {
	passphrase := stringField(req.Payload, "passphrase")
	if passphrase == "" {
		return nil, trace.Wrap(brokererr.ErrInvalidArgument, "passphrase is required")
	}
	if err := b.sessions.Unlock(ctx, passphrase); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"unlocked": true}, nil
}

func (b *Broker) handleLock(ctx context.Context, req router.Request) (interface{}, error) {
	b.sessions.Lock()
	return map[string]interface{}{"unlocked": false}, nil
}

func (b *Broker) handleIsUnlocked(ctx context.Context, req router.Request) (interface{}, error) {
	return map[string]interface{}{"unlocked": b.sessions.IsUnlocked()}, nil
}

func (b *Broker) handleGetIdentity(ctx context.Context, req router.Request) (interface{}, error) {
	client, _, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"userId": client.UserDID(), "mode": client.Mode().String()}, nil
}

func (b *Broker) handleStoreData(ctx context.Context, req router.Request) (interface{}, error) {
	client, _, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	payload := stringField(req.Payload, "payload")
	collectionID := metadataCollection(req.Payload)
	id, err := client.Store(ctx, payload, collectionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"documentId": id}, nil
}

func (b *Broker) handleRetrieveData(ctx context.Context, req router.Request) (interface{}, error) {
	client, _, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	doc, err := client.Read(ctx, stringField(req.Payload, "documentId"), metadataCollection(req.Payload))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return doc, nil
}

func (b *Broker) handleDeleteData(ctx context.Context, req router.Request) (interface{}, error) {
	client, _, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	if err := client.Delete(ctx, stringField(req.Payload, "documentId"), metadataCollection(req.Payload)); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"deleted": true}, nil
}

func (b *Broker) handleGetUserData(ctx context.Context, req router.Request) (interface{}, error) {
	client, _, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	docs, err := client.List(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"documents": docs}, nil
}

func (b *Broker) handleGrantPermission(ctx context.Context, req router.Request) (interface{}, error) {
	_, ledgerRef, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	grant, err := ledgerRef.Grant(ctx,
		stringField(req.Payload, "documentId"),
		metadataCollection(req.Payload),
		stringField(req.Payload, "granteeId"),
		stringSliceField(req.Payload, "permissions"),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return grant, nil
}

func (b *Broker) handleRevokePermission(ctx context.Context, req router.Request) (interface{}, error) {
	_, ledgerRef, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	err = ledgerRef.Revoke(ctx,
		stringField(req.Payload, "documentId"),
		metadataCollection(req.Payload),
		stringField(req.Payload, "granteeId"),
		stringField(req.Payload, "grantId"),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"revoked": true}, nil
}

func (b *Broker) handleListPermissions(ctx context.Context, req router.Request) (interface{}, error) {
	_, ledgerRef, err := b.requireClient()
	if err != nil {
		return nil, err
	}
	grants, err := ledgerRef.List(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"grants": grants}, nil
}

// Configure is the administrative entry point used by the CLI's configure
// flow (not an action-router action: it is invoked before any origin ever
// connects, to seed the credential blob spec.md §3 describes).
func (b *Broker) Configure(passphrase string, creds session.Credentials) error {
	return trace.Wrap(session.StoreCredentials(b.store, crypto.NewKDF(), passphrase, creds))
}

// HasCredentials reports whether Configure has already been run.
func (b *Broker) HasCredentials() (bool, error) {
	return session.HasCredentials(b.store)
}
