package storageclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gravitational/trace"

	"github.com/privatedatabroker/broker/internal/brokererr"
)

// onlineClient dispatches every operation through the network adapter to
// the remote service's JSON-over-HTTP endpoints (spec.md §6).
type onlineClient struct {
	caller         Caller
	userDID        string
	userPrivateKey string
}

func newOnlineClient(caller Caller, userDID, userPrivateKey string) *onlineClient {
	return &onlineClient{caller: caller, userDID: userDID, userPrivateKey: userPrivateKey}
}

func (c *onlineClient) Mode() Mode      { return Online }
func (c *onlineClient) UserDID() string { return c.userDID }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *onlineClient) do(ctx context.Context, path, method string, body interface{}, out interface{}) error {
	raw, err := c.caller.Call(ctx, path, method, body)
	if err != nil {
		return trace.Wrap(err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return trace.Wrap(err, "malformed response envelope")
	}
	if !env.Success {
		return trace.Wrap(brokererr.ErrUpstreamFailure, env.Error)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return trace.Wrap(json.Unmarshal(env.Data, out))
}

func (c *onlineClient) Store(ctx context.Context, payload, collectionID string) (string, error) {
	if err := requireCollection(collectionID); err != nil {
		return "", err
	}
	var out struct {
		DataID string `json:"dataId"`
	}
	err := c.do(ctx, "/api/data/store", "POST", map[string]string{
		"userPrivateKey": c.userPrivateKey,
		"collectionId":   collectionID,
		"data":           payload,
	}, &out)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return out.DataID, nil
}

func (c *onlineClient) List(ctx context.Context) ([]Document, error) {
	var out struct {
		Data []Document `json:"data"`
	}
	path := "/api/data/list?userKey=" + url.QueryEscape(c.userDID)
	if err := c.do(ctx, path, "GET", nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Data, nil
}

func (c *onlineClient) Read(ctx context.Context, id, collectionID string) (Document, error) {
	if err := requireCollection(collectionID); err != nil {
		return Document{}, err
	}
	var doc Document
	path := fmt.Sprintf("/api/data/%s?userKey=%s&collection=%s",
		url.PathEscape(id), url.QueryEscape(c.userDID), url.QueryEscape(collectionID))
	if err := c.do(ctx, path, "GET", nil, &doc); err != nil {
		return Document{}, trace.Wrap(err)
	}
	return doc, nil
}

func (c *onlineClient) Delete(ctx context.Context, id, collectionID string) error {
	if err := requireCollection(collectionID); err != nil {
		return err
	}
	path := fmt.Sprintf("/api/data/%s?userKey=%s&collection=%s",
		url.PathEscape(id), url.QueryEscape(c.userDID), url.QueryEscape(collectionID))
	return trace.Wrap(c.do(ctx, path, "DELETE", nil, nil))
}

func (c *onlineClient) Grant(ctx context.Context, docID, collectionID, granteeID string, permissions []string) (Grant, error) {
	if err := requireCollection(collectionID); err != nil {
		return Grant{}, err
	}
	if len(permissions) == 0 {
		return Grant{}, trace.Wrap(brokererr.ErrInvalidArgument, "permissions must be non-empty")
	}
	var grant Grant
	err := c.do(ctx, "/api/permissions/grant", "POST", map[string]interface{}{
		"userPrivateKey": c.userPrivateKey,
		"dataId":         docID,
		"collectionId":   collectionID,
		"appDid":         granteeID,
		"permissions":    permissions,
	}, &grant)
	if err != nil {
		return Grant{}, trace.Wrap(err)
	}
	return grant, nil
}

func (c *onlineClient) Revoke(ctx context.Context, docID, collectionID, granteeID, grantID string) error {
	if err := requireCollection(collectionID); err != nil {
		return err
	}
	body := map[string]interface{}{
		"userPrivateKey": c.userPrivateKey,
		"dataId":         docID,
		"collectionId":   collectionID,
		"appDid":         granteeID,
	}
	if grantID != "" {
		body["grantId"] = grantID
	}
	return trace.Wrap(c.do(ctx, "/api/permissions/revoke", "POST", body, nil))
}

func (c *onlineClient) ListGrants(ctx context.Context) ([]Grant, error) {
	var out struct {
		Data []Grant `json:"data"`
	}
	err := c.do(ctx, "/api/permissions/list", "POST", map[string]string{"userPrivateKey": c.userPrivateKey}, &out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Data, nil
}
