package router_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/privatedatabroker/broker/internal/brokererr"
	"github.com/privatedatabroker/broker/internal/originpolicy"
	"github.com/privatedatabroker/broker/internal/router"
	"github.com/privatedatabroker/broker/lib/job"
)

type fakeSession struct {
	locked bool
	bumps  int
}

func (s *fakeSession) Gate() error {
	if s.locked {
		return brokererr.ErrLocked
	}
	return nil
}

func (s *fakeSession) Bump() { s.bumps++ }

func allHandlers(override map[router.ActionKind]router.Handler) map[router.ActionKind]router.Handler {
	handlers := map[router.ActionKind]router.Handler{}
	for _, action := range []router.ActionKind{
		router.ActionPing, router.ActionConnect, router.ActionDisconnect,
		router.ActionUnlock, router.ActionLock, router.ActionIsUnlocked,
		router.ActionGetIdentity, router.ActionStoreData, router.ActionRetrieveData,
		router.ActionDeleteData, router.ActionGetUserData, router.ActionGrantPermission,
		router.ActionRevokePermission, router.ActionListPermissions,
	} {
		handlers[action] = func(ctx context.Context, req router.Request) (interface{}, error) {
			return "ok", nil
		}
	}
	for k, v := range override {
		handlers[k] = v
	}
	return handlers
}

func newRouter(t *testing.T, session router.SessionGate, handlers map[router.ActionKind]router.Handler) *router.Router {
	t.Helper()
	process := job.NewProcess(context.Background())
	r, err := router.New(originpolicy.New(), session, process, handlers)
	require.NoError(t, err)
	return r
}

func TestNewRequiresEveryActionHandled(t *testing.T) {
	_, err := router.New(originpolicy.New(), &fakeSession{}, job.NewProcess(context.Background()), map[router.ActionKind]router.Handler{
		router.ActionPing: func(ctx context.Context, req router.Request) (interface{}, error) { return nil, nil },
	})
	require.Error(t, err)
}

func TestDispatchRejectsMissingFields(t *testing.T) {
	r := newRouter(t, &fakeSession{}, allHandlers(nil))
	resp := r.Dispatch(context.Background(), router.Request{HasURL: true})
	require.NotEmpty(t, resp.Error)
}

func TestDispatchRejectsSenderWithoutURL(t *testing.T) {
	r := newRouter(t, &fakeSession{}, allHandlers(nil))
	resp := r.Dispatch(context.Background(), router.Request{
		CorrelationID: "c1", Action: router.ActionPing, Origin: "https://app.example", HasURL: false,
	})
	require.NotEmpty(t, resp.Error)
}

func TestDispatchLockedSessionRejectsNonExemptAction(t *testing.T) {
	session := &fakeSession{locked: true}
	r := newRouter(t, session, allHandlers(nil))
	resp := r.Dispatch(context.Background(), router.Request{
		CorrelationID: "c1", Action: router.ActionStoreData, Origin: "https://app.example", HasURL: true,
	})
	require.NotEmpty(t, resp.Error)
	require.Equal(t, 0, session.bumps)
}

func TestDispatchLockedSessionAllowsExemptActions(t *testing.T) {
	session := &fakeSession{locked: true}
	r := newRouter(t, session, allHandlers(nil))
	resp := r.Dispatch(context.Background(), router.Request{
		CorrelationID: "c1", Action: router.ActionIsUnlocked, Origin: "https://app.example", HasURL: true,
	})
	require.Empty(t, resp.Error)
	require.Equal(t, 1, session.bumps)
}

func TestDispatchSucceedsAndBumpsActivity(t *testing.T) {
	session := &fakeSession{}
	r := newRouter(t, session, allHandlers(nil))
	resp := r.Dispatch(context.Background(), router.Request{
		CorrelationID: "c1", Action: router.ActionPing, Origin: "https://app.example", HasURL: true,
	})
	require.Empty(t, resp.Error)
	require.Equal(t, "ok", resp.Data)
	require.Equal(t, 1, session.bumps)
}

func TestDispatchNotAllowedDoesNotBumpActivity(t *testing.T) {
	session := &fakeSession{}
	r := newRouter(t, session, allHandlers(nil))

	// grant_permission is outside an unconnected origin's default actions;
	// the NotAllowed rejection precedes the lock gate and never bumps.
	resp := r.Dispatch(context.Background(), router.Request{
		CorrelationID: "c1", Action: router.ActionGrantPermission, Origin: "https://app.example", HasURL: true,
	})
	require.NotEmpty(t, resp.Error)
	require.Equal(t, 0, session.bumps)
}

func TestDispatchHandlerErrorSurfacesInResponse(t *testing.T) {
	session := &fakeSession{}
	r := newRouter(t, session, allHandlers(map[router.ActionKind]router.Handler{
		router.ActionPing: func(ctx context.Context, req router.Request) (interface{}, error) {
			return nil, brokererr.ErrUpstreamFailure
		},
	}))
	resp := r.Dispatch(context.Background(), router.Request{
		CorrelationID: "c1", Action: router.ActionPing, Origin: "https://app.example", HasURL: true,
	})
	require.NotEmpty(t, resp.Error)
}
