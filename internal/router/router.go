// Package router implements the action router (spec.md §4.8): the single
// entry point for every externally initiated action. It validates the
// request, checks origin policy admission, gates on session lock state,
// bumps activity, and dispatches to a table-driven handler, returning a
// uniform response envelope.
//
// Grounded on `lib/job` for spawning each dispatch as an independent,
// cancellable unit of work, and on `access/mattermost/action_server.go`'s
// "validate, look up handler, dispatch, uniform response" shape.
package router

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/privatedatabroker/broker/internal/brokererr"
	"github.com/privatedatabroker/broker/internal/originpolicy"
	"github.com/privatedatabroker/broker/lib/job"
)

// ActionKind enumerates every action the router can dispatch (spec.md
// §4.8's table). It is a closed set: the dispatch table is built once at
// construction and is total by construction — every ActionKind below has
// exactly one handler, checked in Router's constructor.
type ActionKind string

const (
	ActionPing             ActionKind = "ping"
	ActionConnect          ActionKind = "connect"
	ActionDisconnect       ActionKind = "disconnect"
	ActionUnlock           ActionKind = "unlock"
	ActionLock             ActionKind = "lock"
	ActionIsUnlocked       ActionKind = "is_unlocked"
	ActionGetIdentity      ActionKind = "get_identity"
	ActionStoreData        ActionKind = "store_data"
	ActionRetrieveData     ActionKind = "retrieve_data"
	ActionDeleteData       ActionKind = "delete_data"
	ActionGetUserData      ActionKind = "get_user_data"
	ActionGrantPermission  ActionKind = "grant_permission"
	ActionRevokePermission ActionKind = "revoke_permission"
	ActionListPermissions  ActionKind = "list_permissions"
)

// exemptFromLockGate are the three actions spec.md §4.8 step 4 allows to
// run regardless of session lock state.
var exemptFromLockGate = map[ActionKind]bool{
	ActionUnlock:     true,
	ActionLock:       true,
	ActionIsUnlocked: true,
}

// Request is the structurally-validated envelope of spec.md §4.8 step 1.
type Request struct {
	CorrelationID string
	Action        ActionKind
	Payload       map[string]interface{}
	Origin        string
	// HasURL marks a sender that declared a URL (spec.md §4.8 step 2): the
	// host-controlled UI surface satisfies this; other internal surfaces
	// that never declare one are rejected.
	HasURL bool
}

// Response is the uniform envelope of spec.md §4.8 step 7.
type Response struct {
	CorrelationID string      `json:"correlationId"`
	Data          interface{} `json:"data,omitempty"`
	Error         string      `json:"error,omitempty"`
	TS            time.Time   `json:"ts"`
}

// Handler executes one action's semantics and returns its response data.
type Handler func(ctx context.Context, req Request) (interface{}, error)

// SessionGate is the narrow session-manager contract the router needs.
type SessionGate interface {
	Gate() error
	Bump()
}

// Router is the spec's single entry point for every action.
type Router struct {
	policy  *originpolicy.Policy
	session SessionGate
	process *job.Process
	clock   func() time.Time

	handlers map[ActionKind]Handler
}

// New builds a Router. handlers must cover every ActionKind declared
// above; New returns an error rather than panicking on a missing entry, so
// a broker misconfiguration is an explicit startup failure.
func New(policy *originpolicy.Policy, session SessionGate, process *job.Process, handlers map[ActionKind]Handler) (*Router, error) {
	for _, action := range allActions {
		if _, ok := handlers[action]; !ok {
			return nil, trace.BadParameter("no handler registered for action %q", action)
		}
	}
	return &Router{
		policy:   policy,
		session:  session,
		process:  process,
		clock:    time.Now,
		handlers: handlers,
	}, nil
}

var allActions = []ActionKind{
	ActionPing, ActionConnect, ActionDisconnect, ActionUnlock, ActionLock,
	ActionIsUnlocked, ActionGetIdentity, ActionStoreData, ActionRetrieveData,
	ActionDeleteData, ActionGetUserData, ActionGrantPermission,
	ActionRevokePermission, ActionListPermissions,
}

// Dispatch runs the full spec.md §4.8 sequence synchronously up through
// the lock gate (so a locked session can never have work spawned on its
// behalf), then spawns the actual handler as an independent job so it may
// await network work without blocking the router's arrival-order queue.
func (r *Router) Dispatch(ctx context.Context, req Request) Response {
	now := r.clock()

	if err := validateStructure(req); err != nil {
		return errorResponse(req.CorrelationID, now, err)
	}
	handler, ok := r.handlers[req.Action]
	if !ok {
		return errorResponse(req.CorrelationID, now, trace.Wrap(brokererr.ErrInvalidArgument, "unknown action %q", req.Action))
	}
	if !req.HasURL {
		return errorResponse(req.CorrelationID, now, trace.Wrap(brokererr.ErrInvalidArgument, "sender did not declare a URL"))
	}

	outcome, err := r.policy.Admit(ctx, req.Origin, string(req.Action))
	if err != nil {
		return errorResponse(req.CorrelationID, now, err)
	}
	if originpolicy.IsRateLimited(outcome) {
		// spec.md §4.8 step 3: RateLimited must not touch the session.
		return errorResponse(req.CorrelationID, now, originpolicy.Err(outcome))
	}
	if originpolicy.IsNotAllowed(outcome) {
		return errorResponse(req.CorrelationID, now, originpolicy.Err(outcome))
	}

	if !exemptFromLockGate[req.Action] {
		if err := r.session.Gate(); err != nil {
			return errorResponse(req.CorrelationID, now, err)
		}
	}

	r.session.Bump()

	result := make(chan Response, 1)
	r.process.SpawnFunc(func(ctx context.Context) error {
		data, err := handler(ctx, req)
		ts := r.clock()
		if err != nil {
			result <- errorResponse(req.CorrelationID, ts, err)
			return nil
		}
		result <- Response{CorrelationID: req.CorrelationID, Data: data, TS: ts}
		return nil
	})

	select {
	case resp := <-result:
		return resp
	case <-ctx.Done():
		return errorResponse(req.CorrelationID, r.clock(), trace.Wrap(ctx.Err()))
	}
}

func validateStructure(req Request) error {
	if req.CorrelationID == "" || req.Action == "" || req.Origin == "" {
		return trace.Wrap(brokererr.ErrInvalidArgument, "correlationId, action, and origin are required")
	}
	return nil
}

func errorResponse(correlationID string, ts time.Time, err error) Response {
	return Response{CorrelationID: correlationID, Error: trace.UserMessage(err), TS: ts}
}
