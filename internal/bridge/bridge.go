// Package bridge implements the injected-bridge protocol of spec.md §4.9,
// reinterpreted for a Go process: an abstract duplex Transport carries
// correlation-id'd request/response envelopes between a caller (the
// in-page shim's analogue) and the action router (via the relay), with a
// per-request timeout and origin/source validation.
//
// Grounded on `lib/clientpromise.go` (a future settled exactly once by a
// background goroutine) and `lib/job/result.go`'s FutureResult for the
// per-request completion signal.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/privatedatabroker/broker/internal/brokererr"
	"github.com/privatedatabroker/broker/internal/crypto"
)

// RequestTimeout is the per-request correlation timeout of spec.md §4.9
// ("its own 30s per-request timeout distinct from the page's").
const RequestTimeout = 30 * time.Second

// Envelope is the wire shape shared by requests and responses (spec.md
// §6's PDM_MESSAGE/PDM_RESPONSE pair, collapsed into one type since a Go
// rewrite has no separate in-page/content-relay process boundary).
type Envelope struct {
	ID     string                 `json:"id"`
	Action string                 `json:"action"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Origin string                 `json:"origin"`
	Error  string                 `json:"error,omitempty"`
	TS     time.Time              `json:"ts"`
}

// Transport is the abstract duplex channel the relay uses to exchange
// envelopes with a caller. No third-party transport is wired here: the
// spec delegates the actual wire mechanism to the hosting runtime's
// message passing, so the only faithful Go analogue is an interface the
// embedding process supplies an implementation for.
type Transport interface {
	// Send delivers a response envelope to the caller.
	Send(ctx context.Context, env Envelope) error
	// Closed reports when the transport's peer has gone away, the Go
	// analogue of the content relay's host-restart detection.
	Closed() <-chan struct{}
}

// Dispatcher hands a validated request envelope to the action router and
// returns a response envelope. The relay calls this once per accepted
// request.
type Dispatcher func(ctx context.Context, req Envelope) Envelope

// pending is one in-flight correlation (spec.md §3's Pending Request).
type pending struct {
	sourceOrigin string
	action       string
	expiresAt    time.Time
	result       chan Envelope
}

// Relay implements the content-relay half of spec.md §4.9: it validates
// inbound envelopes, forwards them to the router, and tracks outstanding
// correlations until response or expiry.
type Relay struct {
	transport  Transport
	dispatch   Dispatcher
	pageOrigin string

	mu      sync.Mutex
	waiting map[string]*pending
}

// NewRelay builds a Relay bound to one page origin. Requests whose origin is
// neither pageOrigin nor the file-scheme sentinel are rejected; the
// sentinel is always accepted (spec.md §4.9).
func NewRelay(transport Transport, dispatch Dispatcher, pageOrigin string) *Relay {
	return &Relay{
		transport:  transport,
		dispatch:   dispatch,
		pageOrigin: pageOrigin,
		waiting:    make(map[string]*pending),
	}
}

// fileSchemeSentinel is the documented exemption: a page loaded from the
// local file scheme reports this origin, and the relay skips the origin
// check for it (spec.md §4.9).
const fileSchemeSentinel = "null"

// Accept validates an inbound request envelope (spec.md §4.9's content
// relay invariants: source is this window, origin matches the page origin
// except the file-scheme exemption, id/action/origin are present) and
// forwards it to the dispatcher under its own timeout. Envelope carries no
// message type, so no type check is made.
func (r *Relay) Accept(ctx context.Context, req Envelope, fromThisWindow bool) (Envelope, error) {
	if !fromThisWindow {
		return Envelope{}, trace.Wrap(brokererr.ErrInvalidArgument, "message did not originate from this window")
	}
	if req.ID == "" || req.Action == "" || req.Origin == "" {
		return Envelope{}, trace.Wrap(brokererr.ErrInvalidArgument, "id, action, and origin are required")
	}
	if req.Origin != r.pageOrigin && req.Origin != fileSchemeSentinel {
		return Envelope{}, trace.Wrap(brokererr.ErrInvalidArgument, "origin mismatch")
	}

	p := &pending{
		sourceOrigin: req.Origin,
		action:       req.Action,
		expiresAt:    time.Now().Add(RequestTimeout),
		result:       make(chan Envelope, 1),
	}
	r.mu.Lock()
	r.waiting[req.ID] = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiting, req.ID)
		r.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	done := make(chan Envelope, 1)
	go func() {
		done <- r.dispatch(callCtx, req)
	}()

	select {
	case resp := <-done:
		if err := r.transport.Send(ctx, resp); err != nil {
			return Envelope{}, trace.Wrap(err)
		}
		return resp, nil
	case <-callCtx.Done():
		timeout := Envelope{ID: req.ID, Error: "request timeout", TS: time.Now()}
		_ = r.transport.Send(ctx, timeout)
		return Envelope{}, trace.Wrap(brokererr.ErrTimeout)
	case <-r.transport.Closed():
		return Envelope{}, trace.Wrap(brokererr.ErrAdapterUnavailable, "transport closed before response")
	}
}

// Pending reports how many correlations are currently awaiting a response,
// for diagnostics.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}

// NewCorrelationID mints a fresh id for a caller building a request
// envelope, mirroring the in-page shim's "mint a correlation id" step.
func NewCorrelationID() string { return crypto.UUID() }
