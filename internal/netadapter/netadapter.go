// Package netadapter implements the broker's network boundary crossing
// (spec.md §4.3): the hosting runtime restricts outbound calls from the
// background execution context, so this package supervises a cooperating
// auxiliary context that can make them. Call crosses into the auxiliary
// over its own loopback `/forward` route; only the auxiliary's handler for
// that route ever dials RemoteBaseURL. The boundary crossing carries a
// readiness handshake, a liveness probe, and per-call timeouts.
//
// Grounded on `utils/http.go` (the loopback HTTP wrapper) and
// `access/mattermost/bot_server.go` (an httprouter-routed callback server)
// for the auxiliary's HTTP surface; `lib/job` for supervising the auxiliary
// as a job with a readiness handshake; `lib/clientpromise.go` for sharing
// one in-flight setup among concurrent callers; `lib/backoff` for
// decorrelated-jitter retry of a transient bind failure during setup.
package netadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/tidwall/gjson"

	"github.com/privatedatabroker/broker/internal/brokererr"
	"github.com/privatedatabroker/broker/lib"
	"github.com/privatedatabroker/broker/lib/backoff"
	"github.com/privatedatabroker/broker/lib/job"
	"github.com/privatedatabroker/broker/utils"
)

const (
	// ReadyTimeout bounds how long the background side waits for the
	// auxiliary's READY handshake (spec.md §4.3).
	ReadyTimeout = 10 * time.Second
	// CallTimeout bounds a single forwarded call.
	CallTimeout = 30 * time.Second
	// PingTimeout bounds the liveness probe.
	PingTimeout = 2 * time.Second
)

// Config configures the adapter's two legs: where the auxiliary listens
// for forwarded calls, and which remote service it forwards them to.
type Config struct {
	// Listen is the auxiliary's loopback bind address, e.g. "127.0.0.1:0".
	Listen string `toml:"listen"`
	// RemoteBaseURL is the operator-chosen remote storage service.
	RemoteBaseURL string `toml:"remote-base-url"`
}

// CheckAndSetDefaults fills in a usable loopback listen address when unset.
func (c *Config) CheckAndSetDefaults() error {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:0"
	}
	if c.RemoteBaseURL == "" {
		return trace.BadParameter("remote-base-url must be set")
	}
	return nil
}

// Adapter is the background side's handle onto the auxiliary context.
// At most one auxiliary exists per Adapter (spec.md §4.3 concurrency rule).
type Adapter struct {
	cfg Config

	mu      sync.Mutex
	current *auxiliary
	pending *auxiliaryPromise
}

// New builds an Adapter. The auxiliary is not started until the first Call.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Adapter{cfg: cfg}, nil
}

// auxiliary is the running loopback HTTP context plus its outbound client,
// supervised as a single critical job on its own process.
type auxiliary struct {
	http    *utils.HTTP
	remote  *resty.Client
	process *job.Process
	done    <-chan struct{}
}

// auxiliaryPromise mirrors lib.ClientPromise, extended to clear itself on
// settlement: the teacher's promise is one-shot because a Teleport client
// never needs to be retried after a failed connect, but spec.md §4.3
// requires failed setups to be retryable by future calls.
type auxiliaryPromise struct {
	done chan struct{}
	aux  *auxiliary
	err  error
}

func (p *auxiliaryPromise) wait(ctx context.Context) (*auxiliary, error) {
	select {
	case <-p.done:
		return p.aux, p.err
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// ensureAuxiliary returns the running auxiliary, starting one if needed.
// Concurrent callers share the same in-flight promise.
func (a *Adapter) ensureAuxiliary(ctx context.Context) (*auxiliary, error) {
	a.mu.Lock()
	if a.current != nil {
		aux := a.current
		a.mu.Unlock()
		return aux, nil
	}
	if a.pending != nil {
		promise := a.pending
		a.mu.Unlock()
		return promise.wait(ctx)
	}

	promise := &auxiliaryPromise{done: make(chan struct{})}
	a.pending = promise
	a.mu.Unlock()

	aux, err := a.startAuxiliaryWithRetry(ctx)
	promise.aux, promise.err = aux, err
	close(promise.done)

	a.mu.Lock()
	a.pending = nil
	if err == nil {
		a.current = aux
	}
	a.mu.Unlock()

	if err != nil {
		return nil, trace.Wrap(brokererr.ErrAdapterUnavailable, err.Error())
	}
	return aux, nil
}

// startAuxiliaryWithRetry retries a transient bind failure (another process
// briefly holding the loopback port during a restart) with decorrelated
// jitter, bounded by ReadyTimeout overall so spec.md §4.3's "complete within
// 10s or treat as down" rule still holds. A failed readiness handshake is
// not retried here: it has already spent the budget.
func (a *Adapter) startAuxiliaryWithRetry(ctx context.Context) (*auxiliary, error) {
	overallCtx, cancel := context.WithTimeout(ctx, ReadyTimeout)
	defer cancel()

	b := backoff.Decorr(25*time.Millisecond, 250*time.Millisecond)
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		aux, err := a.startAuxiliary(overallCtx)
		if err == nil {
			return aux, nil
		}
		lastErr = err
		if trace.Unwrap(err) == trace.Unwrap(brokererr.ErrAdapterUnavailable) {
			return nil, lastErr
		}
		if backoffErr := b.Do(overallCtx); backoffErr != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// startAuxiliary brings up the loopback HTTP context and waits for its
// READY handshake, per spec.md §4.3.
func (a *Adapter) startAuxiliary(parent context.Context) (*auxiliary, error) {
	httpSrv, err := utils.NewHTTP(utils.HTTPConfig{Listen: a.cfg.Listen})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	aux := &auxiliary{
		http:   httpSrv,
		remote: resty.New().SetBaseURL(a.cfg.RemoteBaseURL).SetTimeout(CallTimeout),
	}
	aux.registerRoutes()

	process := job.NewProcess(context.Background())
	aux.process = process
	aux.done = process.Done()

	readiness := &job.Readiness{}
	process.SpawnFunc(func(ctx context.Context) error {
		job.SetReady(ctx, true)
		go func() {
			<-job.Stopped(ctx)
			_ = httpSrv.Shutdown(context.Background())
		}()
		return httpSrv.ListenAndServe(ctx)
	}, job.Critical(true), job.WithReadiness(readiness))

	readyCtx, readyCancel := context.WithTimeout(parent, ReadyTimeout)
	defer readyCancel()
	ok, err := readiness.WaitReady(readyCtx)
	if err != nil || !ok {
		process.Stop()
		return nil, trace.Wrap(brokererr.ErrAdapterUnavailable, "auxiliary did not become ready")
	}
	return aux, nil
}

// forwardRequest is the envelope Call sends across the loopback boundary
// to the auxiliary, which is the only context that actually dials
// RemoteBaseURL.
type forwardRequest struct {
	Path   string      `json:"path"`
	Method string      `json:"method"`
	Body   interface{} `json:"body,omitempty"`
}

func (aux *auxiliary) registerRoutes() {
	aux.http.GET("/health", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	aux.http.POST("/forward", aux.handleForward)
}

// handleForward runs inside the auxiliary's own job, on the far side of
// the loopback boundary from the background process: it is the only place
// that ever issues a request to RemoteBaseURL.
func (aux *auxiliary) handleForward(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var freq forwardRequest
	if err := json.NewDecoder(r.Body).Decode(&freq); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	req := aux.remote.R().SetContext(r.Context())
	if freq.Body != nil {
		req = req.SetBody(freq.Body)
	}

	var resp *resty.Response
	var err error
	switch freq.Method {
	case http.MethodGet:
		resp, err = req.Get(freq.Path)
	case http.MethodPost:
		resp, err = req.Post(freq.Path)
	case http.MethodDelete:
		resp, err = req.Delete(freq.Path)
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err != nil {
		if lib.IsDeadline(err) {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(resp.StatusCode())
	_, _ = w.Write(resp.Body())
}

// Ping issues a liveness probe against the current auxiliary. A caller
// observing false should recreate the auxiliary (spec.md §4.3).
func (a *Adapter) Ping(ctx context.Context) bool {
	a.mu.Lock()
	aux := a.current
	a.mu.Unlock()
	if aux == nil {
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, aux.http.BaseURL().String()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Reset tears down the current auxiliary, so the next Call recreates it.
// Used when Ping reports staleness.
func (a *Adapter) Reset() {
	a.mu.Lock()
	aux := a.current
	a.current = nil
	a.mu.Unlock()
	if aux != nil {
		aux.process.Stop()
		<-aux.done
	}
}

// Call crosses the loopback boundary into the auxiliary and asks it to
// issue one (path, method, body) request to the remote service, returning
// the parsed response body (spec.md §4.3's call envelope). The background
// process never dials RemoteBaseURL itself; it only ever talks to the
// auxiliary's own `/forward` route. Implements storageclient.Caller.
func (a *Adapter) Call(ctx context.Context, path, method string, body interface{}) (json.RawMessage, error) {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		return nil, trace.Wrap(brokererr.ErrInvalidArgument, "unsupported method %q", method)
	}

	aux, err := a.ensureAuxiliary(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	payload, err := json.Marshal(forwardRequest{Path: path, Method: method, Body: body})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, aux.http.BaseURL().String()+"/forward", bytes.NewReader(payload))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if lib.IsDeadline(err) {
			return nil, trace.Wrap(brokererr.ErrTimeout)
		}
		return nil, trace.Wrap(brokererr.ErrUpstreamFailure, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if resp.StatusCode == http.StatusGatewayTimeout {
		return nil, trace.Wrap(brokererr.ErrTimeout)
	}
	if resp.StatusCode >= 300 {
		return nil, trace.Wrap(brokererr.ErrUpstreamFailure, "status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	// Sniff the envelope shape before handing it to storageclient's strict
	// decode: a remote that returns something other than a JSON object
	// (an HTML error page behind a misconfigured proxy, a bare array) is
	// classified here rather than surfacing a confusing unmarshal error
	// two layers up.
	if !gjson.ValidBytes(respBody) || !gjson.GetBytes(respBody, "@this").IsObject() {
		return nil, trace.Wrap(brokererr.ErrUpstreamFailure, "response was not a JSON object")
	}
	return json.RawMessage(respBody), nil
}

// Shutdown tears down the auxiliary, if running.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	aux := a.current
	a.current = nil
	a.mu.Unlock()
	if aux == nil {
		return nil
	}
	_ = ctx
	aux.process.Stop()
	<-aux.done
	return nil
}
