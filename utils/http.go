package utils

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

// HTTPConfig configures a loopback HTTP listener.
type HTTPConfig struct {
	// Listen is the address the server binds, e.g. "127.0.0.1:0" to let the
	// kernel pick a free port.
	Listen string `toml:"listen"`
	// Hostname, if set, is used to build BaseURL when RawBaseURL is empty.
	Hostname string `toml:"host"`
	// RawBaseURL overrides BaseURL entirely, mostly for tests.
	RawBaseURL string `toml:"base-url"`
}

// HTTP is a tiny wrapper around net/http plus httprouter, scoped to a
// loopback-only listener: the auxiliary network-adapter context has no
// externally reachable surface, so there is no TLS/basic-auth here, unlike
// a plugin's public-facing callback server.
type HTTP struct {
	HTTPConfig
	baseURL *url.URL
	*httprouter.Router
	server   http.Server
	listener net.Listener
}

// BaseURL builds a base url depending on either "base-url" or "host" setting.
func (conf *HTTPConfig) BaseURL() (*url.URL, error) {
	if raw := conf.RawBaseURL; raw != "" {
		return url.Parse(raw)
	}
	if host := conf.Hostname; host != "" {
		return &url.URL{Scheme: "http", Host: host}, nil
	}
	return &url.URL{Scheme: "http"}, nil
}

// NewHTTP creates a new HTTP wrapper bound (but not yet listening) to its
// configured loopback address.
func NewHTTP(config HTTPConfig) (*HTTP, error) {
	baseURL, err := config.BaseURL()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	router := httprouter.New()

	listener, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return nil, trace.Wrap(err, "failed to bind loopback listener")
	}
	baseURL.Host = listener.Addr().String()

	return &HTTP{
		HTTPConfig: config,
		baseURL:    baseURL,
		Router:     router,
		server:     http.Server{Addr: config.Listen, Handler: router},
		listener:   listener,
	}, nil
}

// BuildURLPath joins path segments, URL-escaping each one.
func BuildURLPath(args ...interface{}) string {
	var pathArgs []string
	for _, a := range args {
		var str string
		switch v := a.(type) {
		case string:
			str = v
		default:
			str = fmt.Sprint(v)
		}
		pathArgs = append(pathArgs, url.PathEscape(str))
	}
	return path.Join(pathArgs...)
}

// ListenAndServe serves on the listener NewHTTP bound until ctx is done.
func (h *HTTP) ListenAndServe(ctx context.Context) error {
	defer log.Debug("auxiliary HTTP context terminated")

	listener := h.listener

	h.server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}
	go func() {
		<-ctx.Done()
		h.server.Close()
	}()

	log.Debugf("starting auxiliary HTTP context on %s", listener.Addr())
	if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return trace.Wrap(err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (h *HTTP) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// ShutdownWithTimeout stops the server gracefully, bounding the wait.
func (h *HTTP) ShutdownWithTimeout(ctx context.Context, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	return h.Shutdown(ctx)
}

// BaseURL returns the url on which the server is reachable: the address
// NewHTTP bound, with any ":0" port already resolved.
func (h *HTTP) BaseURL() *url.URL {
	u := *h.baseURL
	return &u
}

// NewURL builds a url for a specific path and query parameters.
func (h *HTTP) NewURL(subpath string, values url.Values) *url.URL {
	u := h.BaseURL()
	u.Path = path.Join(u.Path, subpath)
	if values != nil {
		u.RawQuery = values.Encode()
	}
	return u
}
