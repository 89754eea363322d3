// Package broker is the composition root: the single constructed context
// that wires every component together, replacing the original system's
// ambient singletons (spec.md §9 redesign note 1).
//
// Grounded on `access/mattermost/app.go`'s App struct: a handful of
// component fields plus an embedded process, built once in New and run
// until the process is told to stop.
package broker

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/privatedatabroker/broker/internal/brokererr"
	"github.com/privatedatabroker/broker/internal/ledger"
	"github.com/privatedatabroker/broker/internal/netadapter"
	"github.com/privatedatabroker/broker/internal/originpolicy"
	"github.com/privatedatabroker/broker/internal/router"
	"github.com/privatedatabroker/broker/internal/secretstore"
	"github.com/privatedatabroker/broker/internal/session"
	"github.com/privatedatabroker/broker/internal/storageclient"
	"github.com/privatedatabroker/broker/lib/job"
	"github.com/privatedatabroker/broker/lib/logger"
)

// Config assembles every component's configuration under one TOML tree.
type Config struct {
	Store   StoreConfig       `toml:"store"`
	Adapter netadapter.Config `toml:"adapter"`
	Log     logger.Config     `toml:"log"`
	// EvictIdle is a time.ParseDuration string (e.g. "1h"); go-toml has no
	// native duration type, so it is parsed in CheckAndSetDefaults.
	EvictIdle string `toml:"evict-idle"`

	evictIdle time.Duration
}

// StoreConfig configures the persistent and ephemeral secret stores.
type StoreConfig struct {
	// PersistentDir roots the credential blob / identity / fallback state.
	PersistentDir string `toml:"persistent-dir"`
	// EphemeralName namespaces the temp-dir-backed ephemeral mirror so
	// multiple broker instances on one host don't collide.
	EphemeralName string `toml:"ephemeral-name"`
}

// CheckAndSetDefaults validates required fields and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store.PersistentDir == "" {
		return trace.BadParameter("missing required value store.persistent-dir")
	}
	if c.Store.EphemeralName == "" {
		c.Store.EphemeralName = "default"
	}
	if c.EvictIdle == "" {
		c.evictIdle = time.Hour
	} else {
		d, err := time.ParseDuration(c.EvictIdle)
		if err != nil {
			return trace.Wrap(err, "invalid evict-idle duration %q", c.EvictIdle)
		}
		c.evictIdle = d
	}
	if err := c.Adapter.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	if c.Log.Severity == "" {
		c.Log.Severity = "info"
	}
	return nil
}

// Broker wires C1-C9 into one running process.
type Broker struct {
	conf    Config
	version string

	store     secretstore.PersistentStore
	ephemeral secretstore.EphemeralStore
	adapter   *netadapter.Adapter
	sessions  *session.Manager
	policy    *originpolicy.Policy
	ledgerMu  chan struct{} // guards client/ledger swap on unlock
	client    storageclient.Client
	ledger    *ledger.Ledger
	routerRef *router.Router

	*job.Process
}

// New constructs a Broker. version is surfaced verbatim by the ping action
// (spec.md §4.8/§8 scenario 1); callers with no meaningful version (tests)
// may pass "". The storage client and ledger are not ready until the
// session is unlocked (spec.md §4.4: "every call requires the client to be
// initialized").
func New(conf Config, version string) (*Broker, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	adapter, err := netadapter.New(conf.Adapter)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	b := &Broker{
		conf:      conf,
		version:   version,
		store:     secretstore.NewDiskStore(conf.Store.PersistentDir),
		ephemeral: secretstore.NewFileEphemeralStore(conf.Store.EphemeralName),
		adapter:   adapter,
		policy:    originpolicy.New(),
		ledgerMu:  make(chan struct{}, 1),
	}
	b.ledgerMu <- struct{}{}

	b.sessions = session.NewManager(b.store, b.ephemeral,
		session.WithOnUnlock(b.initStorageClient),
	)

	b.Process = job.NewProcess(context.Background())
	r, err := router.New(b.policy, b.sessions, b.Process, b.handlers())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b.routerRef = r

	return b, nil
}

// initStorageClient is the session manager's OnUnlock hook (spec.md §4.5:
// "hand plaintext credentials to the storage client for initialization").
func (b *Broker) initStorageClient(ctx context.Context, creds session.Credentials) error {
	client, err := storageclient.New(ctx, b.adapter, b.store, creds.APIKey, privateKeyOf(creds))
	if err != nil {
		return trace.Wrap(err)
	}

	<-b.ledgerMu
	b.client = client
	b.ledger = ledger.New(client)
	b.ledgerMu <- struct{}{}
	return nil
}

func privateKeyOf(creds session.Credentials) string {
	if creds.PrivateKey != "" {
		return creds.PrivateKey
	}
	return creds.APIKey
}

// Run spawns the background eviction loop and blocks until the broker's
// process is stopped (by Shutdown, Close, or an OS signal via
// lib.ServeSignals).
func (b *Broker) Run(ctx context.Context) error {
	b.Process.SpawnFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(b.conf.evictIdle)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.policy.Evict(time.Now().Add(-b.conf.evictIdle))
			case <-job.Stopped(ctx):
				return nil
			}
		}
	})

	<-b.Process.Done()
	return nil
}

// Dispatch is the single entry point external callers use (spec.md §4.8).
func (b *Broker) Dispatch(ctx context.Context, req router.Request) router.Response {
	return b.routerRef.Dispatch(ctx, req)
}

// Shutdown gracefully tears down the adapter and the process (satisfies
// lib/signals.go's Terminable interface via the embedded *job.Process).
func (b *Broker) Shutdown(ctx context.Context) error {
	if err := b.Process.Shutdown(ctx); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(b.adapter.Shutdown(ctx))
}

func (b *Broker) requireClient() (storageclient.Client, *ledger.Ledger, error) {
	<-b.ledgerMu
	client, ledgerRef := b.client, b.ledger
	b.ledgerMu <- struct{}{}
	if client == nil {
		return nil, nil, trace.Wrap(brokererr.ErrLocked, "storage client not initialized")
	}
	return client, ledgerRef, nil
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceField(payload map[string]interface{}, key string) []string {
	raw, ok := payload[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func metadataCollection(payload map[string]interface{}) string {
	if meta, ok := payload["metadata"].(map[string]interface{}); ok {
		return stringField(meta, "collectionId")
	}
	return stringField(payload, "collectionId")
}
