// Package originpolicy implements the broker's per-origin allow-list and
// rate limiting (spec.md §4.7): a whitelist of permitted caller origins,
// the actions each may invoke, and a token-bucket rate limit enforced
// per origin.
//
// Grounded directly on spec.md §9's redesign note ("allocate per-origin
// bucket objects lazily") and the teacher's own unused
// `sethvargo/go-limiter` dependency, wired in here for the first time: one
// memorystore.Store per origin, since each origin may carry its own
// negotiated rate limit and the library's Config is fixed per store.
package originpolicy

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/privatedatabroker/broker/internal/brokererr"
	"github.com/privatedatabroker/broker/lib/stringset"
)

// DefaultActions is granted to an origin on first connect (spec.md §4.7).
var DefaultActions = []string{"ping", "get_identity", "store_data", "retrieve_data"}

// alwaysAdmitted are the actions an origin may invoke without having them in
// its allowed set: connecting and disconnecting itself, and the three session
// actions the router runs without an unlocked session. They are still
// charged against the origin's rate limit.
var alwaysAdmitted = map[string]bool{
	"connect": true, "disconnect": true, "unlock": true, "lock": true, "is_unlocked": true,
}

// DefaultRateLimit is granted to an origin on first connect.
var DefaultRateLimit = RateLimit{MaxRequests: 50, Window: 60 * time.Second}

// RateLimit is the token-bucket configuration of spec.md §3's Origin
// Config.
type RateLimit struct {
	MaxRequests uint64
	Window      time.Duration
}

// Outcome is the result of an admission check.
type Outcome int

const (
	Admitted Outcome = iota
	RejectNotAllowed
	RejectRateLimited
)

type record struct {
	allowedActions stringset.StringSet
	rateLimit      RateLimit
	bucket         limiterStore
	createdAt      time.Time
	lastUsedAt     time.Time
}

// limiterStore is the narrow slice of memorystore.Store's interface this
// package depends on, so tests can substitute a fake without a real clock.
type limiterStore interface {
	Take(ctx context.Context, key string) (tokens, remaining, reset uint64, ok bool, err error)
	Close(ctx context.Context) error
}

// newBucket is a seam for tests to stub bucket construction.
var newBucket = func(rl RateLimit) (limiterStore, error) {
	return memorystore.New(&memorystore.Config{
		Tokens:   rl.MaxRequests,
		Interval: rl.Window,
	})
}

// Policy owns every Origin Config and Rate Bucket (spec.md §3 ownership
// summary).
type Policy struct {
	mu      sync.Mutex
	origins map[string]*record
}

// New builds an empty Policy.
func New() *Policy {
	return &Policy{origins: make(map[string]*record)}
}

// Connect upserts an origin's record. A nil rateLimit keeps the existing
// limit (or the default, for a brand-new origin).
func (p *Policy) Connect(origin string, requestedActions []string, rateLimit *RateLimit) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, exists := p.origins[origin]
	actions := requestedActions
	if len(actions) == 0 {
		actions = DefaultActions
	}
	limit := DefaultRateLimit
	if rateLimit != nil {
		limit = *rateLimit
	} else if exists {
		limit = rec.rateLimit
	}

	if exists && rec.bucket != nil && (rateLimit != nil) {
		_ = rec.bucket.Close(context.Background())
		rec.bucket = nil
	}

	allowed := stringset.New(actions...)

	now := time.Now()
	if exists {
		rec.allowedActions = allowed
		rec.rateLimit = limit
		rec.lastUsedAt = now
	} else {
		rec = &record{
			allowedActions: allowed,
			rateLimit:      limit,
			createdAt:      now,
			lastUsedAt:     now,
		}
		p.origins[origin] = rec
	}
	return sortedKeys(allowed), nil
}

// Disconnect removes the origin's record entirely.
func (p *Policy) Disconnect(origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.origins[origin]; ok && rec.bucket != nil {
		_ = rec.bucket.Close(context.Background())
	}
	delete(p.origins, origin)
}

// Admit checks whether action is permitted for origin, lazily allocating
// the origin's rate-limit bucket on first admission check (spec.md §9).
func (p *Policy) Admit(ctx context.Context, origin, action string) (Outcome, error) {
	p.mu.Lock()
	rec, ok := p.origins[origin]
	if !ok {
		rec = &record{
			allowedActions: stringset.New(DefaultActions...),
			rateLimit:      DefaultRateLimit,
			createdAt:      time.Now(),
		}
		p.origins[origin] = rec
	}
	if !rec.allowedActions.Contains(action) && !alwaysAdmitted[action] {
		p.mu.Unlock()
		return RejectNotAllowed, nil
	}
	if rec.bucket == nil {
		bucket, err := newBucket(rec.rateLimit)
		if err != nil {
			p.mu.Unlock()
			return Admitted, trace.Wrap(err)
		}
		rec.bucket = bucket
	}
	bucket := rec.bucket
	p.mu.Unlock()

	_, _, _, ok2, err := bucket.Take(ctx, origin)
	if err != nil {
		return Admitted, trace.Wrap(err)
	}
	if !ok2 {
		return RejectRateLimited, nil
	}

	p.mu.Lock()
	rec.lastUsedAt = time.Now()
	p.mu.Unlock()
	return Admitted, nil
}

// AllowedActions returns the actions currently granted to origin, or
// DefaultActions if origin has never connected.
func (p *Policy) AllowedActions(origin string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.origins[origin]
	if !ok {
		return append([]string(nil), DefaultActions...)
	}
	return sortedKeys(rec.allowedActions)
}

// Evict removes the whole record (allowed actions and bucket state) of any
// origin untouched since before cutoff, bounding the map per spec.md §5's
// shared-resource policy.
func (p *Policy) Evict(cutoff time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for origin, rec := range p.origins {
		if rec.lastUsedAt.Before(cutoff) {
			if rec.bucket != nil {
				_ = rec.bucket.Close(context.Background())
			}
			delete(p.origins, origin)
		}
	}
}

func sortedKeys(set stringset.StringSet) []string {
	out := make([]string, 0, set.Len())
	for k := range set {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// IsNotAllowed reports whether outcome denotes a policy denial, surfaced
// to the router as brokererr.ErrNotAllowed.
func IsNotAllowed(o Outcome) bool { return o == RejectNotAllowed }

// IsRateLimited reports whether outcome denotes admission refusal by rate
// limit, surfaced to the router as brokererr.ErrRateLimited without
// bumping session activity (spec.md §4.8 step 3).
func IsRateLimited(o Outcome) bool { return o == RejectRateLimited }

// Err converts a non-Admitted outcome into the matching brokererr
// sentinel.
func Err(o Outcome) error {
	switch o {
	case RejectNotAllowed:
		return brokererr.ErrNotAllowed
	case RejectRateLimited:
		return brokererr.ErrRateLimited
	default:
		return nil
	}
}
