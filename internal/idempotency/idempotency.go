// Package idempotency implements the request-deduplication layer: a
// client-supplied key plus a (method, path, repo scope) and a content
// hash of the request collapse concurrent and retried mutations into a
// single effect.
//
// The in-flight join uses golang.org/x/sync/singleflight, purpose-built
// for exactly this "wait for whoever is already doing this work" shape.
// A bounded github.com/hashicorp/golang-lru/v2 cache fronts the
// persistent record store, trading a little memory for avoiding a store
// round trip on the hot replay path.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"overseer/internal/domain"
	"overseer/internal/errkind"
	"overseer/internal/metrics"
)

const cacheSize = 4096

// Store persists idempotency records beyond process lifetime.
type Store interface {
	Get(ctx context.Context, key, scopeHash string) (domain.IdempotencyRecord, bool, error)
	Put(ctx context.Context, rec domain.IdempotencyRecord) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Keyer computes the scope and request hashes of spec §4.8.
type Keyer struct{}

// ScopeHash hashes method+path+repoID per spec §4.8.
func (Keyer) ScopeHash(method, path, repoID string) string {
	sum := sha256.Sum256([]byte(method + "|" + path + "|" + repoID))
	return hex.EncodeToString(sum[:])
}

// RequestHash hashes the canonicalized query and body per spec §4.8:
// query pairs sorted by key, and JSON-object bodies with keys sorted
// (arrays keep their order; non-object bodies pass through verbatim).
func (Keyer) RequestHash(query map[string][]string, body []byte) (string, error) {
	canonQuery := canonicalizeQuery(query)
	canonBody, err := canonicalizeJSON(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonQuery + "|" + canonBody))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalizeQuery(query map[string][]string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		vs := append([]string(nil), query[k]...)
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strings.Join(vs, ","))
	}
	return sb.String()
}

func canonicalizeJSON(body []byte) (string, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body), nil
	}
	out, err := canonicalEncode(v)
	if err != nil {
		return "", err
	}
	return out, nil
}

func canonicalEncode(v any) (string, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			vs, err := canonicalEncode(t[k])
			if err != nil {
				return "", err
			}
			sb.WriteString(vs)
		}
		sb.WriteByte('}')
		return sb.String(), nil
	case []any:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			es, err := canonicalEncode(e)
			if err != nil {
				return "", err
			}
			sb.WriteString(es)
		}
		sb.WriteByte(']')
		return sb.String(), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// Handler is the mutating operation guarded by an idempotency key; it
// returns the HTTP-shaped (status, body) pair to be cached and replayed.
type Handler func(ctx context.Context) (status int, body []byte, err error)

// Gate deduplicates calls to Handler by (key, scopeHash, requestHash).
type Gate struct {
	store   Store
	cache   *lru.Cache[string, domain.IdempotencyRecord]
	flight  singleflight.Group
	keyer   Keyer
	metrics *metrics.Recorder
}

// New builds a Gate backed by store, fronted by a bounded in-memory cache.
func New(store Store, rec *metrics.Recorder) *Gate {
	cache, err := lru.New[string, domain.IdempotencyRecord](cacheSize)
	if err != nil {
		panic(err)
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	return &Gate{store: store, cache: cache, metrics: rec}
}

func cacheKey(key, scopeHash string) string { return key + "|" + scopeHash }

// RunGC deletes every store record past its TTL, per spec §3.2's 24h
// idempotency-record lifetime. Stale cache entries are not evicted here.
// Do treats an expired record, cached or stored, as a miss only for a
// request with the same request hash; a different request hash still fails
// with Conflict while the record remains in the cache or the store.
func (g *Gate) RunGC(ctx context.Context) (int, error) {
	return g.store.DeleteExpired(ctx, timeNow())
}

// Keyer exposes the hash helpers for callers building a request context.
func (g *Gate) Keyer() Keyer { return g.keyer }

// Do executes fn under the idempotency gate for (key, scopeHash,
// requestHash), per spec §4.8's four-branch protocol. key may be empty,
// meaning the caller opted out of idempotency; in that case fn always
// runs and nothing is cached.
func (g *Gate) Do(ctx context.Context, key, scopeHash, requestHash string, fn Handler) (status int, body []byte, err error) {
	if key == "" {
		return fn(ctx)
	}

	ck := cacheKey(key, scopeHash)

	if rec, ok, lookupErr := g.lookup(ctx, ck); lookupErr == nil && ok {
		if rec.RequestHash != requestHash {
			return 0, nil, errkind.TaskConflict("idempotency key %q already used with a different request", key)
		}
		if time.Now().Before(rec.ExpiresAt) {
			g.metrics.RecordIdempotencyHit(ctx)
			return rec.ResponseStatus, rec.ResponseBody, nil
		}
	}
	g.metrics.RecordIdempotencyMiss(ctx)

	v, sfErr, _ := g.flight.Do(ck, func() (any, error) {
		if rec, ok, lookupErr := g.lookup(ctx, ck); lookupErr == nil && ok && rec.RequestHash == requestHash && time.Now().Before(rec.ExpiresAt) {
			return rec, nil
		}

		st, b, handlerErr := fn(ctx)
		if handlerErr != nil && st < 500 {
			return nil, handlerErr
		}

		rec := domain.IdempotencyRecord{
			Key:            key,
			ScopeHash:      scopeHash,
			RequestHash:    requestHash,
			ResponseStatus: st,
			ResponseBody:   b,
			CreatedAt:      timeNow(),
			ExpiresAt:      timeNow().Add(domain.IdempotencyTTL),
		}
		if putErr := g.store.Put(ctx, rec); putErr != nil {
			return nil, putErr
		}
		g.cache.Add(ck, rec)
		return rec, handlerErr
	})
	if sfErr != nil {
		return 0, nil, sfErr
	}
	rec := v.(domain.IdempotencyRecord)
	return rec.ResponseStatus, rec.ResponseBody, nil
}

func (g *Gate) lookup(ctx context.Context, ck string) (domain.IdempotencyRecord, bool, error) {
	if rec, ok := g.cache.Get(ck); ok {
		return rec, true, nil
	}
	parts := strings.SplitN(ck, "|", 2)
	if len(parts) != 2 {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("malformed idempotency cache key %q", ck)
	}
	rec, ok, err := g.store.Get(ctx, parts[0], parts[1])
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	if ok {
		g.cache.Add(ck, rec)
	}
	return rec, ok, nil
}

// timeNow is a seam so tests can stub the clock if ever needed; production
// always uses wall time.
var timeNow = time.Now
