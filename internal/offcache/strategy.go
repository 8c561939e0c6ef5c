package offcache

import (
	"context"
	"errors"
	"net/http"
)

// Strategy is the read/write/fallback protocol for one request category.
// Handle always returns a response; failures degrade to a stale entry or a
// synthesized one.
type Strategy interface {
	Handle(ctx context.Context, r *http.Request, info RequestInfo) Result
}

// executor holds what every strategy needs.
type executor struct {
	reg   Registry
	store string
	net   Fetcher
	log   *rateLimitedLogger
}

// open returns nil when the store cannot be opened; callers then behave as
// on a cache miss.
func (e *executor) open(ctx context.Context) Store {
	s, err := e.reg.Open(ctx, e.store)
	if err != nil {
		e.log.Printf("store=%s op=open err=%v", e.store, err)
		return nil
	}
	return s
}

func (e *executor) lookup(ctx context.Context, s Store, key string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	ent, err := s.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log.Printf("store=%s op=get key=%q err=%v", e.store, key, err)
		}
		return Entry{}, false
	}
	return ent, true
}

func (e *executor) write(ctx context.Context, s Store, key string, ent Entry) {
	if s == nil {
		return
	}
	if err := s.Put(ctx, key, ent); err != nil {
		e.log.Printf("store=%s op=put key=%q err=%v", e.store, key, err)
	}
}

// ---- catalog-api: network first, bounded staleness ----

type catalogStrategy struct {
	executor
	fresh Freshness
}

func (c *catalogStrategy) Handle(ctx context.Context, r *http.Request, info RequestInfo) Result {
	if info.Bypass || !info.Read {
		return passThrough(ctx, c.net, r)
	}

	key := requestKey(r.Method, r.URL)
	s := c.open(ctx)
	cached, hit := c.lookup(ctx, s, key)
	if hit && c.fresh.Fresh(cached) {
		return Result{Entry: cached, Source: SourceHit}
	}

	ent, err := c.net.Fetch(ctx, r)
	if err != nil {
		if hit {
			return Result{Entry: cached, Source: SourceStale}
		}
		return Result{Entry: synthesize(http.StatusServiceUnavailable, "Network error"), Source: SourceOffline}
	}
	if ent.OK() {
		stamped := ent.Clone()
		c.fresh.Stamp(&stamped)
		c.write(ctx, s, key, stamped)
		return Result{Entry: ent, Source: SourceMiss}
	}
	return Result{Entry: ent, Source: SourceNetwork}
}

// ---- image-asset: cache first, no expiry ----

type imageStrategy struct {
	executor
}

func (c *imageStrategy) Handle(ctx context.Context, r *http.Request, info RequestInfo) Result {
	if info.Bypass || !info.Read {
		return passThrough(ctx, c.net, r)
	}

	key := requestKey(r.Method, r.URL)
	s := c.open(ctx)
	if cached, ok := c.lookup(ctx, s, key); ok {
		return Result{Entry: cached, Source: SourceHit}
	}

	ent, err := c.net.Fetch(ctx, r)
	if err != nil {
		return Result{Entry: synthesize(http.StatusNotFound, "Image not found"), Source: SourceOffline}
	}
	if !ent.OK() {
		return Result{Entry: ent, Source: SourceNetwork}
	}
	c.write(ctx, s, key, ent.Clone())
	return Result{Entry: ent, Source: SourceMiss}
}

// ---- static-asset: cache first, successful reads persisted ----

type staticStrategy struct {
	executor
}

func (c *staticStrategy) Handle(ctx context.Context, r *http.Request, info RequestInfo) Result {
	var s Store
	var key string
	if info.Read && !info.Bypass {
		key = requestKey(r.Method, r.URL)
		s = c.open(ctx)
		if cached, ok := c.lookup(ctx, s, key); ok {
			return Result{Entry: cached, Source: SourceHit}
		}
	}

	ent, err := c.net.Fetch(ctx, r)
	if err != nil {
		return Result{Entry: synthesize(http.StatusServiceUnavailable, "Offline"), Source: SourceOffline}
	}
	if s == nil || !ent.OK() {
		return Result{Entry: ent, Source: SourceNetwork}
	}
	c.write(ctx, s, key, ent.Clone())
	return Result{Entry: ent, Source: SourceMiss}
}

// passThrough sends r to the network without touching any store.
func passThrough(ctx context.Context, net Fetcher, r *http.Request) Result {
	ent, err := net.Fetch(ctx, r)
	if err != nil {
		return Result{Entry: synthesize(http.StatusServiceUnavailable, "Network error"), Source: SourceOffline}
	}
	return Result{Entry: ent, Source: SourceBypass}
}
