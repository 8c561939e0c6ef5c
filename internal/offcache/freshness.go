package offcache

import (
	"net/http"
	"time"
)

// CachedAtHeader records when a catalog entry was written. It is kept on the
// entry returned to callers.
const CachedAtHeader = "Cached-At"

// DefaultFreshness is the catalog freshness window.
const DefaultFreshness = 30 * time.Minute

// Freshness decides whether a stored entry can be served without
// revalidation. A zero MaxAge means presence alone is enough.
type Freshness struct {
	MaxAge time.Duration
	Now    func() time.Time
}

func (f Freshness) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Fresh reports whether now - cached-at < MaxAge. Entries without a readable
// Cached-At header are stale.
func (f Freshness) Fresh(ent Entry) bool {
	if f.MaxAge <= 0 {
		return true
	}
	at, ok := cachedAt(ent.Header)
	if !ok {
		return false
	}
	return f.now().Sub(at) < f.MaxAge
}

// Stamp sets Cached-At on ent to the current time.
func (f Freshness) Stamp(ent *Entry) {
	if ent.Header == nil {
		ent.Header = make(http.Header)
	}
	now := f.now().UTC()
	ent.Header.Set(CachedAtHeader, now.Format(time.RFC3339Nano))
	ent.StoredAt = now.UnixNano()
}

func cachedAt(h http.Header) (time.Time, bool) {
	v := h.Get(CachedAtHeader)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
