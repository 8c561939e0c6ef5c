package offcache

import (
	"net/http"
	"time"
)

// Entry is a stored response. Entries are replaced on write, never mutated
// in place.
type Entry struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	StoredAt   int64 // unix nanoseconds, UTC
}

// Clone returns a deep copy so a stored entry never aliases the one handed
// back to a caller.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// Source tells where a response came from. It is exposed as X-Offcache.
type Source string

const (
	SourceHit      Source = "hit"
	SourceStale    Source = "stale"
	SourceMiss     Source = "miss"
	SourceNetwork  Source = "network"
	SourceBypass   Source = "bypass"
	SourceOffline  Source = "offline"
	SourceInactive Source = "inactive"
)

// Result is what every handling path returns. There is always an Entry.
type Result struct {
	Entry  Entry
	Source Source
}

func synthesize(status int, body string) Entry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Entry{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     h,
		Body:       []byte(body),
		StoredAt:   time.Now().UTC().UnixNano(),
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
