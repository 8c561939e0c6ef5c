package offcache

import (
	"context"
	"net/url"
	"sort"
	"strings"
)

// Registry holds named stores. Open creates a store on first use.
type Registry interface {
	Open(ctx context.Context, name string) (Store, error)
	Names(ctx context.Context) ([]string, error)
	// Delete removes the store and all of its entries. It reports whether
	// the store existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Store is a key to Entry mapping. Put replaces any prior entry for the key.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, ent Entry) error
	Keys(ctx context.Context) ([]string, error)
}

// Logical store names. The full name appends "@" and the version.
const (
	StaticStore  = "static-assets"
	CatalogStore = "catalog-api"
	ImageStore   = "image-assets"
)

var logicalStores = []string{StaticStore, CatalogStore, ImageStore}

func storeName(logical, version string) string {
	return logical + "@" + version
}

// splitStoreName returns the logical name and version of a store name.
// ok is false for names without a version suffix.
func splitStoreName(name string) (logical, version string, ok bool) {
	logical, version, ok = strings.Cut(name, "@")
	if !ok || logical == "" || version == "" {
		return "", "", false
	}
	return logical, version, true
}

// requestKey canonicalizes method and URL. Scheme and host are lower-cased,
// query parameters are sorted and the fragment is dropped.
func requestKey(method string, u *url.URL) string {
	if method == "" {
		method = "GET"
	}
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	if c.RawQuery != "" {
		c.RawQuery = c.Query().Encode()
	}
	if c.Path == "" && c.Host != "" {
		c.Path = "/"
	}
	return strings.ToUpper(method) + " " + c.String()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// evictionCandidate is one entry weighed when a store is over its byte cap.
type evictionCandidate struct {
	key  string
	size int64
	at   int64 // recency, unix nanos
}

// pickEvictions selects the least recent 10% of items (at least one) and
// keeps selecting until total fits limit. keep is never selected. It returns
// the selected keys and the remaining total.
func pickEvictions(items []evictionCandidate, keep string, total, limit int64) ([]string, int64) {
	cands := make([]evictionCandidate, 0, len(items))
	for _, it := range items {
		if it.key != keep {
			cands = append(cands, it)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].at != cands[j].at {
			return cands[i].at < cands[j].at
		}
		return cands[i].key < cands[j].key
	})

	n := max(len(cands)/10, 1)
	var out []string
	for i := 0; i < len(cands) && (i < n || total > limit); i++ {
		out = append(out, cands[i].key)
		total -= cands[i].size
	}
	return out, total
}
