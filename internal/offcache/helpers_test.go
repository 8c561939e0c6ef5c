package offcache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const testOrigin = "https://clinic.test"

var errNetworkDown = errors.New("network down")

func newTestRegistry(t *testing.T) *levelRegistry {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	reg := newLevelRegistry(db, 0)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

// fakeNet serves canned entries keyed by "METHOD URL" and counts calls.
type fakeNet struct {
	mu      sync.Mutex
	calls   int
	offline bool
	routes  map[string]Entry
	seen    []string
}

func newFakeNet() *fakeNet {
	return &fakeNet{routes: map[string]Entry{}}
}

func (f *fakeNet) Fetch(ctx context.Context, r *http.Request) (Entry, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	k := method + " " + r.URL.String()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = append(f.seen, k)
	if f.offline {
		return Entry{}, errNetworkDown
	}
	ent, ok := f.routes[k]
	if !ok {
		return textEntry(http.StatusNotFound, "not found"), nil
	}
	return ent.Clone(), nil
}

func (f *fakeNet) set(method, rawURL string, ent Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+rawURL] = ent
}

func (f *fakeNet) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeNet) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textEntry(status int, body string) Entry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return Entry{Status: status, StatusText: http.StatusText(status), Header: h, Body: []byte(body)}
}

func jsonEntry(body string) Entry {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return Entry{Status: http.StatusOK, StatusText: "OK", Header: h, Body: []byte(body)}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newRequest(t *testing.T, method, target string, dest string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	if dest != "" {
		r.Header.Set(DestinationHeader, dest)
	}
	return r
}

// harness wires a lifecycle and router over one registry and fake network.
type harness struct {
	reg    Registry
	net    *fakeNet
	clock  *fakeClock
	lc     *Lifecycle
	router *Router
}

func defaultShell() []string { return []string{"/", "/manifest.json", "/favicon.ico"} }

func seedShell(n *fakeNet) {
	n.set(http.MethodGet, testOrigin+"/", textEntry(http.StatusOK, "<html>shell</html>"))
	n.set(http.MethodGet, testOrigin+"/manifest.json", jsonEntry(`{"name":"clinic"}`))
	n.set(http.MethodGet, testOrigin+"/favicon.ico", textEntry(http.StatusOK, "ico"))
}

func newHarness(t *testing.T, reg Registry, n *fakeNet, version string) *harness {
	t.Helper()
	origin := mustURL(t, testOrigin)
	clock := newFakeClock()
	lc := NewLifecycle(LifecycleOptions{
		Version:  version,
		Origin:   origin,
		Shell:    defaultShell(),
		Registry: reg,
		Fetcher:  n,
		LockTTL:  time.Second,
		MaxWait:  time.Second,
	})
	router := NewRouter(RouterOptions{
		Origin:     origin,
		Classifier: NewClassifier([]string{"/rest/v1/", "/api/"}, []string{"catalog-items", "testimonials", "faqs", "contact-info", "message-templates"}),
		Lifecycle:  lc,
		Registry:   reg,
		Fetcher:    n,
		Freshness:  Freshness{MaxAge: DefaultFreshness, Now: clock.Now},
		Log:        newRateLimitedLogger(time.Minute),
		Stats:      newStatsCollector(),
	})
	return &harness{reg: reg, net: n, clock: clock, lc: lc, router: router}
}

// activeHarness installs and activates the given version.
func activeHarness(t *testing.T, version string) *harness {
	t.Helper()
	n := newFakeNet()
	seedShell(n)
	h := newHarness(t, newTestRegistry(t), n, version)
	ctx := context.Background()
	require.NoError(t, h.lc.Install(ctx))
	_, err := h.lc.Activate(ctx)
	require.NoError(t, err)
	return h
}

func storeKeys(t *testing.T, reg Registry, name string) []string {
	t.Helper()
	s, err := reg.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := s.Keys(context.Background())
	require.NoError(t, err)
	return keys
}
