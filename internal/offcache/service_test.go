package offcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type originServer struct {
	*httptest.Server
	hits atomic.Int32
	omit string
}

func newTestOrigin(t *testing.T, omit string) *originServer {
	t.Helper()
	o := &originServer{omit: omit}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		if r.URL.Path == o.omit {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>shell</html>")
		case "/manifest.json":
			w.Header().Set("Content-Type", "application/manifest+json")
			_, _ = io.WriteString(w, `{"name":"clinic"}`)
		case "/favicon.ico":
			w.Header().Set("Content-Type", "image/x-icon")
			_, _ = io.WriteString(w, "ico")
		case "/about":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>about</html>")
		case "/media/a.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = io.WriteString(w, "png")
		case "/api/catalog-items":
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusCreated)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `[{"id":1}]`)
		case "/sitemap.xml":
			_, _ = io.WriteString(w, `<sitemapindex><sitemap><loc>`+o.URL+`/pages.xml.gz</loc></sitemap></sitemapindex>`)
		case "/pages.xml.gz":
			w.Header().Set("Content-Type", "application/gzip")
			_, _ = w.Write(gzipBytes(t, `<urlset>`+
				`<url><loc>`+o.URL+`/about</loc></url>`+
				`<url><loc>/media/a.png</loc></url>`+
				`<url><loc>https://elsewhere.test/x</loc></url>`+
				`</urlset>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func testServiceConfig(t *testing.T, origin string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = origin
	require.NoError(t, cfg.compile())
	return cfg
}

func newTestService(t *testing.T, o *originServer) *Service {
	t.Helper()
	cfg := testServiceConfig(t, o.URL)
	svc, err := newService(cfg, newTestRegistry(t), NewHTTPFetcher(o.Client(), time.Second), NewLocalLocker())
	require.NoError(t, err)
	return svc
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestService_ServesOfflineAfterStart(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, "")
	svc := newTestService(t, o)
	defer svc.Close()
	h := svc.Handler()

	require.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	rec := get(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "uninstalled", strings.TrimSpace(rec.Body.String()))

	require.NoError(t, svc.Start(ctx))
	require.Equal(t, StateActive, svc.Lifecycle().State())
	require.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	rec = get(t, h, "/api/catalog-items")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `[{"id":1}]`, rec.Body.String())
	require.Equal(t, string(SourceMiss), rec.Header().Get(ResponseHeader))

	o.Close()

	rec = get(t, h, "/api/catalog-items")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `[{"id":1}]`, rec.Body.String())
	require.Equal(t, string(SourceHit), rec.Header().Get(ResponseHeader))

	rec = get(t, h, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<html>shell</html>", rec.Body.String())
	require.Equal(t, "text/html", rec.Header().Get("Content-Type"))

	rec = get(t, h, "/never-seen")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "Offline", rec.Body.String())

	svc.logStats()
}

func TestService_StartFailsWhenShellMissing(t *testing.T) {
	o := newTestOrigin(t, "/favicon.ico")
	svc := newTestService(t, o)
	defer svc.Close()

	require.Error(t, svc.Start(context.Background()))
	require.Equal(t, StateUninstalled, svc.Lifecycle().State())
	require.Equal(t, http.StatusServiceUnavailable, get(t, svc.Handler(), "/readyz").Code)

	names, err := svc.reg.Names(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestService_Warmup(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, "")
	svc := newTestService(t, o)
	defer svc.Close()
	require.NoError(t, svc.Start(ctx))

	svc.cfg.Warmup.Sitemaps = []string{"/sitemap.xml"}
	res, err := svc.warmupOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, warmupResult{Routed: 2, Skipped: 1}, res)

	base := strings.ToLower(o.URL)
	require.Contains(t, storeKeys(t, svc.reg, "static-assets@v1"), "GET "+base+"/about")
	require.Equal(t, []string{"GET " + base + "/media/a.png"}, storeKeys(t, svc.reg, "image-assets@v1"))
}

func TestService_WarmupFailsOnBadSitemap(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, "")
	svc := newTestService(t, o)
	defer svc.Close()
	require.NoError(t, svc.Start(ctx))

	svc.cfg.Warmup.Sitemaps = []string{"/missing-sitemap.xml"}
	_, err := svc.warmupOnce(ctx)
	require.Error(t, err)
}

func TestService_CloseStopsPendingWarmup(t *testing.T) {
	o := newTestOrigin(t, "")
	cfg := testServiceConfig(t, o.URL)
	cfg.Warmup.Sitemaps = []string{"/sitemap.xml"}
	cfg.warmDelayDur = time.Hour
	cfg.statsEveryDur = time.Hour

	svc, err := newService(cfg, newTestRegistry(t), NewHTTPFetcher(o.Client(), time.Second), NewLocalLocker())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	svc.Close()
}

func TestNewService_RejectsRelativeOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Origin = "/just/a/path"
	require.NoError(t, cfg.compile())
	_, err := newService(cfg, newTestRegistry(t), newFakeNet(), NewLocalLocker())
	require.Error(t, err)
}
