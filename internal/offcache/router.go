package offcache

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// ResponseHeader names where a proxied response came from.
const ResponseHeader = "X-Offcache"

// Router classifies each request and hands it to the strategy for its
// category. Until the lifecycle is active every request goes straight to the
// network.
type Router struct {
	origin     *url.URL
	classifier *Classifier
	lifecycle  *Lifecycle
	net        Fetcher
	strategies map[Category]Strategy
	stats      *statsCollector
}

type RouterOptions struct {
	Origin     *url.URL
	Classifier *Classifier
	Lifecycle  *Lifecycle
	Registry   Registry
	Fetcher    Fetcher
	Freshness  Freshness
	Log        *rateLimitedLogger
	Stats      *statsCollector
}

func NewRouter(opts RouterOptions) *Router {
	exec := func(logical string) executor {
		return executor{
			reg:   opts.Registry,
			store: opts.Lifecycle.StoreName(logical),
			net:   opts.Fetcher,
			log:   opts.Log,
		}
	}
	return &Router{
		origin:     opts.Origin,
		classifier: opts.Classifier,
		lifecycle:  opts.Lifecycle,
		net:        opts.Fetcher,
		stats:      opts.Stats,
		strategies: map[Category]Strategy{
			CategoryCatalog: &catalogStrategy{executor: exec(CatalogStore), fresh: opts.Freshness},
			CategoryImage:   &imageStrategy{executor: exec(ImageStore)},
			CategoryStatic:  &staticStrategy{executor: exec(StaticStore)},
		},
	}
}

// Handle resolves r against the origin, classifies it and runs the matching
// strategy. It always returns a response.
func (rt *Router) Handle(ctx context.Context, r *http.Request) Result {
	req := r.Clone(ctx)
	req.URL = resolve(rt.origin, r.URL)
	req.Host = req.URL.Host
	req.RequestURI = ""

	res := rt.dispatch(ctx, req)
	rt.stats.Observe(res.Source, len(res.Entry.Body))
	return res
}

func (rt *Router) dispatch(ctx context.Context, r *http.Request) Result {
	if !rt.lifecycle.Active() {
		res := passThrough(ctx, rt.net, r)
		if res.Source == SourceBypass {
			res.Source = SourceInactive
		}
		return res
	}
	info := rt.classifier.Classify(r)
	if info.Bypass {
		return passThrough(ctx, rt.net, r)
	}
	return rt.strategies[info.Category].Handle(ctx, r, info)
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := rt.Handle(r.Context(), r)
	writeEntry(w, res.Entry, string(res.Source))
}

func writeEntry(w http.ResponseWriter, ent Entry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, ResponseHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeader(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSourceHeader(h http.Header, source string) {
	if source != "" {
		h.Set(ResponseHeader, source)
	}
	// Browsers hide custom headers from scripts unless they are exposed.
	ensureExposedHeader(h, ResponseHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
