package offcache

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Fetcher performs the network round trip for a request whose URL is
// absolute. Transport failures and timeouts are errors; any HTTP status is a
// successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (Entry, error)
}

type FetchFunc func(ctx context.Context, r *http.Request) (Entry, error)

func (f FetchFunc) Fetch(ctx context.Context, r *http.Request) (Entry, error) { return f(ctx, r) }

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type httpFetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPFetcher returns a Fetcher bounded by timeout per request.
func NewHTTPFetcher(client *http.Client, timeout time.Duration) Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &httpFetcher{client: client, timeout: timeout}
}

func (f *httpFetcher) Fetch(ctx context.Context, r *http.Request) (Entry, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL.String(), body)
	if err != nil {
		return Entry{}, networkError(err, "build request")
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return Entry{}, networkError(err, method+" "+r.URL.String())
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, networkError(err, "read body of "+r.URL.String())
	}

	ent := Entry{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     cloneHeader(resp.Header),
		Body:       b,
		StoredAt:   time.Now().UTC().UnixNano(),
	}
	ent.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		ent.Header.Del(h)
	}
	return ent, nil
}

// statusText strips the numeric code from resp.Status ("200 OK" -> "OK").
func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if s := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
