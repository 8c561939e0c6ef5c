package offcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

type warmupResult struct {
	Routed  int
	Failed  int
	Skipped int
}

// startWarmup routes every URL found in the configured sitemaps through the
// router once, so catalog, image and static stores fill before users ask.
func (s *Service) startWarmup() {
	if len(s.cfg.Warmup.Sitemaps) == 0 {
		return
	}
	delay := s.cfg.warmDelayDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if delay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		res, err := s.warmupOnce(ctx)
		if err != nil {
			log.Printf("warmup: error: %v", err)
			return
		}
		log.Printf("warmup: routed=%d failed=%d skipped=%d", res.Routed, res.Failed, res.Skipped)
	}()
}

func (s *Service) warmupOnce(ctx context.Context) (warmupResult, error) {
	var res warmupResult
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Warmup.Sitemaps))
	for _, sm := range s.cfg.Warmup.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, 8)
	)
	finish := func(err error) (warmupResult, error) {
		wg.Wait()
		return res, err
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		smURL := s.absolute(queue[0])
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return finish(fmt.Errorf("fetch sitemap %q: %w", smURL, err))
		}
		queue = append(queue, doc.Sitemaps...)

		for _, loc := range doc.URLs {
			req, ok := s.warmupRequest(ctx, loc)
			if !ok {
				mu.Lock()
				res.Skipped++
				mu.Unlock()
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return finish(ctx.Err())
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				out := s.router.Handle(ctx, req)
				mu.Lock()
				if out.Entry.OK() {
					res.Routed++
				} else {
					res.Failed++
				}
				mu.Unlock()
			}()
		}
	}
	return finish(nil)
}

// warmupRequest builds the GET a browser would send for loc. Image URLs are
// declared as images so they land in the image store.
func (s *Service) warmupRequest(ctx context.Context, loc string) (*http.Request, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return nil, false
	}
	u, err := url.Parse(s.absolute(loc))
	if err != nil || u.Host != s.origin.Host {
		return nil, false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false
	}
	if strings.HasPrefix(mime.TypeByExtension(path.Ext(u.Path)), "image/") {
		req.Header.Set(DestinationHeader, "image")
	}
	return req, true
}

func (s *Service) absolute(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(s.origin.String(), "/") + u
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	ent, err := s.net.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !ent.OK() {
		return sitemapDoc{}, fmt.Errorf("unexpected status %d", ent.Status)
	}
	return parseSitemap(sitemapURL, ent.Body)
}

func parseSitemap(sitemapURL string, body []byte) (sitemapDoc, error) {
	// .gz sitemaps may arrive already decoded when the server also set
	// Content-Encoding, so sniff the magic bytes as well.
	gz := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if gz {
		if zr, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(zr); err == nil {
				body = unzipped
			}
			_ = zr.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
