package offcache

import (
	"net/http"
	"path"
	"strings"
)

type Category string

const (
	CategoryCatalog Category = "catalog-api"
	CategoryImage   Category = "image-asset"
	CategoryStatic  Category = "static-asset"
)

// DestinationHeader carries the declared resource type of a request.
const DestinationHeader = "Sec-Fetch-Dest"

type RequestInfo struct {
	Category Category
	// Bypass requests go straight to the network and never touch a store.
	Bypass     bool
	Read       bool
	Collection string
	Reason     string
}

// Classifier assigns each request exactly one category.
type Classifier struct {
	prefixes    []string
	collections map[string]struct{}
}

func NewClassifier(prefixes, collections []string) *Classifier {
	c := &Classifier{collections: make(map[string]struct{}, len(collections))}
	for _, p := range prefixes {
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		c.prefixes = append(c.prefixes, p)
	}
	for _, name := range collections {
		c.collections[normalizeCollection(name)] = struct{}{}
	}
	return c
}

func (c *Classifier) Classify(r *http.Request) RequestInfo {
	read := isRead(r.Method)
	collection, remote := c.remoteCollection(r.URL.Path)

	switch {
	case remote && !read:
		return RequestInfo{Category: CategoryCatalog, Bypass: true, Collection: collection, Reason: "api-mutation"}
	case remote && collection == "":
		return RequestInfo{Category: CategoryCatalog, Bypass: true, Read: true, Reason: "api-no-collection"}
	case remote:
		if _, ok := c.collections[normalizeCollection(collection)]; !ok {
			return RequestInfo{Category: CategoryCatalog, Bypass: true, Read: true, Collection: collection, Reason: "api-not-allowed"}
		}
		return RequestInfo{Category: CategoryCatalog, Read: true, Collection: collection}
	case !read:
		return RequestInfo{Category: CategoryStatic, Bypass: true, Reason: "method-not-read"}
	case strings.EqualFold(r.Header.Get(DestinationHeader), "image"):
		return RequestInfo{Category: CategoryImage, Read: true}
	default:
		return RequestInfo{Category: CategoryStatic, Read: true}
	}
}

// remoteCollection reports whether p is under a remote-data prefix and
// returns its first path segment.
func (c *Classifier) remoteCollection(p string) (string, bool) {
	cleaned := path.Clean("/" + p)
	for _, prefix := range c.prefixes {
		if cleaned+"/" == prefix {
			return "", true
		}
		if rest, ok := strings.CutPrefix(cleaned, prefix); ok {
			seg, _, _ := strings.Cut(rest, "/")
			return seg, true
		}
	}
	return "", false
}

func normalizeCollection(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == ""
}
