package pagegate

import (
	"net/http"
	"net/url"
	"strings"
)

// Classifier assigns intercepted requests to routing buckets. It is a pure
// predicate over the descriptor: no side effects, always returns a bucket.
type Classifier struct {
	origins    []string
	extensions []string
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{
		origins:    cfg.StaticAssets.Origins,
		extensions: cfg.StaticAssets.Extensions,
	}
}

// Classify picks the routing bucket for a descriptor. Static-asset matching
// runs first and is exclusive; document applies only to top-level
// navigations that did not match it.
func (c *Classifier) Classify(desc RequestDescriptor) Bucket {
	if c.isStaticAsset(desc.URL) {
		return BucketStaticAsset
	}
	if desc.Destination == DestDocument {
		return BucketDocument
	}
	return BucketOther
}

func (c *Classifier) isStaticAsset(rawURL string) bool {
	for _, o := range c.origins {
		if strings.HasPrefix(rawURL, o) {
			return true
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	for _, ext := range c.extensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// Interceptable reports whether a request is subject to the strategies at
// all. Only plain/encrypted HTTP reads qualify; everything else passes
// through the gateway untouched, before classification.
func Interceptable(desc RequestDescriptor) bool {
	if desc.Method != http.MethodGet {
		return false
	}
	return strings.HasPrefix(desc.URL, "http://") || strings.HasPrefix(desc.URL, "https://")
}
