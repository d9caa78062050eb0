package pagegate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Fetcher performs the real network read for a descriptor. A returned error
// means the fetch did not complete; non-success statuses come back as
// snapshots and each strategy decides what they mean.
type Fetcher interface {
	Fetch(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, error) {
	return f(ctx, desc)
}

type httpFetcher struct {
	client *http.Client
}

func newHTTPFetcher(client *http.Client) Fetcher {
	return &httpFetcher{client: client}
}

func (f *httpFetcher) Fetch(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, desc.Method, desc.URL, nil)
	if err != nil {
		return ResponseSnapshot{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	if desc.Destination != "" {
		req.Header.Set("Sec-Fetch-Dest", desc.Destination)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return ResponseSnapshot{}, fmt.Errorf("fetch %s: %w", desc.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ResponseSnapshot{}, fmt.Errorf("fetch %s: %w", desc.URL, err)
	}

	snap := ResponseSnapshot{
		Status:     resp.StatusCode,
		Header:     cloneHeader(resp.Header),
		Body:       body,
		CapturedAt: time.Now().Unix(),
	}
	snap.Header.Del("Content-Length")
	return snap, nil
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

// Result values reported alongside each served response.
const (
	ResultHit           = "hit"
	ResultMiss          = "miss"
	ResultLive          = "live"
	ResultFallbackImage = "fallback-image"
	ResultFallbackCache = "fallback-cache"
	ResultFallbackShell = "fallback-shell"
)

// Strategies executes the three request-handling strategies against the
// store and the real network. Concurrent identical misses each fetch and
// each write through; overwrites are idempotent so no deduplication is done.
type Strategies struct {
	cfg        Config
	store      *Store
	fetch      Fetcher
	classifier *Classifier
	log        *zap.Logger
	writeWarn  *rateLimitedLogger
	metrics    *metrics

	bgSem chan struct{}
	wg    sync.WaitGroup
}

func NewStrategies(cfg Config, store *Store, fetch Fetcher, cls *Classifier, log *zap.Logger, m *metrics) *Strategies {
	return &Strategies{
		cfg:        cfg,
		store:      store,
		fetch:      fetch,
		classifier: cls,
		log:        log,
		writeWarn:  newRateLimitedLogger(log, 1*time.Minute),
		metrics:    m,
		bgSem:      make(chan struct{}, 32),
	}
}

// Wait blocks until in-flight revalidations settle.
func (s *Strategies) Wait() {
	s.wg.Wait()
}

// Handle routes a descriptor through the strategy its bucket selects.
func (s *Strategies) Handle(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, string, error) {
	switch s.classifier.Classify(desc) {
	case BucketStaticAsset:
		return s.CacheFirst(ctx, desc)
	case BucketDocument:
		return s.NetworkFirst(ctx, desc)
	default:
		return s.StaleWhileRevalidate(ctx, desc)
	}
}

// CacheFirst serves static assets: a stored snapshot wins outright and the
// network is consulted only on a miss. Image destinations that cannot be
// satisfied get the designated fallback image instead of failing.
func (s *Strategies) CacheFirst(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, string, error) {
	part := s.cfg.RuntimePartition()

	snap, err := s.store.Get(part, desc.Key())
	if err == nil {
		s.metrics.cacheHits.WithLabelValues("cache_first").Inc()
		return snap, ResultHit, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.Warn("runtime partition read failed", zap.String("url", desc.URL), zap.Error(err))
	}
	s.metrics.cacheMisses.WithLabelValues("cache_first").Inc()

	fresh, err := s.fetchCounted(ctx, desc)
	if err != nil {
		if desc.Destination == DestImage {
			s.metrics.fallbacks.WithLabelValues("image").Inc()
			return s.fallbackImage(), ResultFallbackImage, nil
		}
		return ResponseSnapshot{}, "", err
	}
	if fresh.OK() {
		s.writeThrough(part, desc, fresh)
		return fresh, ResultMiss, nil
	}
	if desc.Destination == DestImage {
		s.metrics.fallbacks.WithLabelValues("image").Inc()
		return s.fallbackImage(), ResultFallbackImage, nil
	}
	// A completed non-success response is an answer; return it uncached.
	return fresh, ResultLive, nil
}

// NetworkFirst serves documents: live data wins, the content partition is
// the fallback, and the offline shell is the fallback of last resort so
// navigation never dead-ends.
func (s *Strategies) NetworkFirst(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, string, error) {
	part := s.cfg.ContentPartition()

	fresh, err := s.fetchCounted(ctx, desc)
	if err == nil && fresh.OK() {
		s.writeThrough(part, desc, fresh)
		return fresh, ResultLive, nil
	}
	if err != nil {
		s.log.Debug("network-first fetch failed", zap.String("url", desc.URL), zap.Error(err))
	}

	if cached, cerr := s.store.Get(part, desc.Key()); cerr == nil {
		s.metrics.fallbacks.WithLabelValues("cache").Inc()
		return cached, ResultFallbackCache, nil
	}

	shellKey := RequestDescriptor{
		Method: http.MethodGet,
		URL:    s.cfg.Server.Origin + s.cfg.Fallback.Shell,
	}.Key()
	if shell, serr := s.store.Get(part, shellKey); serr == nil {
		s.metrics.fallbacks.WithLabelValues("shell").Inc()
		return shell, ResultFallbackShell, nil
	}

	if err != nil {
		return ResponseSnapshot{}, "", err
	}
	// Nothing stored anywhere; the live non-success response is all we have.
	return fresh, ResultLive, nil
}

// StaleWhileRevalidate serves everything else: a stored snapshot is
// returned immediately, never waiting on the concurrent refresh; the
// refresh lands in the partition for future reads. Only a cold miss waits
// on the network.
func (s *Strategies) StaleWhileRevalidate(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, string, error) {
	part := s.cfg.ContentPartition()

	cached, err := s.store.Get(part, desc.Key())
	if err == nil {
		s.metrics.cacheHits.WithLabelValues("stale_while_revalidate").Inc()
		s.revalidateAsync(desc)
		return cached, ResultHit, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.Warn("content partition read failed", zap.String("url", desc.URL), zap.Error(err))
	}
	s.metrics.cacheMisses.WithLabelValues("stale_while_revalidate").Inc()

	fresh, ferr := s.fetchCounted(ctx, desc)
	if ferr != nil {
		return ResponseSnapshot{}, "", ferr
	}
	if fresh.OK() {
		s.writeThrough(part, desc, fresh)
	}
	return fresh, ResultMiss, nil
}

// revalidateAsync refreshes a stored snapshot in the background. A fetch
// failure leaves the stale entry untouched; a write failure is swallowed.
func (s *Strategies) revalidateAsync(desc RequestDescriptor) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fresh, err := s.fetchCounted(ctx, desc)
		if err != nil {
			s.log.Debug("revalidation fetch failed", zap.String("url", desc.URL), zap.Error(err))
			return
		}
		if !fresh.OK() {
			return
		}
		s.writeThrough(s.cfg.ContentPartition(), desc, fresh)
	}()
}

func (s *Strategies) fetchCounted(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, error) {
	s.metrics.networkFetches.Inc()
	return s.fetch.Fetch(ctx, desc)
}

// writeThrough stores a fresh snapshot as a side effect of serving it.
// Failures never fail the primary response path.
func (s *Strategies) writeThrough(partition string, desc RequestDescriptor, snap ResponseSnapshot) {
	if err := s.store.Put(partition, desc.Key(), snap); err != nil {
		s.writeWarn.Warn("write-through failed",
			zap.String("partition", partition),
			zap.String("url", desc.URL),
			zap.Error(err),
		)
	}
}

// fallbackImage serves the configured placeholder from whichever partition
// holds it, or the embedded pixel so the image fallback itself cannot fail.
func (s *Strategies) fallbackImage() ResponseSnapshot {
	if s.cfg.Fallback.Image != "" {
		key := RequestDescriptor{
			Method: http.MethodGet,
			URL:    s.cfg.Server.Origin + s.cfg.Fallback.Image,
		}.Key()
		for _, part := range []string{s.cfg.RuntimePartition(), s.cfg.ContentPartition()} {
			if snap, err := s.store.Get(part, key); err == nil {
				return snap
			}
		}
	}
	return ResponseSnapshot{
		Status:     http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"image/png"}},
		Body:       placeholderPNG(),
		CapturedAt: time.Now().Unix(),
	}
}

// 1x1 transparent PNG.
const placeholderPNGBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

var (
	placeholderOnce  sync.Once
	placeholderBytes []byte
)

func placeholderPNG() []byte {
	placeholderOnce.Do(func() {
		b, err := base64.StdEncoding.DecodeString(placeholderPNGBase64)
		if err != nil {
			panic(err)
		}
		placeholderBytes = b
	})
	return placeholderBytes
}
