package pagegate

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	cfg.Server.Origin = "http://app.example"
	cfg.Version = "v3"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "db")
	require.NoError(t, cfg.compile())
	return cfg
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestMetrics() *metrics {
	return newMetrics(prometheus.NewRegistry())
}

func newTestStrategies(cfg Config, store *Store, fetch Fetcher) *Strategies {
	return NewStrategies(cfg, store, fetch, NewClassifier(cfg), zap.NewNop(), newTestMetrics())
}

func newTestMailbox(cfg Config, store *Store) *Mailbox {
	return NewMailbox(cfg, store, zap.NewNop(), newTestMetrics())
}

// countingFetcher wraps a Fetcher and counts network calls.
type countingFetcher struct {
	mu sync.Mutex
	n  int
	fn FetcherFunc
}

func (c *countingFetcher) Fetch(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, error) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.fn(ctx, desc)
}

func (c *countingFetcher) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func okSnap(body string) ResponseSnapshot {
	return ResponseSnapshot{
		Status:     http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(body),
		CapturedAt: time.Now().Unix(),
	}
}
