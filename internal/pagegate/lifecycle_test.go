package pagegate

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func originFetcher(pages map[string]string) FetcherFunc {
	return func(ctx context.Context, desc RequestDescriptor) (ResponseSnapshot, error) {
		body, ok := pages[desc.URL]
		if !ok {
			return ResponseSnapshot{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
		}
		return okSnap(body), nil
	}
}

func TestInstallPrimesContentPartition(t *testing.T) {
	cfg := testConfig(t)
	cfg.Precache = []string{"/", "/manifest.json", "/img/icon.png"}
	store := newTestStore(t)
	fetch := originFetcher(map[string]string{
		"http://app.example/":              "<html>shell</html>",
		"http://app.example/manifest.json": `{"name":"app"}`,
		"http://app.example/img/icon.png":  "png bytes",
	})
	l := NewLifecycle(cfg, store, fetch, NewHub(zap.NewNop()), zap.NewNop())

	require.NoError(t, l.Install(context.Background()))

	for path, want := range map[string]string{
		"/":              "<html>shell</html>",
		"/manifest.json": `{"name":"app"}`,
		"/img/icon.png":  "png bytes",
	} {
		key := RequestDescriptor{Method: http.MethodGet, URL: "http://app.example" + path}.Key()
		snap, err := store.Get(cfg.ContentPartition(), key)
		require.NoError(t, err, path)
		assert.Equal(t, []byte(want), snap.Body, path)
	}
}

func TestInstallAbortsOnFetchFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Precache = []string{"/", "/missing.json"}
	store := newTestStore(t)
	fetch := originFetcher(map[string]string{
		"http://app.example/": "<html>shell</html>",
	})
	l := NewLifecycle(cfg, store, fetch, NewHub(zap.NewNop()), zap.NewNop())

	err := l.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/missing.json")
}

func TestActivatePrunesStalePartitions(t *testing.T) {
	cfg := testConfig(t) // version v3
	store := newTestStore(t)
	l := NewLifecycle(cfg, store, originFetcher(nil), NewHub(zap.NewNop()), zap.NewNop())

	for _, name := range []string{"content-v2", "runtime-v2", "content-v3", "runtime-v3", "state-v3"} {
		require.NoError(t, store.Put(name, "k", okSnap("in "+name)))
	}

	require.NoError(t, l.Activate(context.Background()))

	names, err := store.ListPartitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"content-v3", "runtime-v3", "state-v3"}, names)

	// Retained partitions keep their entries.
	snap, err := store.Get("content-v3", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("in content-v3"), snap.Body)

	// Idempotent: a second activation with nothing to prune changes nothing.
	require.NoError(t, l.Activate(context.Background()))
	names, err = store.ListPartitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"content-v3", "runtime-v3", "state-v3"}, names)
}

func TestActivateClaimsSessionsAndBroadcasts(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	hub := NewHub(zap.NewNop())
	l := NewLifecycle(cfg, store, originFetcher(nil), hub, zap.NewNop())

	a := hub.Register("T1")
	b := hub.Register("T2")

	require.NoError(t, l.Activate(context.Background()))

	assert.True(t, a.Controlled())
	assert.True(t, b.Controlled())

	for _, sess := range []*Session{a, b} {
		select {
		case msg := <-sess.Outbox():
			assert.Equal(t, MsgUpdated, msg.Type)
			assert.Equal(t, "v3", msg.Version)
		default:
			t.Fatalf("session %s did not receive the update broadcast", sess.ID)
		}
	}
}

func TestActivateCanceledContext(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	l := NewLifecycle(cfg, store, originFetcher(nil), NewHub(zap.NewNop()), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Activate(ctx), context.Canceled)
}
