package pagegate

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Lifecycle drives installation priming and generation activation. It only
// touches partition identity, never individual entries of retained
// partitions.
type Lifecycle struct {
	cfg   Config
	store *Store
	fetch Fetcher
	hub   *Hub
	log   *zap.Logger
}

func NewLifecycle(cfg Config, store *Store, fetch Fetcher, hub *Hub, log *zap.Logger) *Lifecycle {
	return &Lifecycle{cfg: cfg, store: store, fetch: fetch, hub: hub, log: log}
}

// Install primes the content partition with the configured precache paths.
// Any failure surfaces and aborts installation; activation must not run
// after a failed install.
func (l *Lifecycle) Install(ctx context.Context) error {
	if err := l.store.OpenPartition(l.cfg.ContentPartition()); err != nil {
		return fmt.Errorf("open content partition: %w", err)
	}
	for _, p := range l.cfg.Precache {
		desc := RequestDescriptor{
			Method: http.MethodGet,
			URL:    l.cfg.Server.Origin + p,
		}
		snap, err := l.fetch.Fetch(ctx, desc)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		if !snap.OK() {
			return fmt.Errorf("precache %s: unexpected status %d", p, snap.Status)
		}
		if err := l.store.Put(l.cfg.ContentPartition(), desc.Key(), snap); err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
	}
	l.log.Info("install complete",
		zap.String("partition", l.cfg.ContentPartition()),
		zap.Int("primed", len(l.cfg.Precache)),
	)
	return nil
}

// Activate runs once per activation transition: it claims every open
// uncontrolled session, deletes every partition outside the current
// whitelist, and broadcasts the new version to all sessions. Deletions and
// the broadcast run concurrently; a failure deleting one partition never
// blocks the others. Activate returns only after everything it started has
// settled. Running it again with nothing left to prune changes nothing.
func (l *Lifecycle) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	claimed := l.hub.ClaimAll()

	names, err := l.store.ListPartitions()
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	keep := make(map[string]struct{}, 3)
	for _, n := range l.cfg.Whitelist() {
		keep[n] = struct{}{}
	}

	var wg sync.WaitGroup
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := l.store.DeletePartition(name); err != nil {
				l.log.Warn("failed to delete stale partition",
					zap.String("partition", name), zap.Error(err))
				return
			}
			l.log.Info("deleted stale partition", zap.String("partition", name))
		}(name)
	}

	var notified int
	wg.Add(1)
	go func() {
		defer wg.Done()
		notified = l.hub.Broadcast(Outbound{Type: MsgUpdated, Version: l.cfg.Version})
	}()

	wg.Wait()
	l.log.Info("activation complete",
		zap.String("version", l.cfg.Version),
		zap.Int("claimed", claimed),
		zap.Int("notified", notified),
	)
	return nil
}
