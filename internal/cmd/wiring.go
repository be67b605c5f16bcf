package cmd

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/stridemirror/stridemirror/internal/config"
	"github.com/stridemirror/stridemirror/internal/core/engine"
	"github.com/stridemirror/stridemirror/internal/core/store"
	"github.com/stridemirror/stridemirror/internal/upstream"
)

// syncComponents is the wired sync engine sharing one store handle.
type syncComponents struct {
	cfg      *config.Config
	store    *store.Store
	tracker  *engine.Tracker
	leases   *engine.LeaseManager
	queue    *engine.RetryQueue
	gatherer *engine.Gatherer
	reporter *engine.Reporter
}

func (c *syncComponents) close() error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Close()
}

// newUpstreamClient builds the upstream adapter from config. A zero
// timeout leaves the HTTP client nil so the adapter's own default
// applies.
func newUpstreamClient(cfg *config.Config) *upstream.Client {
	client := &upstream.Client{
		BaseURL:  cfg.Upstream.BaseURL,
		Token:    cfg.Upstream.Token,
		PageSize: cfg.Upstream.PageSize,
	}
	if cfg.Upstream.Timeout > 0 {
		client.Client = &http.Client{Timeout: cfg.Upstream.Timeout}
	}
	return client
}

// buildSync opens the store and wires the quota tracker, lease manager,
// retry queue, and gatherer together. The queue re-fetches deferred
// pages through the gatherer, and the gatherer parks unfinished work on
// the queue.
func buildSync(ctx context.Context, logger *zap.Logger) (*syncComponents, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration is not loaded")
	}

	db, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	client := newUpstreamClient(cfg)

	tracker := &engine.Tracker{
		Store:      db,
		Limit15Min: cfg.Quota.Limit15Min,
		LimitDaily: cfg.Quota.LimitDaily,
		Margin:     cfg.Quota.Margin,
		Logger:     logger,
	}

	leases := &engine.LeaseManager{
		Store: db,
		TTL:   cfg.Sync.LeaseTTL,
	}

	queue := &engine.RetryQueue{
		Store:       db,
		Quota:       tracker,
		AccountID:   cfg.Upstream.AccountID,
		MaxAttempts: cfg.Sync.MaxAttempts,
		Logger:      logger,
	}

	gatherer := &engine.Gatherer{
		Quota:            tracker,
		Leases:           leases,
		Queue:            queue,
		Fetcher:          client,
		Activities:       db,
		AccountID:        cfg.Upstream.AccountID,
		TransientRetries: cfg.Sync.TransientRetries,
		Logger:           logger,
	}
	queue.Worker = gatherer

	reporter := &engine.Reporter{
		Quota:  tracker,
		Leases: leases,
		Depths: db,
	}

	return &syncComponents{
		cfg:      cfg,
		store:    db,
		tracker:  tracker,
		leases:   leases,
		queue:    queue,
		gatherer: gatherer,
		reporter: reporter,
	}, nil
}
