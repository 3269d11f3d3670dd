package store

import (
	"context"
	"time"

	"github.com/hydrapool/hydrad/pkg/log"
)

// Maintenance periodically prunes share entries that have aged out of the
// payout window. Pruning is best-effort: a failed pass is logged and the
// next tick tries again.
type Maintenance struct {
	store    *Store
	logger   *log.Logger
	interval time.Duration
	ttl      time.Duration
}

// NewMaintenance creates a maintenance runner that scans every interval and
// removes entries older than ttl.
func NewMaintenance(store *Store, logger *log.Logger, interval, ttl time.Duration) *Maintenance {
	return &Maintenance{
		store:    store,
		logger:   logger.WithComponent("store-maintenance"),
		interval: interval,
		ttl:      ttl,
	}
}

// Run prunes on a fixed cadence until the context is canceled. Cancellation
// is a normal shutdown, not an error.
func (m *Maintenance) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("share chain maintenance started",
		"interval", m.interval.String(),
		"ttl", m.ttl.String())

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("share chain maintenance stopped")
			return nil
		case <-ticker.C:
			cutoff := time.Now().Add(-m.ttl)
			pruned, err := m.store.PruneOlderThan(cutoff)
			if err != nil {
				m.logger.WithError(err).Error("share chain pruning failed")
				continue
			}
			if pruned > 0 {
				m.logger.Info("pruned aged share entries", "count", pruned)
			}
		}
	}
}
