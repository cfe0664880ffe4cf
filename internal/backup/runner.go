package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/metrics"
	"github.com/kevinMEH/web-vault/internal/vfs"
)

// Runner takes snapshots of a registry into a store.
type Runner struct {
	reg   *vfs.Registry
	store Store
	mu    sync.Mutex
}

// NewRunner creates a runner.
func NewRunner(reg *vfs.Registry, store Store) *Runner {
	return &Runner{reg: reg, store: store}
}

// Backup snapshots the registry and saves it.
func (r *Runner) Backup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	snap := Take(r.reg)
	data, err := Encode(snap)
	if err == nil {
		err = r.store.Save(ctx, data)
	}
	metrics.RecordBackup(time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("backup to %s: %w", r.store.Type(), err)
	}

	logging.Debug("backup saved",
		zap.String("store", r.store.Type()),
		zap.Int("vaults", len(snap.Vaults)),
		zap.Int("bytes", len(data)))
	return nil
}

// Restore loads the latest snapshot into the registry. A store with no
// snapshot restores nothing.
func (r *Runner) Restore(ctx context.Context) (int, error) {
	data, err := r.store.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	snap, err := Decode(data)
	if err != nil {
		return 0, err
	}
	n, err := Restore(r.reg, snap)
	if err != nil {
		return 0, fmt.Errorf("restore snapshot from %s: %w", snap.CreatedAt.Format(time.RFC3339), err)
	}
	logging.Info("registry restored",
		zap.String("store", r.store.Type()),
		zap.Int("vaults", n),
		zap.Time("snapshot_at", snap.CreatedAt))
	return n, nil
}

// Run backs up every interval until ctx is done.
func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Backup(ctx); err != nil {
				logging.Error("periodic backup failed", zap.Error(err))
			}
		}
	}
}
