package application

import (
	"context"
	"log/slog"
	"time"
)

func (d *Dispatcher) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.PurgeTerminal(ctx); err != nil {
				slog.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// PurgeTerminal deletes SENT and DEAD_LETTERED records older than the
// retention period.
func (d *Dispatcher) PurgeTerminal(ctx context.Context) (int64, error) {
	if d.config.Retention <= 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.config.StoreTimeout)
	defer cancel()

	cutoff := d.now().Add(-d.config.Retention)
	n, err := d.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("purged terminal notifications", "count", n, "cutoff", cutoff)
	}
	if d.metrics != nil {
		d.metrics.RetentionDeleted(n)
	}
	return n, nil
}
