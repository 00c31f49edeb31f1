package wal

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// ApplyFunc applies recovered entries, in journal order.
type ApplyFunc func(ctx context.Context, entries []*Entry) error

// Recover replays every segment left in dir by a previous run and removes
// each segment once its entries are applied. Replay must be idempotent since
// a segment may hold entries that were applied before the crash.
func Recover(ctx context.Context, dir string, apply ApplyFunc, logger *zap.Logger) (int, error) {
	startTime := time.Now()

	segments, err := ListSegments(dir)
	if err != nil {
		return 0, fmt.Errorf("recovery: failed to list segment files: %w", err)
	}

	recovered := 0
	for _, path := range segments {
		entries, skipped, err := ReadEntries(path)
		if err != nil {
			return recovered, fmt.Errorf("recovery: failed to read segment %s: %w", path, err)
		}
		if skipped > 0 {
			logger.Warn("wal: skipped corrupt entries", zap.String("segment", path), zap.Int("skipped", skipped))
		}

		if len(entries) > 0 {
			if err := apply(ctx, entries); err != nil {
				return recovered, fmt.Errorf("recovery: failed to apply segment %s: %w", path, err)
			}
		}
		recovered += len(entries)

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return recovered, fmt.Errorf("recovery: failed to remove segment %s: %w", path, err)
		}
	}

	if recovered > 0 {
		logger.Info("wal: recovered entries",
			zap.Int("entries", recovered),
			zap.Int("segments", len(segments)),
			zap.Duration("elapsed", time.Since(startTime)))
	}
	return recovered, nil
}
