package ops

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/metrics"
	"github.com/kevinMEH/web-vault/internal/storage"
)

const (
	// handleBytes random bytes give 12 hex digits.
	handleBytes = 6
	// maxCollisions bounds retries on names that are merely taken.
	maxCollisions = 1000
)

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// allocate claims a fresh random object name in area. A taken name is
// retried. Repeated unexpected errors mean the storage layer itself is
// broken, so they escalate to ErrStagingExhausted.
func (e *Engine) allocate(ctx context.Context, area string) (string, error) {
	failures, collisions := 0, 0
	for {
		name, err := randomHex(handleBytes)
		if err == nil {
			err = e.store.Reserve(ctx, area, name)
			if err == nil {
				return name, nil
			}
			if errors.Is(err, storage.ErrExist) {
				// A taken name proves the backend answers, which ends a
				// run of unexpected errors.
				failures = 0
				collisions++
				if collisions < maxCollisions {
					continue
				}
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: allocate in %s: %v", ErrIO, area, ctxErr)
		}

		failures++
		metrics.RecordAllocFailure()
		logging.Warn("storage name allocation failed",
			zap.String("area", area), zap.Int("failures", failures), zap.Error(err))
		if failures >= e.maxAllocFailures || collisions >= maxCollisions {
			wrapped := fmt.Errorf("%w: %s: %v", ErrStagingExhausted, area, err)
			e.escalate(wrapped)
			return "", wrapped
		}
	}
}

// discard deletes an object that never made it into the tree.
func (e *Engine) discard(ctx context.Context, area, name string) {
	if err := e.store.Delete(context.WithoutCancel(ctx), area, name); err != nil {
		logging.WithContext(ctx).Error("discard failed",
			zap.String("area", area), logging.Handle(name), zap.Error(err))
	}
}
