package maintenance

import (
	"context"
	"time"

	"ptsmanager/internal/auth"
	"ptsmanager/internal/observability"
)

type Cleaner interface {
	CleanupExpired(ctx context.Context, now time.Time, batchSize int) (auth.CleanupResult, error)
}

type Sweeper interface {
	Sweep(now time.Time) int
}

// Task clears expired token slots in the store and drops idle login limiter
// buckets.
type Task struct {
	cleaner   Cleaner
	sweeper   Sweeper
	logger    *observability.Logger
	batchSize int
	now       func() time.Time
}

func NewTask(cleaner Cleaner, sweeper Sweeper, logger *observability.Logger, batchSize int) *Task {
	if logger == nil {
		logger = observability.Discard()
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Task{
		cleaner:   cleaner,
		sweeper:   sweeper,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

func (t *Task) Run(ctx context.Context) (auth.CleanupResult, error) {
	now := t.now().UTC()

	result, err := t.cleaner.CleanupExpired(ctx, now, t.batchSize)
	if err != nil {
		t.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		return auth.CleanupResult{}, err
	}

	if t.sweeper != nil {
		result.SweptLimiterKeys = t.sweeper.Sweep(now)
	}

	t.logger.Info("auth_cleanup_completed", map[string]any{
		"cleared_refresh_tokens": result.ClearedRefreshTokens,
		"cleared_reset_tokens":   result.ClearedResetTokens,
		"swept_limiter_keys":     result.SweptLimiterKeys,
	})

	return result, nil
}
