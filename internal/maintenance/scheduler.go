package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"ptsmanager/internal/observability"
)

const jobTimeout = time.Minute

// Scheduler runs the cleanup task in process on a cron schedule. Overlapping
// runs are skipped.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler(task *Task, schedule string, logger *observability.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = observability.Discard()
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		if _, err := task.Run(ctx); err != nil {
			observability.CaptureError(ctx, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule cleanup %q: %w", schedule, err)
	}

	logger.Info("cleanup_scheduled", map[string]any{"schedule": schedule})
	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for a running one to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
