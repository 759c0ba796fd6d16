package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// ExpiredTokenCleaner deactivates tokens whose expiry has passed.
type ExpiredTokenCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// ExpirySweeper periodically deactivates expired tokens.
type ExpirySweeper struct {
	scheduler gocron.Scheduler
	cleaner   ExpiredTokenCleaner
	logger    *zap.Logger
	interval  time.Duration
}

// NewExpirySweeper schedules the sweep every interval. The first run happens
// immediately after Start.
func NewExpirySweeper(cleaner ExpiredTokenCleaner, interval time.Duration, logger *zap.Logger) (*ExpirySweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &ExpirySweeper{
		scheduler: scheduler,
		cleaner:   cleaner,
		logger:    logger,
		interval:  interval,
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.sweep),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("expired-token-sweep"),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("register sweep job: %w", err)
	}
	return s, nil
}

// Start begins running scheduled sweeps.
func (s *ExpirySweeper) Start() {
	s.scheduler.Start()
	s.logger.Info("expired token sweep scheduled", zap.Duration("interval", s.interval))
}

// Shutdown stops the scheduler and waits for a running sweep to finish.
func (s *ExpirySweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}

func (s *ExpirySweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	start := time.Now()
	affected, err := s.cleaner.CleanupExpired(ctx)
	if err != nil {
		s.logger.Error("expired token sweep failed", zap.Error(err))
		return
	}
	if affected > 0 {
		s.logger.Info("expired tokens deactivated",
			zap.Int64("count", affected),
			zap.Duration("duration", time.Since(start)))
	}
}
