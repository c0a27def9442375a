package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetentionConfig drives the periodic audit log purge.
type RetentionConfig struct {
	// Days is the age after which records are purged; 0 disables the job.
	Days     int
	Interval time.Duration
}

// RunRetention purges old audit records once at start and then every
// cfg.Interval until ctx is done. It returns immediately when disabled.
func (s *LogService) RunRetention(ctx context.Context, cfg RetentionConfig) {
	logger := s.logger.Named("retention")
	if cfg.Days <= 0 || cfg.Interval <= 0 {
		logger.Info("log retention disabled")
		return
	}
	logger.Info("log retention started", zap.Int("days", cfg.Days), zap.Duration("interval", cfg.Interval))

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	s.runPurge(ctx, logger, cfg.Days)
	for {
		select {
		case <-ctx.Done():
			logger.Info("log retention stopped")
			return
		case <-ticker.C:
			s.runPurge(ctx, logger, cfg.Days)
		}
	}
}

func (s *LogService) runPurge(ctx context.Context, logger *zap.Logger, days int) {
	start := time.Now()
	n, err := s.PurgeOlderThan(ctx, days)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("log retention run failed", zap.Error(err))
		}
		return
	}
	logger.Debug("log retention run complete", zap.Int64("deleted", n), zap.Duration("duration", time.Since(start)))
}
