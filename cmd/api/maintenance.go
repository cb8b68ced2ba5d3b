package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smartlog/internal/session"
)

type sessionCleaner interface {
	CleanupOldSessions(ctx context.Context, daysOld int) (session.CleanupResult, error)
}

type logPurger interface {
	PurgeLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type maintenanceSettings struct {
	interval              time.Duration
	sessionRetentionDays  int
	activityRetentionDays int
}

// startMaintenanceLoop blocks until ctx is done. A zero interval disables it.
func startMaintenanceLoop(ctx context.Context, logger *zap.Logger, sessions sessionCleaner, logs logPurger, settings maintenanceSettings) {
	if settings.interval <= 0 {
		return
	}

	runCleanupCycle(ctx, logger, sessions, logs, settings)

	ticker := time.NewTicker(settings.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCleanupCycle(ctx, logger, sessions, logs, settings)
		}
	}
}

func runCleanupCycle(ctx context.Context, logger *zap.Logger, sessions sessionCleaner, logs logPurger, settings maintenanceSettings) {
	cycleCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	result, err := sessions.CleanupOldSessions(cycleCtx, settings.sessionRetentionDays)
	if err != nil {
		logger.Warn("session cleanup failed", zap.Error(err))
	}

	var purged int64
	if settings.activityRetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -settings.activityRetentionDays)
		purged, err = logs.PurgeLogsBefore(cycleCtx, cutoff)
		if err != nil {
			logger.Warn("activity log purge failed", zap.Time("cutoff", cutoff), zap.Error(err))
		}
	}

	logger.Info("auto-cleanup completed",
		zap.String("cutoff", result.Cutoff),
		zap.Int("sessions", result.DeletedSessions),
		zap.Int("archived", result.ArchivedSessions),
		zap.Int("failures", result.Failures),
		zap.Int64("activity_rows", purged))
}
