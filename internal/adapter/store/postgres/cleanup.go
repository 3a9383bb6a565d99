package postgres

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService enforces occurrence retention: terminal occurrences older
// than the retention window are deleted together with their logs. Jobs,
// version snapshots and the failed-occurrence projection are kept.
type CleanupService struct {
	Occurrences   *OccurrenceStore
	RetentionDays int
}

func NewCleanupService(occ *OccurrenceStore, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupService{Occurrences: occ, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal occurrences past retention.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)
	deleted, err := s.Occurrences.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("occurrence retention cleanup completed",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

// RunPeriodic cleans on an interval until ctx ends. An initial pass runs
// immediately so restarts do not defer overdue deletions.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
