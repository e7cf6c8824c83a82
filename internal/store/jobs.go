package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/enginefarm-io/enginefarm/internal/job"
)

// UpsertJob atomically inserts or fully replaces the row keyed by its id.
func (s *Store) UpsertJob(ctx context.Context, row *Job) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("jobs: upsert: %w", err)
	}
	return nil
}

// AppendLog appends one log line for a job. Empty lines are skipped.
func (s *Store) AppendLog(ctx context.Context, jobID string, tsMS int64, line string) error {
	if line == "" {
		return nil
	}
	err := s.db.WithContext(ctx).
		Create(&JobLog{JobID: jobID, TsMS: tsMS, Line: line}).Error
	if err != nil {
		return fmt.Errorf("jobs: append log: %w", err)
	}
	return nil
}

// FetchLogTail returns the last limit log lines for a job in ascending
// timestamp order.
func (s *Store) FetchLogTail(ctx context.Context, jobID string, limit int) ([]string, error) {
	var lines []string
	err := s.db.WithContext(ctx).
		Model(&JobLog{}).
		Where("job_id = ?", jobID).
		Order("ts_ms DESC").
		Limit(limit).
		Pluck("line", &lines).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: fetch log tail: %w", err)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// LoadRecent returns up to limit rows, newest first by creation time.
// Used once at startup to rehydrate the in-memory record set.
func (s *Store) LoadRecent(ctx context.Context, limit int) ([]Job, error) {
	var rows []Job
	err := s.db.WithContext(ctx).
		Order("created_at_ms DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: load recent: %w", err)
	}
	return rows, nil
}

// ReconcileIncomplete transitions every PENDING/QUEUED/RUNNING row to
// ERROR in one transaction, stamping finished_at (where unset) and
// last_update with nowMS. It returns the affected ids so the caller can
// append a restart log line per job. Engine processes do not survive the
// server, so any row still in flight after a restart is lost work.
func (s *Store) ReconcileIncomplete(ctx context.Context, nowMS int64) ([]string, error) {
	incomplete := []int{int(job.StatusPending), int(job.StatusQueued), int(job.StatusRunning)}

	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Job{}).
			Where("status IN ?", incomplete).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&Job{}).
			Where("status IN ?", incomplete).
			Updates(map[string]interface{}{
				"status":         int(job.StatusError),
				"finished_at_ms": gorm.Expr("COALESCE(finished_at_ms, ?)", nowMS),
				"last_update_ms": nowMS,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: reconcile incomplete: %w", err)
	}
	return ids, nil
}

// PruneLogsBefore deletes log lines with ts_ms strictly older than
// cutoffMS and reports how many were removed. Jobs rows are never pruned.
func (s *Store) PruneLogsBefore(ctx context.Context, cutoffMS int64) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("ts_ms < ?", cutoffMS).
		Delete(&JobLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("jobs: prune logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
