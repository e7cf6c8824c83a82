package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// startMaintenance wires the recurring chores: a status heartbeat so idle
// clients' dashboards stay live without polling, and, when persistence and
// a retention window are configured, a daily sweep of old job_logs rows.
func (s *Server) startMaintenance() error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("cluster: create maintenance scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(s.cfg.StatusInterval),
		gocron.NewTask(func() {
			s.met.ObserveHost()
			s.BroadcastStatus()
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("cluster: schedule status heartbeat: %w", err)
	}

	if s.st != nil && s.cfg.LogRetention > 0 {
		_, err = cron.NewJob(
			gocron.DurationJob(24*time.Hour),
			gocron.NewTask(s.pruneLogs),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("cluster: schedule log retention sweep: %w", err)
		}
	}

	cron.Start()
	s.cron = cron
	s.log.Info("maintenance scheduler started",
		zap.Duration("status_interval", s.cfg.StatusInterval),
		zap.Duration("log_retention", s.cfg.LogRetention))
	return nil
}

func (s *Server) pruneLogs() {
	cutoff := time.Now().Add(-s.cfg.LogRetention).UnixMilli()
	rows, err := s.st.PruneLogsBefore(context.Background(), cutoff)
	if err != nil {
		s.log.Warn("log retention sweep failed", zap.Error(err))
		s.met.StoreFailures.Inc()
		return
	}
	if rows > 0 {
		s.log.Info("old job logs pruned",
			zap.Int64("rows", rows),
			zap.Int64("cutoff_ms", cutoff))
	}
}
