package archive

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs the retention sweep on a cron schedule, typically during a
// low-traffic window so archival and request-path appends rarely contend for
// the same scope locks.
type Scheduler struct {
	manager   *Manager
	cron      *cron.Cron
	logger    *zap.Logger
	retention time.Duration
	timeout   time.Duration
}

// NewScheduler creates a scheduler sweeping records older than retention on
// the given cron expression (standard five-field syntax).
func NewScheduler(manager *Manager, schedule string, retention time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		manager:   manager,
		cron:      cron.New(),
		logger:    logger,
		retention: retention,
		timeout:   10 * time.Minute,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduled sweeps.
func (s *Scheduler) Start() {
	s.logger.Info("archival scheduler started", zap.Duration("retention", s.retention))
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	cutoff := time.Now().Add(-s.retention)
	if err := s.manager.ArchiveAll(ctx, cutoff); err != nil {
		s.logger.Error("retention sweep finished with errors", zap.Error(err))
		return
	}
	s.logger.Info("retention sweep complete", zap.Time("cutoff", cutoff))
}
