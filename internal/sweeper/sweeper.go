package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"doc-converter/internal/config"
	"doc-converter/internal/models"
	"doc-converter/internal/storage"
	"doc-converter/internal/store"
	"doc-converter/internal/telemetry"
)

// Archiver persists a terminal job row before its metadata is deleted.
// Nil disables archiving.
type Archiver interface {
	ArchiveJob(ctx context.Context, job models.Job) error
}

// Sweeper enforces the retention policy on a fixed interval. Deletion order
// is archive row, then files, then metadata: a crash mid-sweep leaves an
// orphaned-but-harmless record, never a dangling file reference.
type Sweeper struct {
	store   *store.Store
	storage storage.Backend
	archive Archiver
	cfg     config.Config
	logger  *zap.Logger
	now     func() time.Time
}

func New(st *store.Store, backend storage.Backend, archive Archiver, cfg config.Config, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:   st,
		storage: backend,
		archive: archive,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Start schedules periodic sweeps. SkipIfStillRunning drops a tick while the
// previous sweep is in flight, so sweeps never overlap.
func (s *Sweeper) Start(ctx context.Context) *cron.Cron {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.SweepInterval), func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep aborted", zap.Error(err))
		}
	})
	if err != nil {
		// Interval comes from config; a parse failure here is a programming error.
		s.logger.Fatal("schedule sweep", zap.Error(err))
	}
	c.Start()
	return c
}

// Sweep scans all job records once and deletes the expired ones. A failure
// on one job is logged and does not stop the rest of the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	divisor := s.graceDivisor()
	if divisor > 1 {
		s.logger.Warn("low disk space, emergency sweep",
			zap.Int("grace_divisor", divisor))
	}

	now := s.now()
	swept := 0
	err := s.store.ScanJobs(ctx, func(job models.Job) error {
		if !s.eligible(job, now, divisor) {
			return nil
		}
		if err := s.delete(ctx, job); err != nil {
			telemetry.SweepErrors.Inc()
			s.logger.Error("sweep job", zap.String("job_id", job.ID), zap.Error(err))
			return nil
		}
		swept++
		telemetry.JobsSwept.Inc()
		return nil
	})
	if err != nil {
		return swept, fmt.Errorf("scan jobs: %w", err)
	}
	return swept, nil
}

// eligible evaluates the mutually exclusive policy rules. PENDING and
// PROCESSING jobs are never eligible regardless of age: a stuck job is a bug
// to surface, not something to silently garbage-collect.
func (s *Sweeper) eligible(job models.Job, now time.Time, divisor int) bool {
	switch job.Status {
	case models.StatusFailure, models.StatusRevoked:
		return job.CompletedAt != nil &&
			now.Sub(*job.CompletedAt) >= s.cfg.FailureGrace/time.Duration(divisor)
	case models.StatusSuccess:
		if job.DownloadedAt != nil {
			return now.Sub(*job.DownloadedAt) >= s.cfg.PostDownloadGrace/time.Duration(divisor)
		}
		return job.CompletedAt != nil &&
			now.Sub(*job.CompletedAt) >= s.cfg.UndownloadedGrace/time.Duration(divisor)
	default:
		return false
	}
}

func (s *Sweeper) delete(ctx context.Context, job models.Job) error {
	if s.archive != nil {
		if err := s.archive.ArchiveJob(ctx, job); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	if err := s.storage.DeleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("delete files: %w", err)
	}
	if err := s.store.DeleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	s.logger.Info("swept job",
		zap.String("job_id", job.ID),
		zap.String("status", job.Status))
	return nil
}

// graceDivisor shortens all grace periods when free space drops under the
// emergency low-water mark. Same algorithm, tighter clock.
func (s *Sweeper) graceDivisor() int {
	if s.cfg.EmergencyFreeBytes <= 0 || s.cfg.EmergencyGraceFactor <= 1 {
		return 1
	}
	free, err := s.storage.FreeBytes()
	if err != nil || free == storage.FreeUnknown {
		return 1
	}
	if free < s.cfg.EmergencyFreeBytes {
		return s.cfg.EmergencyGraceFactor
	}
	return 1
}
