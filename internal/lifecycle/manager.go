package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"doc-converter/internal/config"
	"doc-converter/internal/engine"
	"doc-converter/internal/models"
	"doc-converter/internal/queue"
	"doc-converter/internal/storage"
	"doc-converter/internal/store"
	"doc-converter/internal/telemetry"
)

// ValidationError rejects a request before any job is created.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ErrNotFailed is returned by Retry when the original job is not in FAILURE.
var ErrNotFailed = errors.New("only failed jobs can be retried")

// router is the slice of the dispatcher the manager needs: whether a format
// pairing has an engine at all.
type router interface {
	Supports(engineName, from, to string) bool
}

// Notifier delivers the registered callback for a job that reached a
// terminal status. A nil Notifier disables callbacks.
type Notifier interface {
	Notify(ctx context.Context, job models.Job)
}

// Manager owns job lifecycle transitions. Creation belongs to the facade
// process, claim/complete to workers, deletion to the sweeper; all of them go
// through the store's CAS scripts so no transition can run backwards.
type Manager struct {
	store    *store.Store
	queue    *queue.RedisQueue
	router   router
	storage  storage.Backend
	notifier Notifier
	cfg      config.Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(st *store.Store, q *queue.RedisQueue, r router, backend storage.Backend, notifier Notifier, cfg config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		store:    st,
		queue:    q,
		router:   r,
		storage:  backend,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateParams carries the immutable request fields of a new job. Stage
// persists the input artifact under the allocated job id; it runs after the
// record write and before the enqueue, so a worker can never claim a task
// whose input does not exist yet.
type CreateParams struct {
	Filename    string
	FromFormat  string
	ToFormat    string
	Engine      string
	ClientID    string
	CallbackURL string
	Stage       func(ctx context.Context, jobID string) error

	isRetry       bool
	originalJobID string
}

// Create validates the request, writes a PENDING record, stages the input,
// and enqueues exactly one convert task. A failure after the record write
// aborts the job to FAILURE rather than leaving a PENDING orphan.
func (m *Manager) Create(ctx context.Context, p CreateParams) (models.Job, error) {
	if p.ToFormat == "" {
		return models.Job{}, &ValidationError{Message: "to_format is required"}
	}
	if p.FromFormat == "" {
		return models.Job{}, &ValidationError{Message: "from_format could not be determined"}
	}
	if !m.router.Supports(p.Engine, p.FromFormat, p.ToFormat) {
		return models.Job{}, &ValidationError{
			Message: fmt.Sprintf("no engine can convert %s to %s", p.FromFormat, p.ToFormat),
		}
	}

	job := models.Job{
		ID:            uuid.New().String(),
		Status:        models.StatusPending,
		CreatedAt:     m.now(),
		Filename:      p.Filename,
		FromFormat:    p.FromFormat,
		ToFormat:      p.ToFormat,
		Engine:        p.Engine,
		ClientID:      p.ClientID,
		CallbackURL:   p.CallbackURL,
		IsRetry:       p.isRetry,
		OriginalJobID: p.originalJobID,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("create job record: %w", err)
	}

	if p.Stage != nil {
		if err := p.Stage(ctx, job.ID); err != nil {
			m.logger.Error("stage input failed after record write",
				zap.String("job_id", job.ID), zap.Error(err))
			m.abort(ctx, job.ID, "could not store input file")
			return models.Job{}, fmt.Errorf("stage input: %w", err)
		}
	}

	if err := m.queue.Enqueue(ctx, queue.Task{Kind: queue.KindConvert, JobID: job.ID}); err != nil {
		m.logger.Error("enqueue failed after record write",
			zap.String("job_id", job.ID), zap.Error(err))
		m.abort(ctx, job.ID, "could not queue conversion")
		return models.Job{}, fmt.Errorf("enqueue conversion task: %w", err)
	}

	telemetry.JobsSubmitted.Inc()
	return job, nil
}

// Get fetches a job record.
func (m *Manager) Get(ctx context.Context, jobID string) (models.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// Claim takes worker ownership of a PENDING job. Redelivered tasks get
// store.ErrAlreadyClaimed and must be discarded without re-running the engine.
func (m *Manager) Claim(ctx context.Context, jobID string) (models.Job, error) {
	if err := m.store.ClaimJob(ctx, jobID, m.now()); err != nil {
		return models.Job{}, err
	}
	return m.store.GetJob(ctx, jobID)
}

// CompleteSuccess transitions PROCESSING to SUCCESS with the engine outcome.
// Idempotent under duplicate task execution: the second call observes a
// non-processing status and reports store.ErrNotProcessing.
func (m *Manager) CompleteSuccess(ctx context.Context, jobID string, res engine.Result, attempts int) error {
	files := res.Files()
	fields := map[string]string{
		"output_file": storage.OutputPrefix + res.Output,
		"produced_by": res.ProducedBy,
		"attempts":    strconv.Itoa(attempts),
	}
	if len(files) > 1 {
		fields["is_multifile"] = "1"
		fields["file_count"] = strconv.Itoa(len(files))
	}
	if res.Pages > 0 {
		fields["pages"] = strconv.Itoa(res.Pages)
	}
	if res.ProducedBy == engine.NameVision {
		fields["meta_status"] = models.MetaPending
	} else {
		fields["meta_status"] = models.MetaSkipped
	}
	if err := m.store.CompleteJob(ctx, jobID, models.StatusSuccess, m.now(), fields); err != nil {
		return err
	}
	telemetry.JobsSucceeded.Inc()
	return nil
}

// CompleteFailure transitions PROCESSING to FAILURE with a bounded,
// user-safe message. Detailed errors belong in the server log, not here.
func (m *Manager) CompleteFailure(ctx context.Context, jobID, message string, attempts int) error {
	fields := map[string]string{
		"error":       m.sanitize(message),
		"attempts":    strconv.Itoa(attempts),
		"meta_status": models.MetaSkipped,
	}
	if err := m.store.CompleteJob(ctx, jobID, models.StatusFailure, m.now(), fields); err != nil {
		return err
	}
	telemetry.JobsFailed.Inc()
	return nil
}

// Retry creates a fresh job re-running a failed job's input under a new id.
// The original record is not mutated or re-queued. No cap on retries: that is
// a product policy left to callers.
func (m *Manager) Retry(ctx context.Context, jobID string) (models.Job, error) {
	original, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if original.Status != models.StatusFailure {
		return models.Job{}, ErrNotFailed
	}

	job, err := m.Create(ctx, CreateParams{
		Filename:    original.Filename,
		FromFormat:  original.FromFormat,
		ToFormat:    original.ToFormat,
		Engine:      original.Engine,
		ClientID:    original.ClientID,
		CallbackURL: original.CallbackURL,
		Stage: func(ctx context.Context, newID string) error {
			return storage.CopySource(ctx, m.storage, original.ID, newID)
		},
		isRetry:       true,
		originalJobID: original.ID,
	})
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// abort moves a PENDING job to FAILURE after a post-create step broke. The
// job is terminal now, so the registered callback fires here like it would
// from a worker.
func (m *Manager) abort(ctx context.Context, jobID, message string) {
	if err := m.store.AbortPending(ctx, jobID, m.now(), m.sanitize(message)); err != nil {
		m.logger.Error("abort pending job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if m.notifier == nil {
		return
	}
	if job, err := m.store.GetJob(ctx, jobID); err == nil {
		m.notifier.Notify(ctx, job)
	}
}

// Cancel revokes a still-pending job and best-effort removes its queued task.
// Once a worker has claimed the job it returns store.ErrTooLate.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	if err := m.store.RevokeJob(ctx, jobID, m.now()); err != nil {
		return err
	}
	if err := m.queue.Revoke(ctx, queue.Task{Kind: queue.KindConvert, JobID: jobID}); err != nil {
		m.logger.Warn("revoke queued task", zap.String("job_id", jobID), zap.Error(err))
	}
	telemetry.JobsRevoked.Inc()
	return nil
}

// MarkDownloaded stamps downloaded_at on first download; later downloads
// leave the timestamp (and the retention clock) untouched.
func (m *Manager) MarkDownloaded(ctx context.Context, jobID string) error {
	return m.store.MarkDownloaded(ctx, jobID, m.now())
}

// sanitize bounds the user-visible error and strips line structure that
// could leak stack frames or paths. Truncation backs up to a rune boundary
// so the stored message stays valid UTF-8.
func (m *Manager) sanitize(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	limit := m.cfg.MaxErrorLength
	if limit <= 0 {
		limit = 256
	}
	if len(message) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut]
	}
	return message
}
