package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"doc-converter/internal/config"
	"doc-converter/internal/dispatch"
	"doc-converter/internal/engine"
	"doc-converter/internal/lifecycle"
	"doc-converter/internal/models"
	"doc-converter/internal/queue"
	"doc-converter/internal/storage"
	"doc-converter/internal/store"
	"doc-converter/internal/telemetry"
	"doc-converter/internal/webhook"
)

// Processor drives the worker execution loop: dequeue with lease, claim,
// dispatch to the conversion engine, complete, ack. Engine failures are
// always routed through the FAILURE transition; they never crash the loop or
// leave a job stuck in PROCESSING.
type Processor struct {
	cfg        config.Config
	queue      *queue.RedisQueue
	store      *store.Store
	jobs       *lifecycle.Manager
	dispatcher *dispatch.Dispatcher
	storage    storage.Backend
	notifier   *webhook.Notifier
	logger     *zap.Logger
	workerID   string
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st *store.Store, jobs *lifecycle.Manager,
	d *dispatch.Dispatcher, backend storage.Backend, notifier *webhook.Notifier,
	logger *zap.Logger, workerID string) *Processor {
	return &Processor{
		cfg:        cfg,
		queue:      q,
		store:      st,
		jobs:       jobs,
		dispatcher: d,
		storage:    backend,
		notifier:   notifier,
		logger:     logger.With(zap.String("worker_id", workerID)),
		workerID:   workerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		task, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil || !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.handle(ctx, task)
		telemetry.InFlightGauge.Dec()
	}
}

// handle executes one task end to end, acking in every branch. Redelivery
// covers the crash-before-ack case.
func (p *Processor) handle(ctx context.Context, task queue.Task) {
	switch task.Kind {
	case queue.KindConvert:
		p.handleConvert(ctx, task)
	case queue.KindExtractMetadata:
		p.handleExtractMetadata(ctx, task)
	case queue.KindRecheck:
		p.handleRecheck(ctx, task)
	default:
		p.logger.Warn("unknown task kind", zap.String("kind", task.Kind))
		_ = p.queue.Ack(ctx, task)
	}
}

func (p *Processor) handleConvert(ctx context.Context, task queue.Task) {
	job, err := p.jobs.Claim(ctx, task.JobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Record already swept or never written; nothing to do.
		_ = p.queue.Ack(ctx, task)
		return
	case errors.Is(err, store.ErrAlreadyClaimed):
		p.superviseRedelivery(ctx, task)
		return
	case err != nil:
		// Store unavailable: leave the lease to expire and redeliver.
		p.logger.Error("claim job", zap.String("job_id", task.JobID), zap.Error(err))
		return
	}

	// Long conversions outlive the initial lease; extend it up front.
	lease := p.dispatcher.TimeoutFor(job.Engine, job.FromFormat, job.ToFormat) + p.cfg.VisibilityTimeout
	_ = p.queue.ExtendLease(ctx, task, lease)

	res, convErr := p.convert(ctx, job)
	if convErr != nil {
		p.logger.Error("conversion failed",
			zap.String("job_id", job.ID),
			zap.String("engine", job.Engine),
			zap.Error(convErr))
		message := "conversion failed"
		var engErr *engine.Error
		if errors.As(convErr, &engErr) {
			message = engErr.Message
		}
		p.finishFailure(ctx, job.ID, message, job.Attempts+1)
		_ = p.queue.Ack(ctx, task)
		p.notifyTerminal(ctx, job.ID)
		return
	}

	if err := p.jobs.CompleteSuccess(ctx, job.ID, res, job.Attempts+1); err != nil {
		if !errors.Is(err, store.ErrNotProcessing) {
			p.logger.Error("complete job", zap.String("job_id", job.ID), zap.Error(err))
		}
		_ = p.queue.Ack(ctx, task)
		return
	}
	p.logger.Info("job succeeded",
		zap.String("job_id", job.ID),
		zap.String("produced_by", res.ProducedBy),
		zap.Int("files", len(res.Files())))

	if res.ProducedBy == engine.NameVision {
		if err := p.queue.Enqueue(ctx, queue.Task{Kind: queue.KindExtractMetadata, JobID: job.ID}); err != nil {
			p.logger.Warn("enqueue metadata extraction", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	_ = p.queue.Ack(ctx, task)
	p.notifyTerminal(ctx, job.ID)
}

// convert stages the input into a scratch dir, runs the dispatcher, and
// uploads the outputs back to job storage.
func (p *Processor) convert(ctx context.Context, job models.Job) (engine.Result, error) {
	workDir, err := os.MkdirTemp("", "convert-"+job.ID)
	if err != nil {
		return engine.Result{}, engine.Transient("could not allocate scratch space")
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input", filepath.Base(job.Filename))
	if err := p.stageInput(ctx, job, inputPath); err != nil {
		return engine.Result{}, err
	}

	outDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return engine.Result{}, engine.Transient("could not allocate scratch space")
	}

	res, err := p.dispatcher.Dispatch(ctx, job.Engine, engine.Request{
		JobID:      job.ID,
		InputPath:  inputPath,
		WorkDir:    outDir,
		FromFormat: job.FromFormat,
		ToFormat:   job.ToFormat,
	})
	if err != nil {
		return engine.Result{}, err
	}

	for _, rel := range res.Files() {
		f, err := os.Open(filepath.Join(outDir, filepath.FromSlash(rel)))
		if err != nil {
			return engine.Result{}, engine.Transient("conversion output went missing")
		}
		_, saveErr := p.storage.Save(ctx, job.ID, storage.OutputPrefix+rel, f)
		f.Close()
		if saveErr != nil {
			return engine.Result{}, engine.Transient("could not store conversion output")
		}
	}
	return res, nil
}

func (p *Processor) stageInput(ctx context.Context, job models.Job, inputPath string) error {
	rc, err := p.storage.Open(ctx, job.ID, storage.SourcePrefix+job.Filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return engine.Terminal("input file is missing")
		}
		return engine.Transient("could not read input file")
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(inputPath), 0o755); err != nil {
		return engine.Transient("could not allocate scratch space")
	}
	f, err := os.Create(inputPath)
	if err != nil {
		return engine.Transient("could not allocate scratch space")
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return engine.Transient("could not read input file")
	}
	return nil
}

// superviseRedelivery handles a convert task redelivered for a job that is
// no longer PENDING. PROCESSING past the hard deadline means the owning
// worker died mid-conversion: force the job to FAILURE so it cannot sit in
// PROCESSING forever. Within the deadline, schedule a recheck for later.
func (p *Processor) superviseRedelivery(ctx context.Context, task queue.Task) {
	defer func() { _ = p.queue.Ack(ctx, task) }()

	job, err := p.store.GetJob(ctx, task.JobID)
	if err != nil || job.Status != models.StatusProcessing || job.StartedAt == nil {
		return
	}
	deadline := job.StartedAt.Add(p.hardTimeout())
	if time.Now().After(deadline) {
		p.logger.Warn("job stuck in processing, forcing failure",
			zap.String("job_id", job.ID),
			zap.Time("started_at", *job.StartedAt))
		p.finishFailure(ctx, job.ID, "conversion timed out", job.Attempts)
		p.notifyTerminal(ctx, job.ID)
		return
	}
	_ = p.queue.Schedule(ctx, queue.Task{Kind: queue.KindRecheck, JobID: job.ID}, deadline)
}

func (p *Processor) handleRecheck(ctx context.Context, task queue.Task) {
	defer func() { _ = p.queue.Ack(ctx, task) }()

	job, err := p.store.GetJob(ctx, task.JobID)
	if err != nil || job.Status != models.StatusProcessing || job.StartedAt == nil {
		return
	}
	if time.Now().After(job.StartedAt.Add(p.hardTimeout())) {
		p.logger.Warn("job stuck in processing, forcing failure",
			zap.String("job_id", job.ID))
		p.finishFailure(ctx, job.ID, "conversion timed out", job.Attempts)
		p.notifyTerminal(ctx, job.ID)
	}
}

// handleExtractMetadata runs the secondary metadata pass over a successful
// vision conversion. The meta_status guard makes redelivery a no-op.
func (p *Processor) handleExtractMetadata(ctx context.Context, task queue.Task) {
	defer func() { _ = p.queue.Ack(ctx, task) }()

	job, err := p.store.GetJob(ctx, task.JobID)
	if err != nil || job.Status != models.StatusSuccess || job.MetaStatus != models.MetaPending {
		return
	}

	rc, err := p.storage.Open(ctx, job.ID, job.OutputFile)
	if err != nil {
		p.setMetaFailure(ctx, job.ID)
		return
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		p.setMetaFailure(ctx, job.ID)
		return
	}

	title, words := summarize(string(raw))
	fields := map[string]string{
		"meta_status":     models.MetaSuccess,
		"meta_title":      title,
		"meta_word_count": fmt.Sprintf("%d", words),
	}
	if err := p.store.SetMetaResult(ctx, job.ID, fields); err != nil && !errors.Is(err, store.ErrWrongState) {
		p.logger.Warn("record metadata", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *Processor) setMetaFailure(ctx context.Context, jobID string) {
	err := p.store.SetMetaResult(ctx, jobID, map[string]string{"meta_status": models.MetaFailure})
	if err != nil && !errors.Is(err, store.ErrWrongState) {
		p.logger.Warn("record metadata failure", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (p *Processor) finishFailure(ctx context.Context, jobID, message string, attempts int) {
	if err := p.jobs.CompleteFailure(ctx, jobID, message, attempts); err != nil {
		if !errors.Is(err, store.ErrNotProcessing) {
			p.logger.Error("fail job", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

func (p *Processor) notifyTerminal(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	p.notifier.Notify(ctx, job)
}

func (p *Processor) hardTimeout() time.Duration {
	return p.cfg.VisionTimeout + 2*p.cfg.VisibilityTimeout
}

// summarize derives a display title and word count from markdown output.
func summarize(doc string) (string, int) {
	title := ""
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			title = line
			break
		}
	}
	if len(title) > 120 {
		title = title[:120]
	}
	return title, len(strings.Fields(doc))
}
