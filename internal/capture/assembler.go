package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"doc-converter/internal/config"
	"doc-converter/internal/lifecycle"
	"doc-converter/internal/models"
	"doc-converter/internal/storage"
	"doc-converter/internal/store"
)

// Assembler errors surfaced to the facade.
var (
	ErrNotActive    = errors.New("session is not active")
	ErrNoPages      = errors.New("session has no pages")
	ErrTooManyPages = errors.New("session page limit reached")
	ErrBadSequence  = errors.New("sequence number must be positive")
)

// Assembler accumulates externally-submitted page fragments and, on finish,
// turns them into exactly one conversion job. Capture clients replay their
// outbox after crashes, so page submission must be idempotent by sequence
// number.
type Assembler struct {
	store   *store.Store
	jobs    *lifecycle.Manager
	storage storage.Backend
	cfg     config.Config
	logger  *zap.Logger
	now     func() time.Time
}

func NewAssembler(st *store.Store, jobs *lifecycle.Manager, backend storage.Backend, cfg config.Config, logger *zap.Logger) *Assembler {
	return &Assembler{
		store:   st,
		jobs:    jobs,
		storage: backend,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateSession allocates a new active session with the configured TTL.
func (a *Assembler) CreateSession(ctx context.Context, toFormat, title, clientID string) (models.Session, error) {
	sess := models.Session{
		ID:        uuid.New().String(),
		Status:    models.SessionActive,
		Title:     title,
		ToFormat:  toFormat,
		ClientID:  clientID,
		CreatedAt: a.now(),
	}
	if err := a.store.CreateSession(ctx, sess, a.cfg.SessionTTL); err != nil {
		return models.Session{}, err
	}
	return sess, nil
}

// GetSession returns the session with its current page count.
func (a *Assembler) GetSession(ctx context.Context, id string) (models.Session, error) {
	return a.store.GetSession(ctx, id)
}

// SubmitPage appends one page fragment. Resubmitting a sequence number is a
// no-op that returns the same count, supporting client-side replay. Returns
// the resulting page count.
func (a *Assembler) SubmitPage(ctx context.Context, id string, seq int, content string) (int, error) {
	if seq < 1 {
		return 0, ErrBadSequence
	}
	sess, err := a.store.GetSession(ctx, id)
	if err != nil {
		return 0, err
	}
	if sess.Status != models.SessionActive {
		return 0, ErrNotActive
	}
	if sess.PageCount >= a.cfg.SessionMaxPages {
		return 0, ErrTooManyPages
	}
	return a.store.AddPage(ctx, id, seq, content, a.cfg.SessionTTL)
}

// Pause suspends page submission.
func (a *Assembler) Pause(ctx context.Context, id string) error {
	return a.store.TransitionSession(ctx, id, models.SessionActive, models.SessionPaused)
}

// Resume reopens a paused session.
func (a *Assembler) Resume(ctx context.Context, id string) error {
	return a.store.TransitionSession(ctx, id, models.SessionPaused, models.SessionActive)
}

// Finish assembles the pages into one markdown document, in sequence order,
// and creates the conversion job. Exactly one job per session: a second
// finish call returns the job created by the first.
func (a *Assembler) Finish(ctx context.Context, id string) (models.Job, error) {
	sess, err := a.store.GetSession(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if sess.PageCount == 0 {
		return models.Job{}, ErrNoPages
	}

	if err := a.store.TransitionSession(ctx, id, models.SessionActive, models.SessionAssembling); err != nil {
		if errors.Is(err, store.ErrWrongState) {
			// A concurrent or earlier finish won the CAS; hand back its job.
			sess, getErr := a.store.GetSession(ctx, id)
			if getErr != nil {
				return models.Job{}, getErr
			}
			if sess.JobID != "" {
				return a.jobs.Get(ctx, sess.JobID)
			}
			return models.Job{}, ErrNotActive
		}
		return models.Job{}, err
	}

	pages, err := a.store.SessionPages(ctx, id)
	if err != nil {
		return models.Job{}, err
	}

	doc := a.assemble(sess, pages)
	filename := slug(sess.Title) + ".md"

	job, err := a.jobs.Create(ctx, lifecycle.CreateParams{
		Filename:   filename,
		FromFormat: "markdown",
		ToFormat:   sess.ToFormat,
		ClientID:   sess.ClientID,
		Stage: func(ctx context.Context, jobID string) error {
			_, err := a.storage.Save(ctx, jobID, storage.SourcePrefix+filename, strings.NewReader(doc))
			return err
		},
	})
	if err != nil {
		// Let the client fix the request and finish again.
		if casErr := a.store.TransitionSession(ctx, id, models.SessionAssembling, models.SessionActive); casErr != nil {
			a.logger.Warn("reopen session after failed finish", zap.String("session_id", id), zap.Error(casErr))
		}
		return models.Job{}, err
	}

	if err := a.store.SetSessionJob(ctx, id, job.ID); err != nil {
		a.logger.Error("record session job", zap.String("session_id", id),
			zap.String("job_id", job.ID), zap.Error(err))
	}
	return job, nil
}

func (a *Assembler) assemble(sess models.Session, pages []string) string {
	var b strings.Builder
	if sess.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", sess.Title)
	}
	for i, page := range pages {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		b.WriteString(strings.TrimSpace(page))
	}
	b.WriteString("\n")
	return b.String()
}

func slug(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	if title == "" {
		return "capture"
	}
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "capture"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
