package capture

import (
	"context"
	"io"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"doc-converter/internal/config"
	"doc-converter/internal/dispatch"
	"doc-converter/internal/lifecycle"
	"doc-converter/internal/models"
	"doc-converter/internal/queue"
	"doc-converter/internal/storage"
	"doc-converter/internal/store"
)

type fixture struct {
	store     *store.Store
	queue     *queue.RedisQueue
	storage   storage.Backend
	assembler *Assembler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Config{
		VisibilityTimeout: time.Minute,
		StandardTimeout:   10 * time.Second,
		VisionTimeout:     time.Minute,
		SessionTTL:        time.Hour,
		SessionMaxPages:   3,
	}
	logger := zap.NewNop()
	st := store.New(client)
	q := queue.NewRedisQueue(client, cfg.VisibilityTimeout)
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	jobs := lifecycle.NewManager(st, q, dispatch.New(cfg, logger), backend, nil, cfg, logger)

	return &fixture{
		store:     st,
		queue:     q,
		storage:   backend,
		assembler: NewAssembler(st, jobs, backend, cfg, logger),
	}
}

func TestSubmitPageReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess, err := f.assembler.CreateSession(ctx, "html", "Field Notes", "c1")
	require.NoError(t, err)

	count, err := f.assembler.SubmitPage(ctx, sess.ID, 1, "page one")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Crash-replay of the same sequence changes nothing.
	count, err = f.assembler.SubmitPage(ctx, sess.ID, 1, "page one edited")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = f.assembler.SubmitPage(ctx, sess.ID, 0, "bad")
	require.ErrorIs(t, err, ErrBadSequence)
}

func TestSubmitPageEnforcesLimitAndState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess, err := f.assembler.CreateSession(ctx, "html", "Notes", "c1")
	require.NoError(t, err)
	for seq := 1; seq <= 3; seq++ {
		_, err := f.assembler.SubmitPage(ctx, sess.ID, seq, "page")
		require.NoError(t, err)
	}
	_, err = f.assembler.SubmitPage(ctx, sess.ID, 4, "over")
	require.ErrorIs(t, err, ErrTooManyPages)

	require.NoError(t, f.assembler.Pause(ctx, sess.ID))
	_, err = f.assembler.SubmitPage(ctx, sess.ID, 2, "while paused")
	require.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, f.assembler.Resume(ctx, sess.ID))
	got, err := f.assembler.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, got.Status)
}

func TestFinishAssemblesPagesInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess, err := f.assembler.CreateSession(ctx, "html", "Trip Log", "c1")
	require.NoError(t, err)

	// Pages arrive out of order.
	_, err = f.assembler.SubmitPage(ctx, sess.ID, 2, "second page")
	require.NoError(t, err)
	_, err = f.assembler.SubmitPage(ctx, sess.ID, 1, "first page")
	require.NoError(t, err)

	job, err := f.assembler.Finish(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "trip-log.md", job.Filename)
	require.Equal(t, "markdown", job.FromFormat)
	require.Equal(t, "html", job.ToFormat)
	require.Equal(t, "c1", job.ClientID)

	rc, err := f.storage.Open(ctx, job.ID, storage.SourcePrefix+"trip-log.md")
	require.NoError(t, err)
	doc, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	require.Equal(t, "# Trip Log\n\nfirst page\n\n---\n\nsecond page\n", string(doc))

	// Exactly one convert task for the session.
	task, ok, err := f.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, task.JobID)
	_, ok, err = f.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := f.assembler.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionDone, got.Status)
	require.Equal(t, job.ID, got.JobID)
}

func TestFinishIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess, err := f.assembler.CreateSession(ctx, "html", "Notes", "c1")
	require.NoError(t, err)
	_, err = f.assembler.SubmitPage(ctx, sess.ID, 1, "only page")
	require.NoError(t, err)

	first, err := f.assembler.Finish(ctx, sess.ID)
	require.NoError(t, err)

	second, err := f.assembler.Finish(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestFinishRequiresPages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sess, err := f.assembler.CreateSession(ctx, "html", "Empty", "c1")
	require.NoError(t, err)
	_, err = f.assembler.Finish(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNoPages)
}

func TestFinishReopensSessionOnBadFormat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A to_format no engine can serve fails job creation at finish time.
	sess, err := f.assembler.CreateSession(ctx, "docx", "Notes", "c1")
	require.NoError(t, err)
	_, err = f.assembler.SubmitPage(ctx, sess.ID, 1, "only page")
	require.NoError(t, err)

	_, err = f.assembler.Finish(ctx, sess.ID)
	require.Error(t, err)

	// The session went back to active so the client can retry.
	got, err := f.assembler.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, got.Status)
}

func TestSlug(t *testing.T) {
	require.Equal(t, "trip-log", slug("Trip Log"))
	require.Equal(t, "capture", slug(""))
	require.Equal(t, "capture", slug("!!!"))
	require.Equal(t, "a-b-c", slug("  A b_C  "))
}
