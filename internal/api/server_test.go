package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"doc-converter/internal/capture"
	"doc-converter/internal/config"
	"doc-converter/internal/dispatch"
	"doc-converter/internal/engine"
	"doc-converter/internal/lifecycle"
	"doc-converter/internal/models"
	"doc-converter/internal/queue"
	"doc-converter/internal/ratelimit"
	"doc-converter/internal/storage"
	"doc-converter/internal/store"
)

type apiFixture struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	jobs    *lifecycle.Manager
	storage storage.Backend
	handler http.Handler
}

func newAPIFixture(t *testing.T, mutate func(*config.Config)) *apiFixture {
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
		MaxErrorLength:    256,
		MaxUploadBytes:    10 << 20,
		SessionTTL:        time.Hour,
		SessionMaxPages:   50,
		RateLimitCapacity: 100,
		RateLimitRefill:   100,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zap.NewNop()
	st := store.New(client)
	q := queue.NewRedisQueue(client, cfg.VisibilityTimeout)
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	router := dispatch.New(cfg, logger)
	jobs := lifecycle.NewManager(st, q, router, backend, nil, cfg, logger)
	sessions := capture.NewAssembler(st, jobs, backend, cfg, logger)
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := New(cfg, jobs, st, sessions, backend, router, limiter, nil, logger)
	return &apiFixture{
		cfg:     cfg,
		store:   st,
		queue:   q,
		jobs:    jobs,
		storage: backend,
		handler: server.Router(),
	}
}

func (f *apiFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.Header.Get("X-Client-ID") == "" {
		req.Header.Set("X-Client-ID", "c1")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func multipartUpload(t *testing.T, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.Copy(fw, strings.NewReader(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/jobs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) models.Job {
	t.Helper()
	var job models.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	return job
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestSubmitJobAccepted(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)

	rec := f.do(t, multipartUpload(t, "report.md", "# Report", map[string]string{"to_format": "html"}))
	require.Equal(t, http.StatusAccepted, rec.Code)

	job := decodeJob(t, rec)
	require.Equal(t, models.StatusPending, job.Status)
	require.Equal(t, "markdown", job.FromFormat)
	require.Equal(t, "c1", job.ClientID)

	// Input staged and task queued.
	rc, err := f.storage.Open(ctx, job.ID, storage.SourcePrefix+"report.md")
	require.NoError(t, err)
	rc.Close()
	task, ok, err := f.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, task.JobID)
}

func TestSubmitUnsupportedFormatRejected(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)

	rec := f.do(t, multipartUpload(t, "report.md", "# Report", map[string]string{"to_format": "gif"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_failed", errorCode(t, rec))

	// Rejection happens before any state is written.
	_, ok, err := f.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	ids, err := f.store.ClientJobs(ctx, "c1", 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSubmitRequiresToFormat(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, multipartUpload(t, "report.md", "# Report", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_failed", errorCode(t, rec))
}

func TestSubmitRateLimited(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.RateLimitCapacity = 1
		cfg.RateLimitRefill = 0.001
	})

	rec := f.do(t, multipartUpload(t, "a.md", "# a", map[string]string{"to_format": "html"}))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, multipartUpload(t, "b.md", "# b", map[string]string{"to_format": "html"}))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", errorCode(t, rec))
}

func TestSubmitInsufficientStorage(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.MinFreeBytes = 1 << 62
	})
	rec := f.do(t, multipartUpload(t, "a.md", "# a", map[string]string{"to_format": "html"}))
	require.Equal(t, http.StatusInsufficientStorage, rec.Code)
	require.Equal(t, "insufficient_storage", errorCode(t, rec))
}

func TestGetJobNotFound(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", errorCode(t, rec))
}

func TestDownloadLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)

	rec := f.do(t, multipartUpload(t, "report.md", "# Report", map[string]string{"to_format": "html"}))
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decodeJob(t, rec)

	// Not finished yet.
	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/download", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "not_ready", errorCode(t, rec))

	// Complete the job by hand.
	_, err := f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.storage.Save(ctx, job.ID, storage.OutputPrefix+"report.html", strings.NewReader("<h1>Report</h1>"))
	require.NoError(t, err)
	require.NoError(t, f.jobs.CompleteSuccess(ctx, job.ID, engine.Result{
		Output: "report.html", ProducedBy: engine.NameStandard,
	}, 1))

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<h1>Report</h1>", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), "report.html")

	got, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DownloadedAt)

	// Files swept but the record still present: 410, not 404.
	require.NoError(t, f.storage.DeleteJob(ctx, job.ID))
	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/download", nil))
	require.Equal(t, http.StatusGone, rec.Code)
	require.Equal(t, "expired", errorCode(t, rec))
}

func TestDownloadMultifileZip(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)

	rec := f.do(t, multipartUpload(t, "scan.pdf", "%PDF-1.4", map[string]string{"to_format": "markdown"}))
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decodeJob(t, rec)

	_, err := f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.storage.Save(ctx, job.ID, storage.OutputPrefix+"scan.md", strings.NewReader("# Scan"))
	require.NoError(t, err)
	_, err = f.storage.Save(ctx, job.ID, storage.OutputPrefix+"images/page-1.png", strings.NewReader("png"))
	require.NoError(t, err)
	require.NoError(t, f.jobs.CompleteSuccess(ctx, job.ID, engine.Result{
		Output:     "scan.md",
		Extras:     []string{"images/page-1.png"},
		ProducedBy: engine.NameVision,
	}, 1))

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Body.Bytes())
}

func TestCancelAndConflict(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)

	rec := f.do(t, multipartUpload(t, "a.md", "# a", map[string]string{"to_format": "html"}))
	job := decodeJob(t, rec)

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, models.StatusRevoked, decodeJob(t, rec).Status)

	// Second cancel: the job is no longer pending.
	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/cancel", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "too_late", errorCode(t, rec))

	// The withdrawn task is gone from the queue.
	_, ok, err := f.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRetryEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)

	rec := f.do(t, multipartUpload(t, "a.md", "# a", map[string]string{"to_format": "html"}))
	job := decodeJob(t, rec)

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/retry", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "not_retryable", errorCode(t, rec))

	_, err := f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.jobs.CompleteFailure(ctx, job.ID, "engine crashed", 1))

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/retry", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	retried := decodeJob(t, rec)
	require.True(t, retried.IsRetry)
	require.Equal(t, job.ID, retried.OriginalJobID)
}

func TestListJobs(t *testing.T) {
	f := newAPIFixture(t, nil)

	first := decodeJob(t, f.do(t, multipartUpload(t, "a.md", "# a", map[string]string{"to_format": "html"})))
	second := decodeJob(t, f.do(t, multipartUpload(t, "b.md", "# b", map[string]string{"to_format": "html"})))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Jobs, 2)
	require.Equal(t, second.ID, body.Jobs[0].ID)
	require.Equal(t, first.ID, body.Jobs[1].ID)
}

func TestFormatsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/formats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Formats map[string][]string `json:"formats"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Contains(t, body.Formats["markdown"], "html")
	require.Contains(t, body.Formats["pdf"], "markdown")
	require.Contains(t, body.Formats["png"], "jpeg")
}

func TestSessionFlow(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/sessions",
		strings.NewReader(`{"to_format":"html","title":"Meeting Notes"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess models.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))
	require.Equal(t, models.SessionActive, sess.Status)

	for seq, content := range map[int]string{2: "second", 1: "first"} {
		payload := fmt.Sprintf(`{"seq":%d,"content":%q}`, seq, content)
		rec = f.do(t, httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/pages",
			strings.NewReader(payload)))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/finish", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decodeJob(t, rec)
	require.Equal(t, "meeting-notes.md", job.Filename)

	// Finish replay returns the same job.
	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/finish", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, job.ID, decodeJob(t, rec).ID)
}

func TestSessionValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_failed", errorCode(t, rec))

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/sessions",
		strings.NewReader(`{"to_format":"html"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess models.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/pages",
		strings.NewReader(`{"seq":0,"content":"x"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/finish", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation_failed", errorCode(t, rec))

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/sessions/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
