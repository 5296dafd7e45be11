package api

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"doc-converter/internal/archive"
	"doc-converter/internal/capture"
	"doc-converter/internal/config"
	"doc-converter/internal/dispatch"
	"doc-converter/internal/lifecycle"
	"doc-converter/internal/models"
	"doc-converter/internal/ratelimit"
	"doc-converter/internal/storage"
	"doc-converter/internal/store"
	"doc-converter/internal/telemetry"
)

// History reads archived rows for jobs the sweeper already removed from the
// live store. Nil when no archive is configured.
type History interface {
	GetJob(ctx context.Context, id string) (archive.ArchivedJob, bool, error)
	ListClientJobs(ctx context.Context, clientID string, limit int) ([]archive.ArchivedJob, error)
}

// Server wires the HTTP facade over the job lifecycle and capture sessions.
type Server struct {
	cfg      config.Config
	jobs     *lifecycle.Manager
	store    *store.Store
	sessions *capture.Assembler
	storage  storage.Backend
	router   *dispatch.Dispatcher
	limiter  *ratelimit.TokenBucket
	history  History
	validate *validator.Validate
	logger   *zap.Logger
}

func New(cfg config.Config, jobs *lifecycle.Manager, st *store.Store, sessions *capture.Assembler,
	backend storage.Backend, router *dispatch.Dispatcher, limiter *ratelimit.TokenBucket,
	history History, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		store:    st,
		sessions: sessions,
		storage:  backend,
		router:   router,
		limiter:  limiter,
		history:  history,
		validate: validator.New(),
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/download", s.handleDownload)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/formats", s.handleFormats)

	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions/{id}", s.handleGetSession)
	r.Post("/sessions/{id}/pages", s.handleSubmitPage)
	r.Post("/sessions/{id}/finish", s.handleFinishSession)
	r.Post("/sessions/{id}/pause", s.handlePauseSession)
	r.Post("/sessions/{id}/resume", s.handleResumeSession)

	return r
}

// extensionFormats maps upload extensions to format names for from_format
// inference.
var extensionFormats = map[string]string{
	".md":       "markdown",
	".markdown": "markdown",
	".html":     "html",
	".htm":      "html",
	".txt":      "txt",
	".pdf":      "pdf",
	".png":      "png",
	".jpg":      "jpeg",
	".jpeg":     "jpeg",
	".gif":      "gif",
	".tif":      "tiff",
	".tiff":     "tiff",
	".bmp":      "bmp",
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	clientID := clientFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "rate limiter unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions, slow down")
			return
		}
	}

	if free, err := s.storage.FreeBytes(); err == nil && free != storage.FreeUnknown && free < s.cfg.MinFreeBytes {
		writeError(w, http.StatusInsufficientStorage, "insufficient_storage", "not enough storage to accept uploads")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "request must be multipart form data within the upload limit")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "file field is required")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	fromFormat := r.FormValue("from_format")
	if fromFormat == "" {
		fromFormat = extensionFormats[strings.ToLower(filepath.Ext(filename))]
	}

	req := struct {
		ToFormat    string `validate:"required,alphanum"`
		CallbackURL string `validate:"omitempty,url"`
	}{
		ToFormat:    r.FormValue("to_format"),
		CallbackURL: r.FormValue("callback_url"),
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "to_format is required and callback_url must be a valid URL")
		return
	}

	job, err := s.jobs.Create(r.Context(), lifecycle.CreateParams{
		Filename:    filename,
		FromFormat:  fromFormat,
		ToFormat:    req.ToFormat,
		Engine:      r.FormValue("engine"),
		ClientID:    clientID,
		CallbackURL: req.CallbackURL,
		Stage: func(ctx context.Context, jobID string) error {
			_, err := s.storage.Save(ctx, jobID, storage.SourcePrefix+filename, file)
			return err
		},
	})
	if err != nil {
		var verr *lifecycle.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "validation_failed", verr.Message)
			return
		}
		s.logger.Error("submit job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "could not accept job")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && s.history != nil {
			if archived, ok, aerr := s.history.GetJob(r.Context(), id); aerr == nil && ok {
				writeJSON(w, http.StatusOK, map[string]any{"job": archived, "archived": true})
				return
			}
		}
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ClientJobs(r.Context(), clientFromRequest(r), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not list jobs")
		return
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.jobs.Get(r.Context(), id)
		if err != nil {
			// Swept records linger in the client index; skip them.
			continue
		}
		jobs = append(jobs, job)
	}

	resp := map[string]any{"jobs": jobs}
	if s.history != nil {
		archived, err := s.history.ListClientJobs(r.Context(), clientFromRequest(r), 100)
		if err != nil {
			s.logger.Warn("list archived jobs", zap.Error(err))
		} else if len(archived) > 0 {
			resp["archived"] = archived
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDownload streams a successful job's output. A SUCCESS record whose
// files are already swept answers 410, distinct from 404 for unknown ids.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && s.history != nil {
			if _, ok, aerr := s.history.GetJob(r.Context(), id); aerr == nil && ok {
				writeError(w, http.StatusGone, "expired", "job output has been cleaned up")
				return
			}
		}
		s.jobError(w, err)
		return
	}
	if job.Status != models.StatusSuccess {
		writeError(w, http.StatusConflict, "not_ready", fmt.Sprintf("job is %s, not %s", job.Status, models.StatusSuccess))
		return
	}

	if job.IsMultifile {
		s.downloadArchive(w, r, job)
		return
	}

	rc, err := s.storage.Open(r.Context(), job.ID, job.OutputFile)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			writeError(w, http.StatusGone, "expired", "job output has been cleaned up")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "could not read job output")
		return
	}
	defer rc.Close()

	if err := s.jobs.MarkDownloaded(r.Context(), job.ID); err != nil {
		s.logger.Warn("mark downloaded", zap.String("job_id", job.ID), zap.Error(err))
	}

	name := path.Base(job.OutputFile)
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = io.Copy(w, rc)
}

// downloadArchive zips the whole output directory of a multifile job.
func (s *Server) downloadArchive(w http.ResponseWriter, r *http.Request, job models.Job) {
	paths, err := s.storage.List(r.Context(), job.ID, storage.OutputPrefix)
	if err != nil || len(paths) == 0 {
		writeError(w, http.StatusGone, "expired", "job output has been cleaned up")
		return
	}
	sort.Strings(paths)

	if err := s.jobs.MarkDownloaded(r.Context(), job.ID); err != nil {
		s.logger.Warn("mark downloaded", zap.String("job_id", job.ID), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+".zip"))
	zw := zip.NewWriter(w)
	defer zw.Close()
	for _, p := range paths {
		rc, err := s.storage.Open(r.Context(), job.ID, p)
		if err != nil {
			s.logger.Warn("archive output file", zap.String("job_id", job.ID),
				zap.String("path", p), zap.Error(err))
			continue
		}
		entry, err := zw.Create(strings.TrimPrefix(p, storage.OutputPrefix))
		if err != nil {
			rc.Close()
			return
		}
		_, _ = io.Copy(entry, rc)
		rc.Close()
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFailed) {
			writeError(w, http.StatusConflict, "not_retryable", "only failed jobs can be retried")
			return
		}
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrTooLate) {
			writeError(w, http.StatusConflict, "too_late", "job already started or finished")
			return
		}
		s.jobError(w, err)
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleFormats reports the supported conversion routes so clients can
// validate before uploading.
func (s *Server) handleFormats(w http.ResponseWriter, _ *http.Request) {
	known := []string{"markdown", "html", "txt", "pdf", "png", "jpeg", "jpg", "gif", "tiff", "bmp"}
	routes := map[string][]string{}
	for _, from := range known {
		for _, to := range known {
			if from == to {
				continue
			}
			if s.router.Supports("", from, to) {
				routes[from] = append(routes[from], to)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"formats": routes})
}

type createSessionRequest struct {
	ToFormat string `json:"to_format" validate:"required,alphanum"`
	Title    string `json:"title" validate:"max=200"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "to_format is required")
		return
	}
	sess, err := s.sessions.CreateSession(r.Context(), req.ToFormat, req.Title, clientFromRequest(r))
	if err != nil {
		s.logger.Error("create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type submitPageRequest struct {
	Seq     int    `json:"seq" validate:"min=1"`
	Content string `json:"content" validate:"required"`
}

func (s *Server) handleSubmitPage(w http.ResponseWriter, r *http.Request) {
	var req submitPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "seq must be >= 1 and content is required")
		return
	}
	count, err := s.sessions.SubmitPage(r.Context(), chi.URLParam(r, "id"), req.Seq, req.Content)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"page_count": count})
}

func (s *Server) handleFinishSession(w http.ResponseWriter, r *http.Request) {
	job, err := s.sessions.Finish(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		var verr *lifecycle.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "validation_failed", verr.Message)
			return
		}
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	s.transitionSession(w, r, s.sessions.Pause)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	s.transitionSession(w, r, s.sessions.Resume)
}

func (s *Server) transitionSession(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrWrongState) {
			writeError(w, http.StatusConflict, "wrong_state", "session is not in the required state")
			return
		}
		s.sessionError(w, err)
		return
	}
	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such job")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "job store unavailable")
	}
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such session")
	case errors.Is(err, capture.ErrNotActive):
		writeError(w, http.StatusConflict, "wrong_state", "session is not active")
	case errors.Is(err, capture.ErrNoPages):
		writeError(w, http.StatusBadRequest, "validation_failed", "session has no pages")
	case errors.Is(err, capture.ErrTooManyPages):
		writeError(w, http.StatusBadRequest, "validation_failed", "session page limit reached")
	case errors.Is(err, capture.ErrBadSequence):
		writeError(w, http.StatusBadRequest, "validation_failed", "seq must be >= 1")
	case errors.Is(err, store.ErrWrongState):
		writeError(w, http.StatusConflict, "wrong_state", "session is not in the required state")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "session store unavailable")
	}
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
