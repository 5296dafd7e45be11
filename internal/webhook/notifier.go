package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"doc-converter/internal/models"
	"doc-converter/internal/store"
	"doc-converter/internal/telemetry"
)

// Notifier delivers the per-job terminal-state callback. Delivery is
// best-effort: one attempt with a short timeout, failures logged only. The
// store-side guard makes the callback fire at most once even when duplicate
// task executions reach the terminal state concurrently.
type Notifier struct {
	store  *store.Store
	client *http.Client
	logger *zap.Logger
}

type payload struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	DownloadURL string `json:"download_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

func NewNotifier(st *store.Store, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		store:  st,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Notify posts the terminal state to the job's registered callback, if any.
func (n *Notifier) Notify(ctx context.Context, job models.Job) {
	if job.CallbackURL == "" || !models.Terminal(job.Status) {
		return
	}
	won, err := n.store.MarkWebhookSent(ctx, job.ID)
	if err != nil {
		n.logger.Warn("webhook guard", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !won {
		return
	}

	p := payload{JobID: job.ID, Status: job.Status, Error: job.Error}
	if job.Status == models.StatusSuccess {
		p.DownloadURL = fmt.Sprintf("/jobs/%s/download", job.ID)
	}
	body, err := json.Marshal(p)
	if err != nil {
		n.logger.Warn("webhook payload", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		n.logger.Warn("webhook rejected",
			zap.String("job_id", job.ID), zap.Int("status", resp.StatusCode))
		return
	}
	telemetry.WebhooksSent.Inc()
}
