package models

import (
	"strconv"
	"time"
)

// Job lifecycle states persisted in Redis.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailure    = "failure"
	StatusRevoked    = "revoked"
)

// Sub-status of the post-conversion metadata extraction step.
const (
	MetaPending = "pending"
	MetaSuccess = "success"
	MetaFailure = "failure"
	MetaSkipped = "skipped"
)

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusSuccess || status == StatusFailure || status == StatusRevoked
}

// Job represents one conversion request and its tracked lifecycle.
// The record lives in a single Redis hash; absent timestamp fields mean null.
type Job struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`

	// Immutable request parameters.
	Filename   string `json:"filename"`
	FromFormat string `json:"from_format"`
	ToFormat   string `json:"to_format"`
	Engine     string `json:"engine"`
	ClientID   string `json:"client_id,omitempty"`

	// Set only on FAILURE; sanitized and length-bounded.
	Error string `json:"error,omitempty"`

	IsRetry       bool   `json:"is_retry,omitempty"`
	OriginalJobID string `json:"original_job_id,omitempty"`

	// Set on SUCCESS.
	OutputFile  string `json:"output_file,omitempty"`
	IsMultifile bool   `json:"is_multifile,omitempty"`
	FileCount   int    `json:"file_count,omitempty"`
	ProducedBy  string `json:"produced_by,omitempty"`
	Pages       int    `json:"pages,omitempty"`

	// Secondary metadata extraction results.
	MetaStatus    string `json:"meta_status,omitempty"`
	MetaTitle     string `json:"meta_title,omitempty"`
	MetaWordCount int    `json:"meta_word_count,omitempty"`

	CallbackURL string `json:"callback_url,omitempty"`
	WebhookSent bool   `json:"-"`

	Attempts int `json:"attempts"`
}

// Fields flattens the job into the hash representation stored in Redis.
func (j Job) Fields() map[string]string {
	f := map[string]string{
		"status":      j.Status,
		"created_at":  j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"filename":    j.Filename,
		"from_format": j.FromFormat,
		"to_format":   j.ToFormat,
		"engine":      j.Engine,
		"attempts":    strconv.Itoa(j.Attempts),
	}
	setTime(f, "started_at", j.StartedAt)
	setTime(f, "completed_at", j.CompletedAt)
	setTime(f, "downloaded_at", j.DownloadedAt)
	setString(f, "client_id", j.ClientID)
	setString(f, "error", j.Error)
	setString(f, "original_job_id", j.OriginalJobID)
	setString(f, "output_file", j.OutputFile)
	setString(f, "produced_by", j.ProducedBy)
	setString(f, "meta_status", j.MetaStatus)
	setString(f, "meta_title", j.MetaTitle)
	setString(f, "callback_url", j.CallbackURL)
	setBool(f, "is_retry", j.IsRetry)
	setBool(f, "is_multifile", j.IsMultifile)
	setBool(f, "webhook_sent", j.WebhookSent)
	setInt(f, "file_count", j.FileCount)
	setInt(f, "pages", j.Pages)
	setInt(f, "meta_word_count", j.MetaWordCount)
	return f
}

// JobFromFields rebuilds a job from its hash representation.
func JobFromFields(id string, f map[string]string) Job {
	j := Job{
		ID:            id,
		Status:        f["status"],
		Filename:      f["filename"],
		FromFormat:    f["from_format"],
		ToFormat:      f["to_format"],
		Engine:        f["engine"],
		ClientID:      f["client_id"],
		Error:         f["error"],
		OriginalJobID: f["original_job_id"],
		OutputFile:    f["output_file"],
		ProducedBy:    f["produced_by"],
		MetaStatus:    f["meta_status"],
		MetaTitle:     f["meta_title"],
		CallbackURL:   f["callback_url"],
	}
	j.CreatedAt = parseTime(f["created_at"])
	j.StartedAt = parseTimePtr(f["started_at"])
	j.CompletedAt = parseTimePtr(f["completed_at"])
	j.DownloadedAt = parseTimePtr(f["downloaded_at"])
	j.IsRetry = f["is_retry"] == "1"
	j.IsMultifile = f["is_multifile"] == "1"
	j.WebhookSent = f["webhook_sent"] == "1"
	j.FileCount, _ = strconv.Atoi(f["file_count"])
	j.Pages, _ = strconv.Atoi(f["pages"])
	j.MetaWordCount, _ = strconv.Atoi(f["meta_word_count"])
	j.Attempts, _ = strconv.Atoi(f["attempts"])
	return j
}

func setTime(f map[string]string, key string, t *time.Time) {
	if t != nil {
		f[key] = t.UTC().Format(time.RFC3339Nano)
	}
}

func setString(f map[string]string, key, v string) {
	if v != "" {
		f[key] = v
	}
}

func setBool(f map[string]string, key string, v bool) {
	if v {
		f[key] = "1"
	}
}

func setInt(f map[string]string, key string, v int) {
	if v != 0 {
		f[key] = strconv.Itoa(v)
	}
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func parseTimePtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}
