package models

import (
	"strconv"
	"time"
)

// Capture session states.
const (
	SessionActive     = "active"
	SessionPaused     = "paused"
	SessionAssembling = "assembling"
	SessionDone       = "done"
)

// Session groups ordered page fragments submitted by a capture client
// before they are assembled into a single conversion job.
type Session struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Title     string    `json:"title"`
	ToFormat  string    `json:"to_format"`
	ClientID  string    `json:"client_id,omitempty"`
	PageCount int       `json:"page_count"`
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Fields flattens the session into its Redis hash representation.
// The page contents live in a separate hash keyed by sequence number.
func (s Session) Fields() map[string]string {
	f := map[string]string{
		"status":     s.Status,
		"title":      s.Title,
		"to_format":  s.ToFormat,
		"created_at": s.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	setString(f, "client_id", s.ClientID)
	setString(f, "job_id", s.JobID)
	return f
}

// SessionFromFields rebuilds a session from its hash representation.
func SessionFromFields(id string, f map[string]string) Session {
	s := Session{
		ID:       id,
		Status:   f["status"],
		Title:    f["title"],
		ToFormat: f["to_format"],
		ClientID: f["client_id"],
		JobID:    f["job_id"],
	}
	s.CreatedAt = parseTime(f["created_at"])
	s.PageCount, _ = strconv.Atoi(f["page_count"])
	return s
}
