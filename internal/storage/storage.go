package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"doc-converter/internal/config"
)

// ErrNotExist is returned by Open when a job file is gone, typically because
// the sweeper already deleted it.
var ErrNotExist = errors.New("file does not exist")

// FreeUnknown is reported by backends without a meaningful capacity, e.g. S3.
const FreeUnknown int64 = -1

// Well-known locations inside a job's directory. Inputs and outputs are kept
// apart so retries can copy the source without dragging stale outputs along.
const (
	SourcePrefix = "source/"
	OutputPrefix = "output/"
)

// Backend stores job files under a per-job-id directory. Paths passed in are
// relative to that directory (e.g. "source/report.md", "output/report.html").
type Backend interface {
	Save(ctx context.Context, jobID, path string, r io.Reader) (int64, error)
	Open(ctx context.Context, jobID, path string) (io.ReadCloser, error)
	List(ctx context.Context, jobID, prefix string) ([]string, error)
	DeleteJob(ctx context.Context, jobID string) error
	FreeBytes() (int64, error)
}

// New selects a backend from config.
func New(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "", "local":
		return NewLocal(cfg.StorageDir)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// CopySource duplicates a job's source files into another job's directory.
// Used by retry, which re-runs the original input under a fresh job id.
func CopySource(ctx context.Context, b Backend, fromJobID, toJobID string) error {
	paths, err := b.List(ctx, fromJobID, SourcePrefix)
	if err != nil {
		return fmt.Errorf("list source of %s: %w", fromJobID, err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("source of %s: %w", fromJobID, ErrNotExist)
	}
	for _, p := range paths {
		rc, err := b.Open(ctx, fromJobID, p)
		if err != nil {
			return fmt.Errorf("open %s/%s: %w", fromJobID, p, err)
		}
		_, err = b.Save(ctx, toJobID, p, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("copy %s to %s: %w", p, toJobID, err)
		}
	}
	return nil
}
