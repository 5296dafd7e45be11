package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Local stores job files under baseDir/<job-id>/<path> on a shared volume.
type Local struct {
	baseDir string
}

// NewLocal creates the base directory if needed.
func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		baseDir = "./data"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{baseDir: baseDir}, nil
}

func (l *Local) jobDir(jobID string) string {
	return filepath.Join(l.baseDir, sanitize(jobID))
}

func (l *Local) Save(_ context.Context, jobID, path string, r io.Reader) (int64, error) {
	full := filepath.Join(l.jobDir(jobID), sanitize(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(full)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("write file: %w", err)
	}
	return n, nil
}

func (l *Local) Open(_ context.Context, jobID, path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(l.jobDir(jobID), sanitize(path)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

func (l *Local) List(_ context.Context, jobID, prefix string) ([]string, error) {
	root := l.jobDir(jobID)
	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk job dir: %w", err)
	}
	return paths, nil
}

func (l *Local) DeleteJob(_ context.Context, jobID string) error {
	if err := os.RemoveAll(l.jobDir(jobID)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// FreeBytes reports free space on the volume holding baseDir.
func (l *Local) FreeBytes() (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(l.baseDir, &st); err != nil {
		return 0, fmt.Errorf("statfs: %w", err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// sanitize keeps paths inside the job directory.
func sanitize(p string) string {
	p = filepath.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}
