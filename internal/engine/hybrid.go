package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Hybrid runs the primary engine and, when the result fails the quality
// heuristic or the primary fails outright, retries with the fallback. The
// result reports which engine ultimately produced the output.
type Hybrid struct {
	primary  Engine
	fallback Engine

	// minOutputBytes is the near-empty threshold for the quality check.
	minOutputBytes int64

	// onFallback, when set, is invoked once per fallback for metrics.
	onFallback func()
}

func NewHybrid(primary, fallback Engine, minOutputBytes int64, onFallback func()) *Hybrid {
	if minOutputBytes <= 0 {
		minOutputBytes = 64
	}
	return &Hybrid{
		primary:        primary,
		fallback:       fallback,
		minOutputBytes: minOutputBytes,
		onFallback:     onFallback,
	}
}

func (h *Hybrid) Name() string { return NameHybrid }

func (h *Hybrid) Supports(from, to string) bool {
	return h.primary.Supports(from, to) || h.fallback.Supports(from, to)
}

func (h *Hybrid) Convert(ctx context.Context, req Request) (Result, error) {
	if !h.primary.Supports(req.FromFormat, req.ToFormat) {
		return h.fallback.Convert(ctx, req)
	}

	res, err := h.primary.Convert(ctx, req)
	if err == nil && h.acceptable(req.WorkDir, res) {
		return res, nil
	}
	if !h.fallback.Supports(req.FromFormat, req.ToFormat) {
		if err != nil {
			return Result{}, err
		}
		return res, nil
	}

	if h.onFallback != nil {
		h.onFallback()
	}
	return h.fallback.Convert(ctx, req)
}

// acceptable rejects near-empty or whitespace-only primary output.
func (h *Hybrid) acceptable(workDir string, res Result) bool {
	path := filepath.Join(workDir, res.Output)
	info, err := os.Stat(path)
	if err != nil || info.Size() < h.minOutputBytes {
		return false
	}
	if info.Size() < 4096 {
		raw, err := os.ReadFile(path)
		if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
			return false
		}
	}
	return true
}
