package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Vision is the AI-flavored PDF extraction engine. It validates the PDF,
// extracts page content and embedded images with pdfcpu, and assembles a
// markdown document referencing the extracted images. Image files ride along
// as extras, which makes the job multifile.
type Vision struct{}

func NewVision() *Vision { return &Vision{} }

func (v *Vision) Name() string { return NameVision }

func (v *Vision) Supports(from, to string) bool {
	return from == "pdf" && (to == "markdown" || to == "txt")
}

func (v *Vision) Convert(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, Transient("extraction interrupted")
	}

	if err := api.ValidateFile(req.InputPath, nil); err != nil {
		return Result{}, Terminal(fmt.Sprintf("invalid pdf: %v", err))
	}

	pages, err := api.PageCountFile(req.InputPath)
	if err != nil {
		return Result{}, Terminal(fmt.Sprintf("read page count: %v", err))
	}

	contentDir := filepath.Join(req.WorkDir, "content")
	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return Result{}, Transient(fmt.Sprintf("prepare work dir: %v", err))
	}
	if err := api.ExtractContentFile(req.InputPath, contentDir, nil, nil); err != nil {
		return Result{}, Terminal(fmt.Sprintf("extract content: %v", err))
	}

	// Image extraction is best-effort; a text-only PDF simply yields none.
	imagesDir := filepath.Join(req.WorkDir, "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return Result{}, Transient(fmt.Sprintf("prepare images dir: %v", err))
	}
	_ = api.ExtractImagesFile(req.InputPath, imagesDir, nil, nil)

	images, err := relativeFiles(req.WorkDir, imagesDir)
	if err != nil {
		return Result{}, Transient(fmt.Sprintf("collect images: %v", err))
	}

	doc, err := assembleMarkdown(contentDir, images)
	if err != nil {
		return Result{}, Terminal(err.Error())
	}

	name := outputName(req.InputPath, "markdown")
	if err := os.WriteFile(filepath.Join(req.WorkDir, name), doc, 0o644); err != nil {
		return Result{}, Transient(fmt.Sprintf("write output: %v", err))
	}
	return Result{Output: name, Extras: images, Pages: pages, ProducedBy: NameVision}, nil
}

func assembleMarkdown(contentDir string, images []string) ([]byte, error) {
	entries, err := os.ReadDir(contentDir)
	if err != nil {
		return nil, fmt.Errorf("read content dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		raw, err := os.ReadFile(filepath.Join(contentDir, name))
		if err != nil {
			return nil, fmt.Errorf("read page content: %w", err)
		}
		fmt.Fprintf(&b, "## Page %d\n\n", i+1)
		b.Write(salvagePDFText(raw))
		b.WriteString("\n\n")
	}
	if len(images) > 0 {
		b.WriteString("## Extracted images\n\n")
		for _, img := range images {
			fmt.Fprintf(&b, "![%s](%s)\n", filepath.Base(img), img)
		}
	}
	return []byte(b.String()), nil
}

func relativeFiles(workDir, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rel, err := filepath.Rel(workDir, filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, filepath.ToSlash(rel))
	}
	sort.Strings(out)
	return out, nil
}
