package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Standard is the universal converter: fast, deterministic format
// translation for text document formats. Its PDF path is a crude content
// salvage and often produces near-empty output, which is exactly what the
// hybrid quality check is for.
type Standard struct {
	markdown goldmark.Markdown
	html     *md.Converter
}

func NewStandard() *Standard {
	return &Standard{
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		html:     md.NewConverter("", true, nil),
	}
}

func (s *Standard) Name() string { return NameStandard }

var standardRoutes = map[string][]string{
	"markdown": {"html"},
	"html":     {"markdown"},
	"txt":      {"html", "markdown"},
	"pdf":      {"markdown"},
}

func (s *Standard) Supports(from, to string) bool {
	for _, t := range standardRoutes[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (s *Standard) Convert(_ context.Context, req Request) (Result, error) {
	input, err := os.ReadFile(req.InputPath)
	if err != nil {
		return Result{}, Terminal(fmt.Sprintf("read input: %v", err))
	}

	var out []byte
	switch {
	case req.FromFormat == "markdown" && req.ToFormat == "html":
		var buf bytes.Buffer
		if err := s.markdown.Convert(input, &buf); err != nil {
			return Result{}, Terminal(fmt.Sprintf("render markdown: %v", err))
		}
		out = buf.Bytes()
	case req.FromFormat == "html" && req.ToFormat == "markdown":
		converted, err := s.html.ConvertString(string(input))
		if err != nil {
			return Result{}, Terminal(fmt.Sprintf("convert html: %v", err))
		}
		out = []byte(converted)
	case req.FromFormat == "txt" && req.ToFormat == "html":
		var buf bytes.Buffer
		if err := s.markdown.Convert(input, &buf); err != nil {
			return Result{}, Terminal(fmt.Sprintf("render text: %v", err))
		}
		out = buf.Bytes()
	case req.FromFormat == "txt" && req.ToFormat == "markdown":
		out = input
	case req.FromFormat == "pdf" && req.ToFormat == "markdown":
		out = salvagePDFText(input)
	default:
		return Result{}, Terminal(fmt.Sprintf("standard engine cannot convert %s to %s", req.FromFormat, req.ToFormat))
	}

	name := outputName(req.InputPath, req.ToFormat)
	if err := os.WriteFile(filepath.Join(req.WorkDir, name), out, 0o644); err != nil {
		return Result{}, Terminal(fmt.Sprintf("write output: %v", err))
	}
	return Result{Output: name, ProducedBy: NameStandard}, nil
}

// salvagePDFText pulls printable runs out of uncompressed PDF text operators.
// Compressed streams yield little or nothing; callers treat that as low
// quality and fall back.
func salvagePDFText(input []byte) []byte {
	var b strings.Builder
	var run []byte
	inParens := false
	for _, c := range input {
		switch {
		case c == '(':
			inParens = true
		case c == ')':
			if inParens && len(run) > 2 {
				b.Write(run)
				b.WriteByte('\n')
			}
			run = run[:0]
			inParens = false
		case inParens && c >= 0x20 && c < 0x7f:
			run = append(run, c)
		}
	}
	return []byte(b.String())
}

func outputName(inputPath, toFormat string) string {
	base := filepath.Base(inputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base + "." + extensionFor(toFormat)
}

func extensionFor(format string) string {
	switch format {
	case "markdown":
		return "md"
	case "jpeg":
		return "jpg"
	default:
		return format
	}
}
