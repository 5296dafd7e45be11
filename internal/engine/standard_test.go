package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestStandardMarkdownToHTML(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.md", "# Title\n\nSome **bold** text.\n")

	s := NewStandard()
	res, err := s.Convert(context.Background(), Request{
		InputPath:  input,
		WorkDir:    dir,
		FromFormat: "markdown",
		ToFormat:   "html",
	})
	require.NoError(t, err)
	require.Equal(t, "doc.html", res.Output)
	require.Equal(t, NameStandard, res.ProducedBy)

	out, err := os.ReadFile(filepath.Join(dir, res.Output))
	require.NoError(t, err)
	require.Contains(t, string(out), "<h1")
	require.Contains(t, string(out), "<strong>bold</strong>")
}

func TestStandardHTMLToMarkdown(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "page.html", "<h1>Heading</h1><p>Body text.</p>")

	s := NewStandard()
	res, err := s.Convert(context.Background(), Request{
		InputPath:  input,
		WorkDir:    dir,
		FromFormat: "html",
		ToFormat:   "markdown",
	})
	require.NoError(t, err)
	require.Equal(t, "page.md", res.Output)

	out, err := os.ReadFile(filepath.Join(dir, res.Output))
	require.NoError(t, err)
	require.Contains(t, string(out), "# Heading")
	require.Contains(t, string(out), "Body text.")
}

func TestStandardUnsupportedRoute(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, "doc.md", "# x")

	s := NewStandard()
	_, err := s.Convert(context.Background(), Request{
		InputPath:  input,
		WorkDir:    dir,
		FromFormat: "markdown",
		ToFormat:   "pdf",
	})
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	require.False(t, engErr.Retryable)
}

func TestSalvagePDFText(t *testing.T) {
	raw := []byte("junk BT (Hello world) Tj (no) ET (more text here) stream\x00\x01")
	got := string(salvagePDFText(raw))
	require.Contains(t, got, "Hello world")
	require.Contains(t, got, "more text here")
	// Runs of one or two characters are treated as noise.
	require.NotContains(t, got, "no\n")
}

func TestOutputName(t *testing.T) {
	require.Equal(t, "doc.html", outputName("/tmp/in/doc.md", "html"))
	require.Equal(t, "scan.md", outputName("scan.pdf", "markdown"))
	require.Equal(t, "photo.jpg", outputName("photo.png", "jpeg"))
}
