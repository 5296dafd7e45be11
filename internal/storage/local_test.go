package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalSaveOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	n, err := l.Save(ctx, "job-1", SourcePrefix+"doc.md", strings.NewReader("# hello"))
	require.NoError(t, err)
	require.EqualValues(t, 7, n)

	rc, err := l.Open(ctx, "job-1", SourcePrefix+"doc.md")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	require.Equal(t, "# hello", string(data))

	_, err = l.Open(ctx, "job-1", SourcePrefix+"missing.md")
	require.ErrorIs(t, err, ErrNotExist)
	_, err = l.Open(ctx, "no-such-job", SourcePrefix+"doc.md")
	require.ErrorIs(t, err, ErrNotExist)
}

func TestLocalListByPrefix(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	for _, p := range []string{
		SourcePrefix + "doc.md",
		OutputPrefix + "doc.html",
		OutputPrefix + "images/page-1.png",
	} {
		_, err := l.Save(ctx, "job-1", p, strings.NewReader("x"))
		require.NoError(t, err)
	}

	outputs, err := l.List(ctx, "job-1", OutputPrefix)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		OutputPrefix + "doc.html",
		OutputPrefix + "images/page-1.png",
	}, outputs)

	all, err := l.List(ctx, "job-1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Unknown job lists empty, not an error.
	none, err := l.List(ctx, "absent", "")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestLocalDeleteJobRemovesEverything(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = l.Save(ctx, "job-1", OutputPrefix+"doc.html", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, l.DeleteJob(ctx, "job-1"))

	_, err = l.Open(ctx, "job-1", OutputPrefix+"doc.html")
	require.ErrorIs(t, err, ErrNotExist)

	// Deleting twice is fine.
	require.NoError(t, l.DeleteJob(ctx, "job-1"))
}

func TestLocalSanitizesTraversal(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	l, err := NewLocal(base)
	require.NoError(t, err)

	_, err = l.Save(ctx, "job-1", "../../etc/passwd", strings.NewReader("x"))
	require.NoError(t, err)

	// The traversal collapsed inside the job directory.
	rc, err := l.Open(ctx, "job-1", "etc/passwd")
	require.NoError(t, err)
	rc.Close()
}

func TestCopySource(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = l.Save(ctx, "orig", SourcePrefix+"doc.md", strings.NewReader("# body"))
	require.NoError(t, err)
	_, err = l.Save(ctx, "orig", OutputPrefix+"doc.html", strings.NewReader("<p>"))
	require.NoError(t, err)

	require.NoError(t, CopySource(ctx, l, "orig", "fresh"))

	rc, err := l.Open(ctx, "fresh", SourcePrefix+"doc.md")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	require.Equal(t, "# body", string(data))

	// Only source files travel; outputs stay behind.
	_, err = l.Open(ctx, "fresh", OutputPrefix+"doc.html")
	require.ErrorIs(t, err, ErrNotExist)

	// Copying from a job with no source is an error.
	require.Error(t, CopySource(ctx, l, "absent", "fresh2"))
}

func TestLocalFreeBytes(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	free, err := l.FreeBytes()
	require.NoError(t, err)
	require.Greater(t, free, int64(0))
}
