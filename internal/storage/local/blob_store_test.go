package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "reports", "nested")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewRejectsFileAsBaseDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err := New(Config{BaseDir: file})
	require.Error(t, err)

	_, err = New(Config{})
	require.Error(t, err)
}

func TestPutObjectWritesReport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "audits/a1/report.json", "application/json", strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "audits", "a1", "report.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(data))

	// Rewrites replace the previous report.
	_, err = store.PutObject(context.Background(), "audits/a1/report.json", "application/json", strings.NewReader(`{"ok":false}`))
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(dir, "audits", "a1", "report.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":false}`, string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "../escape.json", "", strings.NewReader("x"))
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "  ", "", strings.NewReader("x"))
	require.Error(t, err)
}
