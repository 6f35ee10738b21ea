package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestArchiveWithNoRootUnlinksFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow-20260101.dat")
	writeFile(t, path, "data")

	f := New(Config{}, testLogger())
	require.NoError(t, f.Archive(context.Background(), path, time.Now()))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveFlatLayoutMovesUnderRoot(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "incoming", "flow.dat")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	writeFile(t, src, "flat")

	root := filepath.Join(dir, "archive")
	f := New(Config{Root: root, Layout: LayoutFlat}, testLogger())
	require.NoError(t, f.Archive(context.Background(), src, time.Now()))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	got, err := os.ReadFile(filepath.Join(root, "flow.dat"))
	require.NoError(t, err)
	assert.Equal(t, "flat", string(got))
}

func TestArchiveTimePartitionedLayoutNestsByDate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "flow.dat")
	writeFile(t, src, "partitioned")

	root := filepath.Join(dir, "archive")
	when := time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC)
	f := New(Config{Root: root, Layout: LayoutTimePartitioned}, testLogger())
	require.NoError(t, f.Archive(context.Background(), src, when))

	want := filepath.Join(root, "2026", "03", "05", "14", "flow.dat")
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "partitioned", string(got))
}

func TestArchiveCreatesMissingDestinationDirectories(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "flow.dat")
	writeFile(t, src, "x")

	root := filepath.Join(dir, "does", "not", "exist", "yet")
	f := New(Config{Root: root}, testLogger())
	require.NoError(t, f.Archive(context.Background(), src, time.Now()))

	_, err := os.Stat(filepath.Join(root, "flow.dat"))
	require.NoError(t, err)
}

func TestArchiveRunsPostCommandAgainstFinalLocation(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "flow.dat")
	writeFile(t, src, "x")

	root := filepath.Join(dir, "archive")
	marker := filepath.Join(dir, "postcmd-ran")
	script := filepath.Join(dir, "postcmd.sh")
	writeFile(t, script, "#!/bin/sh\necho \"$1\" > "+marker+"\n")
	require.NoError(t, os.Chmod(script, 0o755))

	f := New(Config{Root: root, PostCmd: script}, testLogger())
	require.NoError(t, f.Archive(context.Background(), src, time.Now()))

	got, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Contains(t, string(got), filepath.Join(root, "flow.dat"))
}

func TestArchiveMissingSourceErrors(t *testing.T) {
	dir := t.TempDir()
	f := New(Config{Root: filepath.Join(dir, "archive")}, testLogger())
	err := f.Archive(context.Background(), filepath.Join(dir, "nope.dat"), time.Now())
	assert.Error(t, err)
}

func TestArchivePostCommandFailureDoesNotFailArchive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "flow.dat")
	writeFile(t, src, "x")

	root := filepath.Join(dir, "archive")
	f := New(Config{Root: root, PostCmd: "/no/such/binary"}, testLogger())
	err := f.Archive(context.Background(), src, time.Now())
	assert.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(root, "flow.dat"))
	assert.NoError(t, statErr)
}
