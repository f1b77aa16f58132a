package fsio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTempRegistryNeverReissuesPaths(t *testing.T) {
	dir := t.TempDir()
	reg := NewTempRegistry(dir)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		p, err := reg.CreateTemp()
		require.NoError(t, err)
		assert.False(t, seen[p], "temp paths must never repeat")
		seen[p] = true
	}
}

func TestTempRegistryCleanupRemovesEverything(t *testing.T) {
	dir := t.TempDir()
	reg := NewTempRegistry(dir)

	var paths []string
	for i := 0; i < 3; i++ {
		p, err := reg.CreateTemp()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		paths = append(paths, p)
	}

	reg.Cleanup()
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err))
	}
}

func TestRemoveTempToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	reg := NewTempRegistry(dir)
	reg.RemoveTemp(filepath.Join(dir, "never-existed"))
}

func TestLineWriterAppendsInOrder(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "result")
	w, err := NewLineWriter(out, "runkey")
	require.NoError(t, err)

	outTemp1 := filepath.Join(dir, "o1")
	errTemp1 := filepath.Join(dir, "e1")
	require.NoError(t, os.WriteFile(outTemp1, []byte("first\n"), 0o644))
	require.NoError(t, os.WriteFile(errTemp1, []byte(""), 0o644))

	outTemp2 := filepath.Join(dir, "o2")
	errTemp2 := filepath.Join(dir, "e2")
	require.NoError(t, os.WriteFile(outTemp2, []byte("second\n"), 0o644))
	require.NoError(t, os.WriteFile(errTemp2, []byte(""), 0o644))

	require.NoError(t, w.Write("host1", BlockRef{InputFile: "a"}, outTemp1, errTemp1))
	require.NoError(t, w.Write("host2", BlockRef{InputFile: "b"}, outTemp2, errTemp2))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data), "blocks must be written in arrival order")
}

func TestLineWriterSynthesizesNameInDirectory(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLineWriter(dir, "deadbeef")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, statErr := os.Stat(filepath.Join(dir, "deadbeef_result"))
	assert.NoError(t, statErr)
}

func TestLineWriterEmptyDestDefaultsToStdout(t *testing.T) {
	w, err := NewLineWriter("", "k")
	require.NoError(t, err)
	assert.NoError(t, w.Close(), "closing the stdout-backed writer must not close os.Stdout's fd")
}

func TestFileWriterRenamesWithBasenameOut(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir)
	require.NoError(t, err)

	outTemp := filepath.Join(dir, "tmp-out")
	errTemp := filepath.Join(dir, "tmp-err")
	require.NoError(t, os.WriteFile(outTemp, []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(errTemp, []byte(""), 0o644))

	require.NoError(t, w.Write("host1", BlockRef{InputFile: "/input/data.csv"}, outTemp, errTemp))

	data, err := os.ReadFile(filepath.Join(dir, "data.csv.out"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFileWriterDisambiguatesCollisions(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		outTemp := filepath.Join(dir, "src-out")
		errTemp := filepath.Join(dir, "src-err")
		require.NoError(t, os.WriteFile(outTemp, []byte("v"), 0o644))
		require.NoError(t, os.WriteFile(errTemp, []byte(""), 0o644))
		require.NoError(t, w.Write("host1", BlockRef{InputFile: "same.txt"}, outTemp, errTemp))
	}

	assert.FileExists(t, filepath.Join(dir, "same.txt.out"))
	assert.FileExists(t, filepath.Join(dir, "same.txt.out1"))
	assert.FileExists(t, filepath.Join(dir, "same.txt.out2"))
}

func TestFileWriterRequiresDirectory(t *testing.T) {
	dir := t.TempDir()
	notADir := filepath.Join(dir, "plainfile")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o644))

	_, err := NewFileWriter(notADir)
	assert.Error(t, err)
}
