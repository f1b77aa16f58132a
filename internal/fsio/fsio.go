// Package fsio is the dispatcher's local filesystem surface: the temp-file
// registry every block source draws from, and the two output modes (lines
// append-into-one-file, files per-input-file output).
package fsio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/scoky/kssh/internal/klog"
)

// TempRegistry hands out never-before-issued temp file paths under a temp
// directory and tracks them for cleanup.
type TempRegistry struct {
	mu   sync.Mutex
	dir  string
	live map[string]struct{}
}

// NewTempRegistry builds a registry rooted at dir.
func NewTempRegistry(dir string) *TempRegistry {
	return &TempRegistry{dir: dir, live: make(map[string]struct{})}
}

// CreateTemp returns a never-before-issued path under the temp directory.
// It satisfies block.TempFileFactory.
func (t *TempRegistry) CreateTemp() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	path := filepath.Join(t.dir, "kssh_"+uuid.NewString()+"_temp")
	t.live[path] = struct{}{}
	return path, nil
}

// RemoveTemp deletes a path from disk and the registry, logging but
// tolerating absence.
func (t *TempRegistry) RemoveTemp(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		klog.Local().Warn().Err(err).Str("path", path).Msg("failed to remove temp file")
	}
}

// Cleanup removes every outstanding temp file on normal shutdown.
func (t *TempRegistry) Cleanup() {
	t.mu.Lock()
	paths := make([]string, 0, len(t.live))
	for p := range t.live {
		paths = append(paths, p)
	}
	t.mu.Unlock()

	for _, p := range paths {
		t.RemoveTemp(p)
	}
}

// BlockRef is the minimal view of a block the output writers need, kept
// independent of the block package so that fsio does not import it (fsio
// is a TempFileFactory consumed by block.Source implementations).
type BlockRef struct {
	InputFile   string
	Description string
}

// Writer is the contract the two output modes share.
type Writer interface {
	// Write materializes a completed block's captured stdout/stderr.
	// hostname identifies the worker that produced them, for log tagging.
	Write(hostname string, b BlockRef, stdoutTemp, stderrTemp string) error
	// Close releases any resources the writer holds open (e.g. the single
	// lines-mode output file).
	Close() error
}

// LineWriter appends every block's stdout, in arrival order, to a single
// local output file, and streams each block's stderr line-by-line into the
// log tagged with the originating hostname.
type LineWriter struct {
	mu  sync.Mutex
	out *os.File
}

// NewLineWriter opens (truncating) the output destination. If dest is a
// directory, a file named "<key>_result" is synthesized inside it. An empty
// dest means stdout, the default in lines mode.
func NewLineWriter(dest, key string) (*LineWriter, error) {
	if dest == "" {
		return &LineWriter{out: os.Stdout}, nil
	}
	path := dest
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		path = filepath.Join(dest, key+"_result")
	}
	f, err := os.Create(path) // O_TRUNC if it already exists
	if err != nil {
		return nil, fmt.Errorf("opening output file %s: %w", path, err)
	}
	return &LineWriter{out: f}, nil
}

func (w *LineWriter) Write(hostname string, b BlockRef, stdoutTemp, stderrTemp string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	src, err := os.Open(stdoutTemp)
	if err != nil {
		return fmt.Errorf("opening captured stdout %s: %w", stdoutTemp, err)
	}
	defer src.Close()

	if _, err := io.Copy(w.out, src); err != nil {
		return fmt.Errorf("appending block output: %w", err)
	}

	streamStderr(hostname, stderrTemp)
	return nil
}

func streamStderr(hostname, stderrTemp string) {
	f, err := os.Open(stderrTemp)
	if err != nil {
		return
	}
	defer f.Close()

	logger := klog.WithWorker(hostname)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		logger.Info().Str("stream", "stderr").Msg(scanner.Text())
	}
}

func (w *LineWriter) Close() error {
	if w.out == os.Stdout {
		return nil
	}
	return w.out.Close()
}

// FileWriter renames each block's captured stdout to
// "<output_dir>/<basename(input_file)>.out", disambiguating collisions
// with a numeric suffix (.out1, .out2, ...); stderr is logged and removed.
type FileWriter struct {
	mu  sync.Mutex
	dir string
}

// NewFileWriter requires dest to be a directory.
func NewFileWriter(dest string) (*FileWriter, error) {
	fi, err := os.Stat(dest)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(dest, 0o755); mkErr != nil {
				return nil, fmt.Errorf("creating output directory %s: %w", dest, mkErr)
			}
			return &FileWriter{dir: dest}, nil
		}
		return nil, fmt.Errorf("statting output directory %s: %w", dest, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("output %s must be a directory in file mode", dest)
	}
	return &FileWriter{dir: dest}, nil
}

func (w *FileWriter) Write(hostname string, b BlockRef, stdoutTemp, stderrTemp string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	base := filepath.Base(b.InputFile)
	outPath := filepath.Join(w.dir, base+".out")
	for i := 1; fileExists(outPath); i++ {
		outPath = filepath.Join(w.dir, fmt.Sprintf("%s.out%d", base, i))
	}

	if err := renameOrCopy(stdoutTemp, outPath); err != nil {
		return fmt.Errorf("writing output for %s: %w", b.InputFile, err)
	}
	klog.WithWorker(hostname).Info().Str("output", outPath).Msg("wrote block output")

	if fi, err := os.Stat(stderrTemp); err == nil && fi.Size() > 0 {
		data, _ := os.ReadFile(stderrTemp)
		klog.WithWorker(hostname).Warn().Str("stderr", string(data)).Msg("task stderr")
	}
	_ = os.Remove(stderrTemp)

	return nil
}

func (w *FileWriter) Close() error { return nil }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// renameOrCopy renames src to dst, falling back to copy+remove when they
// sit on different filesystems (temp dir vs. output dir is a common case).
func renameOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Remove(src)
}
