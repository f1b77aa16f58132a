package block

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrExhausted is returned by Next when no more blocks are available and
// the retry queue is empty.
var ErrExhausted = errors.New("block source exhausted")

// ErrLenUnsupported is returned by Len when the source cannot report an
// exact count — stdin-backed line sources reject Len.
var ErrLenUnsupported = errors.New("block source does not support len()")

// TempFileFactory creates never-before-issued temp file paths. The local
// filesystem surface (internal/fsio) implements this; Source depends only
// on the interface so the two packages don't import each other.
type TempFileFactory interface {
	CreateTemp() (string, error)
}

// Source is the contract shared by all block source variants.
// Implementations are not safe for concurrent use; the dispatcher scan
// loop is the sole caller.
type Source interface {
	// HasMore reports whether the retry queue is non-empty or the
	// underlying stream has more bytes.
	HasMore() bool
	// Next pops from the retry queue if non-empty, otherwise produces a
	// fresh block; returns ErrExhausted when none remain.
	Next() (*Block, error)
	// Retry pushes b onto the FIFO retry queue; retries are dispatched
	// before fresh blocks.
	Retry(b *Block)
	// Done signals that b was successfully fetched, releasing any
	// resources the implementation owns for it.
	Done(b *Block) error
	// Close releases the underlying stream.
	Close() error
	// Len returns the exact block count, or ErrLenUnsupported.
	Len() (int, error)
	// PendingRetries reports how many blocks currently sit in the retry
	// queue, awaiting a worker to pick them back up.
	PendingRetries() int
}

// retryQueue is the FIFO shared by every Source implementation.
type retryQueue struct {
	q []*Block
}

func (r *retryQueue) push(b *Block) {
	r.q = append(r.q, b)
}

func (r *retryQueue) pop() *Block {
	b := r.q[0]
	r.q = r.q[1:]
	return b
}

func (r *retryQueue) empty() bool {
	return len(r.q) == 0
}

func (r *retryQueue) pending() int {
	return len(r.q)
}

// FileSource yields one Block per path in an ordered list of local files;
// each block's input file is the source file itself.
type FileSource struct {
	retryQueue
	paths []string
	next  int
}

// NewFileSource builds a FileSource over an ordered list of local paths.
func NewFileSource(paths []string) *FileSource {
	return &FileSource{paths: paths}
}

func (f *FileSource) HasMore() bool {
	return !f.retryQueue.empty() || f.next < len(f.paths)
}

func (f *FileSource) Next() (*Block, error) {
	if !f.retryQueue.empty() {
		return f.retryQueue.pop(), nil
	}
	if f.next >= len(f.paths) {
		return nil, ErrExhausted
	}
	p := f.paths[f.next]
	f.next++
	return &Block{InputFile: p, Description: fmt.Sprintf("file %s", p)}, nil
}

func (f *FileSource) Retry(b *Block) { f.retryQueue.push(b) }

// Done is a no-op for file mode: the input file is the caller's own file
// and is never deleted.
func (f *FileSource) Done(b *Block) error { return nil }

func (f *FileSource) Close() error { return nil }

func (f *FileSource) Len() (int, error) { return len(f.paths), nil }

func (f *FileSource) PendingRetries() int { return f.retryQueue.pending() }

// LineSource splits a text stream into fixed-size blocks of lines, each
// materialized into a fresh temp file.
type LineSource struct {
	retryQueue
	scanner   *bufio.Scanner
	closer    io.Closer
	blockSize int
	tempFiles TempFileFactory

	// sourcePath is set when the stream is backed by a real file, enabling
	// Len(); it is empty for stdin-backed sources.
	sourcePath string

	next     int // block index, for description text
	exhausted bool
}

// NewLineSource builds a LineSource over r, which is closed by Close if it
// implements io.Closer. sourcePath, if non-empty, names the file backing r
// and enables Len(); pass "" for stdin.
func NewLineSource(r io.Reader, sourcePath string, blockSize int, temps TempFileFactory) *LineSource {
	var closer io.Closer
	if c, ok := r.(io.Closer); ok {
		closer = c
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &LineSource{
		scanner:    scanner,
		closer:     closer,
		blockSize:  blockSize,
		tempFiles:  temps,
		sourcePath: sourcePath,
	}
}

// HasMore reports true until a read in Next has reached the end of the
// stream with a short or empty block. After a final block of exactly
// blockSize lines it still reports true, and the next Next returns
// ErrExhausted.
func (l *LineSource) HasMore() bool {
	return !l.retryQueue.empty() || !l.exhausted
}

// Next materializes up to blockSize lines into a fresh temp file. The final
// block may be short.
func (l *LineSource) Next() (*Block, error) {
	if !l.retryQueue.empty() {
		return l.retryQueue.pop(), nil
	}
	if l.exhausted {
		return nil, ErrExhausted
	}

	var lines []string
	for len(lines) < l.blockSize && l.scanner.Scan() {
		lines = append(lines, l.scanner.Text())
	}
	if err := l.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading line source: %w", err)
	}
	if len(lines) == 0 {
		l.exhausted = true
		return nil, ErrExhausted
	}
	if len(lines) < l.blockSize {
		l.exhausted = true
	}

	path, err := l.tempFiles.CreateTemp()
	if err != nil {
		return nil, fmt.Errorf("allocating temp file for block: %w", err)
	}
	if err := writeLines(path, lines); err != nil {
		return nil, fmt.Errorf("writing block %d: %w", l.next, err)
	}

	start := l.next * l.blockSize
	end := start + len(lines) - 1
	b := &Block{
		InputFile:   path,
		Description: fmt.Sprintf("lines [%d,%d]", start, end),
	}
	l.next++
	return b, nil
}

func (l *LineSource) Retry(b *Block) { l.retryQueue.push(b) }

// Done removes the block's temp file now that it has been fetched
// successfully.
func (l *LineSource) Done(b *Block) error {
	return os.Remove(b.InputFile)
}

func (l *LineSource) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Len opens the source path and counts lines; stdin-backed sources reject
// Len.
func (l *LineSource) Len() (int, error) {
	if l.sourcePath == "" {
		return 0, ErrLenUnsupported
	}
	f, err := os.Open(l.sourcePath)
	if err != nil {
		return 0, fmt.Errorf("counting lines in %s: %w", l.sourcePath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	count := 0
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	blocks := count / l.blockSize
	if count%l.blockSize != 0 {
		blocks++
	}
	return blocks, nil
}

func (l *LineSource) PendingRetries() int { return l.retryQueue.pending() }

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}
