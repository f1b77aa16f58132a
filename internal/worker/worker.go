// Package worker holds the per-machine state the dispatcher tracks: identity,
// adaptive timeout/poll estimators, the current block assignment, and the
// error-counting that leads to exclusion.
package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/scoky/kssh/internal/block"
)

// Estimator bounds, shared by every adaptive timeout and the poll interval.
const (
	MinEstimate = 1 * time.Second
	MaxEstimate = 300 * time.Second

	// alpha is the WMA weight given to the newest sample.
	alpha = 0.75

	// maxErrors is the error count beyond which a worker is excluded.
	maxErrors = 5
)

// Config is a worker's static identity and initial timeouts, as read from
// the machines configuration.
type Config struct {
	Hostname   string
	Username   string
	WorkingDir string
	ConnectCmd string

	PollInterval    time.Duration
	InitTimeout     time.Duration
	UploadTimeout   time.Duration
	DownloadTimeout time.Duration
	PollTimeout     time.Duration
}

// Worker is exclusive per-machine state. The adaptive estimators are guarded
// by an internal mutex so metrics collection can read them concurrently
// with the scan loop; every other field (Block, Start, Done, Polled,
// Heartbeat, Completed, RemoteSize) is touched only by the dispatcher scan
// loop after a transaction batch resolves, and is deliberately left
// unsynchronized: worker, source, and filesystem state are mutated only
// from the scan loop, never from inside a transaction's execution thread.
type Worker struct {
	Config

	mu sync.Mutex

	initTimeout     time.Duration
	uploadTimeout   time.Duration
	downloadTimeout time.Duration
	pollTimeout     time.Duration
	pollInterval    time.Duration

	uploadSize   int64
	downloadSize int64

	Block      *block.Block
	Start      int64 // seconds since epoch, per the remote pid file's mtime
	Done       bool
	Polled     time.Time // zero means "poll immediately"
	Heartbeat  int64
	RemoteSize int64

	Completed int
	errors    int
	excluded  bool
}

// New creates a Worker from its static configuration.
func New(cfg Config) *Worker {
	return &Worker{
		Config:          cfg,
		initTimeout:     cfg.InitTimeout,
		uploadTimeout:   cfg.UploadTimeout,
		downloadTimeout: cfg.DownloadTimeout,
		pollTimeout:     cfg.PollTimeout,
		pollInterval:    cfg.PollInterval,
	}
}

// String identifies the worker for logging.
func (w *Worker) String() string {
	return fmt.Sprintf("%s@%s", w.Username, w.Hostname)
}

// Idle reports whether the worker holds no assignment and isn't excluded.
func (w *Worker) Idle() bool {
	return w.Block == nil && !w.Excluded()
}

// Excluded reports the sticky exclusion flag: once set it never clears.
func (w *Worker) Excluded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.excluded
}

// Error increments the error counter and, once it exceeds maxErrors, sets
// the exclusion flag permanently. Returns the (possibly newly-set)
// exclusion flag.
func (w *Worker) Error() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors++
	if w.errors > maxErrors {
		w.excluded = true
	}
	return w.excluded
}

// ResetErrors clears the error counter after a successful fetch, on the
// assumption that errors are temporally correlated and a successful round
// is sufficient evidence of recovery.
func (w *Worker) ResetErrors() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors = 0
}

// ErrorCount returns the current error count (tests, metrics).
func (w *Worker) ErrorCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errors
}

// Assign attaches a block to the worker, transitioning it out of idle.
func (w *Worker) Assign(b *block.Block) {
	w.Block = b
	w.Done = false
}

// Release clears the current assignment, returning it to idle.
func (w *Worker) Release() *block.Block {
	b := w.Block
	w.Block = nil
	w.Done = false
	return b
}

// InitTimeout returns the current adaptive init timeout.
func (w *Worker) InitTimeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initTimeout
}

// UploadTimeout returns the current adaptive upload timeout, scaled by the
// ratio of the new block's size to the last observed upload size, at
// transaction construction time.
func (w *Worker) UploadTimeout(blockSize int64) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return scale(w.uploadTimeout, blockSize, w.uploadSize)
}

// DownloadTimeout returns the current adaptive download timeout, scaled the
// same way UploadTimeout is.
func (w *Worker) DownloadTimeout(expectedSize int64) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return scale(w.downloadTimeout, expectedSize, w.downloadSize)
}

// PollTimeout returns the current adaptive poll (CHECK) timeout.
func (w *Worker) PollTimeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pollTimeout
}

// PollInterval returns the current adaptive poll interval.
func (w *Worker) PollInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pollInterval
}

func scale(estimate time.Duration, newSize, observedSize int64) time.Duration {
	if observedSize <= 0 || newSize <= 0 {
		return estimate
	}
	scaled := time.Duration(float64(estimate) * float64(newSize) / float64(observedSize))
	return clamp(scaled)
}

// UpdateUpload applies a WMA update to the upload timeout and records the
// observed size for future scaling.
func (w *Worker) UpdateUpload(sample time.Duration, size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uploadTimeout = wma(sample, w.uploadTimeout)
	w.uploadSize = size
}

// BackoffUpload doubles the upload timeout on a timeout (exponential
// backoff).
func (w *Worker) BackoffUpload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.uploadTimeout = clamp(w.uploadTimeout * 2)
}

// UpdateDownload applies a WMA update to the download timeout.
func (w *Worker) UpdateDownload(sample time.Duration, size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.downloadTimeout = wma(sample, w.downloadTimeout)
	w.downloadSize = size
}

// BackoffDownload doubles the download timeout on a timeout.
func (w *Worker) BackoffDownload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.downloadTimeout = clamp(w.downloadTimeout * 2)
}

// UpdatePoll applies a WMA update to the poll timeout.
func (w *Worker) UpdatePoll(sample time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollTimeout = wma(sample, w.pollTimeout)
}

// BackoffPoll doubles the poll timeout on a timeout.
func (w *Worker) BackoffPoll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollTimeout = clamp(w.pollTimeout * 2)
}

// UpdatePollInterval applies a WMA update toward a target interval, computed
// by the caller as (heartbeat - worker.start) * 1.1 / 4.
func (w *Worker) UpdatePollInterval(target time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollInterval = wma(target, w.pollInterval)
}

// wma computes the weighted moving average:
// WMA(sample, previous) = clamp(floor(alpha*sample + (1-alpha)*previous)).
// A zero previous (no prior estimate) yields the clamped sample unchanged.
func wma(sample, previous time.Duration) time.Duration {
	if previous == 0 {
		return clamp(sample)
	}
	v := alpha*float64(sample) + (1-alpha)*float64(previous)
	return clamp(time.Duration(v))
}

func clamp(d time.Duration) time.Duration {
	if d < MinEstimate {
		return MinEstimate
	}
	if d > MaxEstimate {
		return MaxEstimate
	}
	return d
}
