// Package dispatcher implements the scan loop that drives the worker state
// machine to completion: deciding one action per worker per scan, running
// the resulting batch of transactions, and applying each transaction's
// post-callback against the worker and the block source.
package dispatcher

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scoky/kssh/internal/block"
	"github.com/scoky/kssh/internal/fsio"
	"github.com/scoky/kssh/internal/klog"
	"github.com/scoky/kssh/internal/metrics"
	"github.com/scoky/kssh/internal/protocol"
	"github.com/scoky/kssh/internal/txn"
	"github.com/scoky/kssh/internal/worker"
)

// defaultTxnRetries is the executor-level retry budget applied to every
// transaction; timeouts are retried this many extra times before resolving
// Timeout, errors are always terminal.
const defaultTxnRetries = 1

// maxWake is the ceiling on how long a scan sleeps before re-checking.
const maxWake = 60 * time.Second

// Dispatcher runs the scan loop against a fixed worker fleet and a block
// source, writing completed output through a fsio.Writer.
type Dispatcher struct {
	Workers         []*worker.Worker
	Source          block.Source
	Policy          Policy
	Writer          fsio.Writer
	Temps           *fsio.TempRegistry
	Task            string
	TaskSuccessCode int
	Concurrency     int
	Key             string // per-run identifier namespacing remote/local files
}

// NewRunKey derives an 8-hex-digit per-run identifier from a UUID
// truncation.
func NewRunKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// pendingAction is one worker's decided action for the current scan, plus
// enough context for its post-callback to mutate worker and source state.
type pendingAction struct {
	w   *worker.Worker
	t   *txn.Transaction
	kind string
}

// retry pushes b back onto the source's retry queue and records it.
func (d *Dispatcher) retry(b *block.Block) {
	d.Source.Retry(b)
	metrics.BlocksRetried.Inc()
}

// Run drives scans until no worker is active and either the source has no
// more blocks or no non-excluded worker remains to ever claim them. It
// returns only once the run is complete; a block source producing zero
// blocks causes it to return immediately.
func (d *Dispatcher) Run() {
	for {
		actions := d.planScan()
		if len(actions) > 0 {
			batch := make([]*txn.Transaction, len(actions))
			for i, a := range actions {
				batch[i] = a.t
			}
			txn.Sync(batch, d.Concurrency)
			for _, a := range actions {
				metrics.TransactionsTotal.WithLabelValues(a.kind, a.t.Status.String()).Inc()
				a.t.Post(a.t)
			}
		}
		d.reportMetrics()

		if !d.anyActive() {
			if !d.Source.HasMore() {
				return
			}
			if !d.anyGoodWorker() {
				if n := d.Source.PendingRetries(); n > 0 {
					metrics.BlocksLost.Add(float64(n))
				}
				return
			}
		}

		sleep := d.minWake()
		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

func (d *Dispatcher) anyActive() bool {
	for _, w := range d.Workers {
		if w.Block != nil {
			return true
		}
	}
	return false
}

// anyGoodWorker reports whether at least one worker is not excluded, i.e.
// could still claim a retried or fresh block in a future scan.
func (d *Dispatcher) anyGoodWorker() bool {
	for _, w := range d.Workers {
		if !w.Excluded() {
			return true
		}
	}
	return false
}

// reportMetrics snapshots the current worker fleet and estimator state into
// the package-level Prometheus gauges.
func (d *Dispatcher) reportMetrics() {
	var idle, running, done, excluded int
	for _, w := range d.Workers {
		switch {
		case w.Excluded():
			excluded++
		case w.Block == nil:
			idle++
		case w.Done:
			done++
		default:
			running++
		}

		metrics.EstimatorSeconds.WithLabelValues(w.Hostname, "upload").Set(w.UploadTimeout(0).Seconds())
		metrics.EstimatorSeconds.WithLabelValues(w.Hostname, "download").Set(w.DownloadTimeout(0).Seconds())
		metrics.EstimatorSeconds.WithLabelValues(w.Hostname, "poll_timeout").Set(w.PollTimeout().Seconds())
		metrics.EstimatorSeconds.WithLabelValues(w.Hostname, "poll_interval").Set(w.PollInterval().Seconds())
	}
	metrics.WorkersTotal.WithLabelValues("idle").Set(float64(idle))
	metrics.WorkersTotal.WithLabelValues("running").Set(float64(running))
	metrics.WorkersTotal.WithLabelValues("done").Set(float64(done))
	metrics.WorkersTotal.WithLabelValues("excluded").Set(float64(excluded))
}

func (d *Dispatcher) minWake() time.Duration {
	now := time.Now()
	wake := now.Add(maxWake)
	for _, w := range d.Workers {
		if w.Excluded() {
			continue
		}
		if w.Polled.IsZero() {
			return 0
		}
		next := w.Polled.Add(w.PollInterval())
		if next.Before(wake) {
			wake = next
		}
	}
	sleep := wake.Sub(now)
	if sleep < time.Second {
		sleep = time.Second
	}
	return sleep
}

// planScan computes the decided action for every worker and builds the
// resulting transactions, fetching fresh blocks from the source where
// needed.
func (d *Dispatcher) planScan() []pendingAction {
	now := time.Now()
	var actions []pendingAction

	for _, w := range d.Workers {
		if w.Excluded() {
			continue
		}

		switch {
		case w.Block != nil && w.Done:
			actions = append(actions, d.planFetch(w))

		case w.Block != nil && !w.Polled.Add(w.PollInterval()).After(now):
			actions = append(actions, d.planCheck(w))

		case w.Block == nil && d.Policy.Accept(w, d.Workers):
			if a, ok := d.planStart(w); ok {
				actions = append(actions, a)
			}
		}
	}
	return actions
}

func (d *Dispatcher) planStart(w *worker.Worker) (pendingAction, bool) {
	b, err := d.Source.Next()
	if err != nil {
		return pendingAction{}, false
	}

	size, _ := b.Size()
	t := &txn.Transaction{
		Target:      w.Hostname,
		ConnectCmd:  w.ConnectCmd,
		Username:    w.Username,
		Hostname:    w.Hostname,
		Command:     protocol.Start(w.WorkingDir, d.Key, d.Task),
		StdinPath:   b.InputFile,
		Timeout:     w.UploadTimeout(size),
		Retries:     defaultTxnRetries,
		SuccessCode: 0,
		State:       b,
	}
	t.Post = func(t *txn.Transaction) { d.startPost(w, t) }
	return pendingAction{w: w, t: t, kind: "start"}, true
}

func (d *Dispatcher) planCheck(w *worker.Worker) pendingAction {
	t := &txn.Transaction{
		Target:      w.Hostname,
		ConnectCmd:  w.ConnectCmd,
		Username:    w.Username,
		Hostname:    w.Hostname,
		Command:     protocol.Check(w.WorkingDir, d.Key),
		Timeout:     w.PollTimeout(),
		Retries:     defaultTxnRetries,
		SuccessCode: 0,
	}
	t.Post = func(t *txn.Transaction) { d.checkPost(w, t) }
	return pendingAction{w: w, t: t, kind: "check"}
}

func (d *Dispatcher) planFetch(w *worker.Worker) pendingAction {
	outTemp, _ := d.Temps.CreateTemp()
	errTemp, _ := d.Temps.CreateTemp()

	t := &txn.Transaction{
		Target:      w.Hostname,
		ConnectCmd:  w.ConnectCmd,
		Username:    w.Username,
		Hostname:    w.Hostname,
		Command:     protocol.Fetch(w.WorkingDir, d.Key),
		StdoutPath:  outTemp,
		StderrPath:  errTemp,
		Timeout:     w.DownloadTimeout(w.RemoteSize),
		Retries:     defaultTxnRetries,
		SuccessCode: 0,
	}
	t.Post = func(t *txn.Transaction) { d.fetchPost(w, t, outTemp, errTemp) }
	return pendingAction{w: w, t: t, kind: "fetch"}
}

// startPost applies the outcome of a START transaction to the worker and
// block source.
func (d *Dispatcher) startPost(w *worker.Worker, t *txn.Transaction) {
	b := t.State.(*block.Block)

	switch t.Status {
	case txn.Success:
		w.Assign(b)
		w.Polled = time.Now()
		size, _ := b.Size()
		w.UpdateUpload(t.Elapsed, size)
		// Guard against a successful-looking transaction whose captured
		// output is nevertheless empty.
		if start, ok := parseInt64(t.Output); ok {
			w.Start = start
		}
		klog.WithWorker(w.Hostname).Info().Str("block", b.Description).Msg("started")

	case txn.Timeout:
		w.BackoffUpload()
		d.retry(b)
		w.Error()

	default: // Error
		d.retry(b)
		w.Error()
	}
}

// checkPost applies the outcome of a CHECK transaction to the worker and
// block source.
func (d *Dispatcher) checkPost(w *worker.Worker, t *txn.Transaction) {
	if t.Status != txn.Success {
		if t.Status == txn.Timeout {
			w.BackoffPoll()
		}
		if excluded := w.Error(); excluded {
			if b := w.Release(); b != nil {
				d.retry(b)
			}
		}
		return
	}

	heartbeat, pid, exitCode, remoteSize, ok := parseCheck(t.Output)
	if !ok {
		// Malformed CHECK output is treated as a remote failure.
		if excluded := w.Error(); excluded {
			if b := w.Release(); b != nil {
				d.retry(b)
			}
		}
		w.UpdatePoll(time.Duration(float64(t.Elapsed) * 1.5))
		return
	}

	switch {
	case pid == "Done" && exitCode != nil && *exitCode == d.TaskSuccessCode:
		target := time.Duration(float64(heartbeat-w.Start)*1.1/4) * time.Second
		w.UpdatePollInterval(target)
		w.Done = true
		w.RemoteSize = remoteSize
		w.Polled = time.Time{} // poll immediately -> next scan fetches

	case pid == "Done":
		w.Error()
		if b := w.Release(); b != nil {
			d.retry(b)
		}

	case heartbeat != w.Heartbeat:
		w.Heartbeat = heartbeat
		w.Polled = time.Now()

	default:
		if excluded := w.Error(); excluded {
			if b := w.Release(); b != nil {
				d.retry(b)
			}
		} else {
			w.Polled = time.Now()
		}
	}

	w.UpdatePoll(time.Duration(float64(t.Elapsed) * 1.5))
}

// fetchPost applies the outcome of a FETCH transaction to the worker,
// block source, and output writer.
func (d *Dispatcher) fetchPost(w *worker.Worker, t *txn.Transaction, outTemp, errTemp string) {
	defer func() {
		d.Temps.RemoveTemp(outTemp)
		d.Temps.RemoveTemp(errTemp)
	}()

	if t.Status != txn.Success {
		if t.Status == txn.Timeout {
			w.BackoffDownload()
		}
		if b := w.Release(); b != nil {
			d.retry(b)
		}
		w.Error()
		return
	}

	b := w.Block
	if err := d.Writer.Write(w.Hostname, fsio.BlockRef{InputFile: b.InputFile, Description: b.Description}, outTemp, errTemp); err != nil {
		klog.WithWorker(w.Hostname).Error().Err(err).Msg("failed to write block output")
		w.Error()
		d.retry(b)
		w.Release()
		return
	}

	w.UpdateDownload(t.Elapsed, w.RemoteSize)
	if err := d.Source.Done(b); err != nil {
		klog.WithWorker(w.Hostname).Warn().Err(err).Msg("source cleanup after fetch failed")
	}
	w.Completed++
	w.ResetErrors()
	w.Release()
	w.Polled = time.Time{}
	metrics.BlocksCompleted.Inc()
}

func parseInt64(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseCheck parses the CHECK wrapper's CSV line: mtime,pid[,exit_code[,size]].
// Missing trailing fields must not fail parsing.
func parseCheck(output string) (heartbeat int64, pid string, exitCode *int, size int64, ok bool) {
	fields := strings.Split(strings.TrimSpace(output), ",")
	if len(fields) < 2 {
		return 0, "", nil, 0, false
	}
	hb, hbOK := parseInt64(fields[0])
	if !hbOK {
		return 0, "", nil, 0, false
	}
	pid = strings.TrimSpace(fields[1])

	if len(fields) >= 3 {
		if v, ecOK := parseInt64(fields[2]); ecOK {
			iv := int(v)
			exitCode = &iv
		}
	}
	if len(fields) >= 4 {
		if v, szOK := parseInt64(fields[3]); szOK {
			size = v
		}
	}
	return hb, pid, exitCode, size, true
}
