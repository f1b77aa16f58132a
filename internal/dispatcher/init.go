package dispatcher

import (
	"path/filepath"

	"github.com/scoky/kssh/internal/klog"
	"github.com/scoky/kssh/internal/protocol"
	"github.com/scoky/kssh/internal/txn"
	"github.com/scoky/kssh/internal/worker"
)

// RunInitFile broadcasts a local file to every worker's working directory
// before dispatch begins; workers whose transaction doesn't resolve
// Success are dropped from the returned slice.
func RunInitFile(workers []*worker.Worker, localPath string, concurrency int) []*worker.Worker {
	basename := filepath.Base(localPath)
	cmdFor := func(w *worker.Worker) string { return protocol.InitFile(w.WorkingDir, basename) }
	return runInitBatch(workers, localPath, cmdFor, concurrency)
}

// RunInitScript broadcasts and executes a local script on every worker
// before dispatch begins; workers whose transaction doesn't resolve
// Success are dropped.
func RunInitScript(workers []*worker.Worker, localPath string, concurrency int) []*worker.Worker {
	basename := filepath.Base(localPath)
	cmdFor := func(w *worker.Worker) string { return protocol.InitScript(w.WorkingDir, basename) }
	return runInitBatch(workers, localPath, cmdFor, concurrency)
}

func runInitBatch(workers []*worker.Worker, localPath string, cmdFor func(*worker.Worker) string, concurrency int) []*worker.Worker {
	batch := txn.Many(len(workers), concurrency, func(i int) *txn.Transaction {
		w := workers[i]
		return &txn.Transaction{
			Target:      w.Hostname,
			ConnectCmd:  w.ConnectCmd,
			Username:    w.Username,
			Hostname:    w.Hostname,
			Command:     cmdFor(w),
			StdinPath:   localPath,
			Timeout:     w.InitTimeout(),
			Retries:     defaultTxnRetries,
			SuccessCode: 0,
		}
	})

	var survivors []*worker.Worker
	for i, t := range batch {
		w := workers[i]
		if t.Status == txn.Success {
			survivors = append(survivors, w)
			continue
		}
		klog.WithWorker(w.Hostname).Warn().Str("status", t.Status.String()).Msg("dropped from fleet: initialization failed")
	}
	return survivors
}
