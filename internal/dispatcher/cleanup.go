package dispatcher

import (
	"github.com/scoky/kssh/internal/protocol"
	"github.com/scoky/kssh/internal/txn"
	"github.com/scoky/kssh/internal/worker"
)

// CleanupRemote runs the destructive CLEANUP wrapper against every worker,
// removing its working directory's contents. Callers gate this behind an
// explicit opt-in flag.
func CleanupRemote(workers []*worker.Worker, concurrency int) {
	txn.Many(len(workers), concurrency, func(i int) *txn.Transaction {
		w := workers[i]
		return &txn.Transaction{
			Target:      w.Hostname,
			ConnectCmd:  w.ConnectCmd,
			Username:    w.Username,
			Hostname:    w.Hostname,
			Command:     protocol.Cleanup(w.WorkingDir),
			Timeout:     w.InitTimeout(),
			Retries:     defaultTxnRetries,
			SuccessCode: 0,
		}
	})
}
