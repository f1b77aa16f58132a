package dispatcher

import "github.com/scoky/kssh/internal/worker"

// Policy decides which idle, non-excluded workers may accept a fresh block.
// It plugs into the scan loop's "accept a fresh block" branch only — FETCH
// and CHECK actions are never gated by policy.
type Policy interface {
	Accept(w *worker.Worker, all []*worker.Worker) bool
}

// PerformancePolicy lets any non-excluded idle worker accept the next
// block; faster workers naturally finish more and so pick up more. This
// is the default mode.
type PerformancePolicy struct{}

func (PerformancePolicy) Accept(w *worker.Worker, all []*worker.Worker) bool {
	return true
}

// FailoverPolicy bounds each worker's share of the total blocks to
// ceil(total_blocks / good_workers), recomputed against the current count
// of non-excluded workers so the target rises as workers are excluded.
type FailoverPolicy struct {
	Total int
}

func (p FailoverPolicy) Accept(w *worker.Worker, all []*worker.Worker) bool {
	good := 0
	for _, x := range all {
		if !x.Excluded() {
			good++
		}
	}
	if good == 0 {
		return false
	}
	target := ceilDiv(p.Total, good)
	return w.Completed < target
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return a
	}
	return (a + b - 1) / b
}
