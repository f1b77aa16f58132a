// Package txn implements the transaction executor: one attempt at one
// remote shell command, with timeout, retry and output capture, and the
// bounded-concurrency batch runner that the dispatcher scan loop drives
// each scan.
package txn

import (
	"time"
)

// Status is the resolved outcome of a Transaction.
type Status int

const (
	// Incomplete means the transaction hasn't been run, or is running.
	Incomplete Status = iota
	Success
	Timeout
	Error
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Error:
		return "error"
	default:
		return "incomplete"
	}
}

// Transaction is one attempt at one remote shell command.
type Transaction struct {
	// Target identifies the worker for logging; the executor itself is
	// worker-agnostic and only needs the connect/command strings below.
	Target string

	// ConnectCmd is the opaque transport prefix, e.g. "ssh" or a wrapper script.
	ConnectCmd string
	Username   string
	Hostname   string

	// Command is the remote shell command, fully formed but unquoted (see
	// internal/protocol); buildLine shell-quotes it exactly once as a
	// single argument to the transport.
	Command string

	// StdinPath, StdoutPath, StderrPath redirect the corresponding local
	// stream to a file when non-empty.
	StdinPath  string
	StdoutPath string
	StderrPath string

	// Timeout is this attempt's effective timeout.
	Timeout time.Duration
	// Retries is the number of additional attempts allowed after a
	// timeout; Error is terminal regardless of Retries.
	Retries int
	// SuccessCode is the exit code that resolves Success (default 0).
	SuccessCode int

	// State is an opaque caller-supplied value threaded through to the
	// post-callback (e.g. the block or CSV-parse result).
	State any

	// Post, if set, runs after the transaction resolves. Sync and Many do
	// not call it; the dispatcher scan loop calls each Post sequentially
	// after Sync returns.
	Post func(*Transaction)

	// Results, filled in once resolved.
	Status   Status
	Output   string
	Stderr   string
	Elapsed  time.Duration
	attempt  int
}

// Attempt returns how many runs of this transaction have timed out so far;
// a run that exits (Success or Error) does not count.
func (t *Transaction) Attempt() int { return t.attempt }
