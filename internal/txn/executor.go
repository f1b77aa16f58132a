package txn

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/semaphore"

	"github.com/scoky/kssh/internal/klog"
)

// buildLine assembles the local shell invocation:
//
//	[<stdin_path] <connect_cmd> <username>@<hostname> <shell-quoted remote_command> [>stdout_path] [2>stderr_path]
//
// The remote command is shell-quoted exactly once, as a single argument to
// the transport — never re-quoted after template substitution.
func buildLine(t *Transaction) string {
	var b strings.Builder
	if t.StdinPath != "" {
		fmt.Fprintf(&b, "<%s ", shellquote.Join(t.StdinPath))
	}
	b.WriteString(t.ConnectCmd)
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%s@%s ", t.Username, t.Hostname)
	b.WriteString(shellquote.Join(t.Command))
	if t.StdoutPath != "" {
		fmt.Fprintf(&b, " >%s", shellquote.Join(t.StdoutPath))
	}
	if t.StderrPath != "" {
		fmt.Fprintf(&b, " 2>%s", shellquote.Join(t.StderrPath))
	}
	return b.String()
}

// run executes a single transaction attempt, retrying on timeout up to
// t.Retries times; Error is terminal. run never panics or returns an
// error — every outcome is reported via t.Status.
func run(t *Transaction) {
	successCode := t.SuccessCode

	for {
		line := buildLine(t)
		cmd := exec.Command("sh", "-c", line)

		var stdout, stderr bytes.Buffer
		if t.StdoutPath == "" {
			cmd.Stdout = &stdout
		}
		if t.StderrPath == "" {
			cmd.Stderr = &stderr
		}

		start := time.Now()
		if err := cmd.Start(); err != nil {
			t.Status = Error
			t.Elapsed = time.Since(start)
			klog.Local().Error().Err(err).Str("host", t.Hostname).Msg("failed to start transaction")
			return
		}

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		var waitErr error
		timedOut := false
		select {
		case waitErr = <-done:
		case <-time.After(t.Timeout):
			timedOut = true
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-done
		}
		t.Elapsed = time.Since(start)

		if timedOut {
			t.attempt++
			if t.attempt <= t.Retries {
				continue
			}
			t.Status = Timeout
			return
		}

		exitCode := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				t.Status = Error
				return
			}
		}

		t.Output = stdout.String()
		t.Stderr = stderr.String()

		if exitCode == successCode {
			t.Status = Success
		} else {
			t.Status = Error
		}
		return
	}
}

// Sync runs a batch of transactions with at most concurrency in flight,
// returning only once every member has resolved. There is no ordering
// guarantee between transactions within the batch. Admission is a
// semaphore-bounded pool rather than a polling busy-wait.
func Sync(batch []*Transaction, concurrency int) {
	if len(batch) == 0 {
		return
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(len(batch))
	for _, t := range batch {
		t := t
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				t.Status = Error
				return
			}
			defer sem.Release(1)
			run(t)
		}()
	}
	wg.Wait()
}

// Many builds n transactions via build and runs them through Sync.
func Many(n int, concurrency int, build func(i int) *Transaction) []*Transaction {
	batch := make([]*Transaction, n)
	for i := range batch {
		batch[i] = build(i)
	}
	Sync(batch, concurrency)
	return batch
}
