package dispatcher

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoky/kssh/internal/block"
	"github.com/scoky/kssh/internal/fsio"
	"github.com/scoky/kssh/internal/txn"
	"github.com/scoky/kssh/internal/worker"
)

func TestNewRunKeyFormat(t *testing.T) {
	key := NewRunKey()
	assert.Len(t, key, 8)
	assert.NotContains(t, key, "-")
}

func TestParseInt64(t *testing.T) {
	v, ok := parseInt64(" 42 ")
	assert.True(t, ok)
	assert.EqualValues(t, 42, v)

	_, ok = parseInt64("")
	assert.False(t, ok)

	_, ok = parseInt64("not-a-number")
	assert.False(t, ok)
}

func TestParseCheckThreeFields(t *testing.T) {
	hb, pid, exitCode, size, ok := parseCheck("1690000000,Done,0")
	require.True(t, ok)
	assert.EqualValues(t, 1690000000, hb)
	assert.Equal(t, "Done", pid)
	require.NotNil(t, exitCode)
	assert.Equal(t, 0, *exitCode)
	assert.EqualValues(t, 0, size)
}

func TestParseCheckTwoFields(t *testing.T) {
	hb, pid, exitCode, _, ok := parseCheck("1690000000,12345")
	require.True(t, ok, "missing trailing fields must not fail parsing")
	assert.EqualValues(t, 1690000000, hb)
	assert.Equal(t, "12345", pid)
	assert.Nil(t, exitCode)
}

func TestParseCheckFourFields(t *testing.T) {
	hb, pid, exitCode, size, ok := parseCheck("1690000000,Done,0,1024")
	require.True(t, ok)
	assert.EqualValues(t, 1690000000, hb)
	assert.Equal(t, "Done", pid)
	require.NotNil(t, exitCode)
	assert.Equal(t, 0, *exitCode)
	assert.EqualValues(t, 1024, size)
}

func TestParseCheckRejectsEmptyOutput(t *testing.T) {
	_, _, _, _, ok := parseCheck("")
	assert.False(t, ok)
}

func TestParseCheckRejectsMissingHeartbeat(t *testing.T) {
	_, _, _, _, ok := parseCheck("not-a-number,Done,0")
	assert.False(t, ok)
}

func TestAnyActive(t *testing.T) {
	w1 := worker.New(worker.Config{Hostname: "h1"})
	w2 := worker.New(worker.Config{Hostname: "h2"})
	d := &Dispatcher{Workers: []*worker.Worker{w1, w2}}
	assert.False(t, d.anyActive())

	w2.Assign(&block.Block{InputFile: "x"})
	assert.True(t, d.anyActive())
}

func TestMinWakeZeroWhenWorkerNeverPolled(t *testing.T) {
	w := worker.New(worker.Config{Hostname: "h1", PollInterval: 10 * time.Second})
	w.Assign(&block.Block{InputFile: "x"})
	d := &Dispatcher{Workers: []*worker.Worker{w}}
	assert.Equal(t, time.Duration(0), d.minWake())
}

func TestMinWakeFloorsAtOneSecond(t *testing.T) {
	w := worker.New(worker.Config{Hostname: "h1", PollInterval: 10 * time.Second})
	w.Assign(&block.Block{InputFile: "x"})
	w.Polled = time.Now().Add(-time.Hour) // next poll deadline long past
	d := &Dispatcher{Workers: []*worker.Worker{w}}
	assert.Equal(t, time.Second, d.minWake())
}

func TestMinWakeIgnoresExcludedWorkers(t *testing.T) {
	w := worker.New(worker.Config{Hostname: "h1"})
	for i := 0; i <= 5; i++ {
		w.Error()
	}
	require.True(t, w.Excluded())
	d := &Dispatcher{Workers: []*worker.Worker{w}}
	assert.InDelta(t, maxWake, d.minWake(), float64(time.Second))
}

func TestAnyGoodWorker(t *testing.T) {
	w1 := worker.New(worker.Config{Hostname: "h1"})
	w2 := worker.New(worker.Config{Hostname: "h2"})
	d := &Dispatcher{Workers: []*worker.Worker{w1, w2}}
	assert.True(t, d.anyGoodWorker())

	for i := 0; i <= 5; i++ {
		w1.Error()
	}
	assert.True(t, d.anyGoodWorker(), "h2 is still good")

	for i := 0; i <= 5; i++ {
		w2.Error()
	}
	assert.False(t, d.anyGoodWorker())
}

// stuckSource reports one pending retry forever and never produces a fresh
// block, simulating a queue nobody is left to pop.
type stuckSource struct{ retries int }

func (s *stuckSource) HasMore() bool              { return s.retries > 0 }
func (s *stuckSource) Next() (*block.Block, error) { return nil, block.ErrExhausted }
func (s *stuckSource) Retry(b *block.Block)        { s.retries++ }
func (s *stuckSource) Done(b *block.Block) error   { return nil }
func (s *stuckSource) Close() error                { return nil }
func (s *stuckSource) Len() (int, error)           { return 0, block.ErrLenUnsupported }
func (s *stuckSource) PendingRetries() int         { return s.retries }

// fakeWriter records each write's block and temp paths.
type fakeWriter struct {
	hostname string
	block    fsio.BlockRef
}

func (f *fakeWriter) Write(hostname string, b fsio.BlockRef, stdoutTemp, stderrTemp string) error {
	f.hostname = hostname
	f.block = b
	return nil
}

func (f *fakeWriter) Close() error { return nil }

// fakeDoneSource records which block Done was called with; Retry is unused
// in this test.
type fakeDoneSource struct {
	done *block.Block
}

func (f *fakeDoneSource) HasMore() bool               { return false }
func (f *fakeDoneSource) Next() (*block.Block, error) { return nil, block.ErrExhausted }
func (f *fakeDoneSource) Retry(b *block.Block)         {}
func (f *fakeDoneSource) Done(b *block.Block) error    { f.done = b; return nil }
func (f *fakeDoneSource) Close() error                 { return nil }
func (f *fakeDoneSource) Len() (int, error)            { return 0, block.ErrLenUnsupported }
func (f *fakeDoneSource) PendingRetries() int          { return 0 }

func TestFetchPostUpdatesDownloadEstimatorFromRemoteSize(t *testing.T) {
	dir := t.TempDir()
	inputPath := dir + "/in.txt"
	require.NoError(t, os.WriteFile(inputPath, []byte("this input is much longer than the remote output"), 0o644))

	w := worker.New(worker.Config{Hostname: "h1"})
	b := &block.Block{InputFile: inputPath, Description: "file in.txt"}
	w.Assign(b)
	w.Done = true
	w.RemoteSize = 7 // the actual transferred output size, unrelated to the input's size

	src := &fakeDoneSource{}
	writer := &fakeWriter{}
	temps := fsio.NewTempRegistry(dir)

	d := &Dispatcher{Source: src, Writer: writer, Temps: temps}

	outTemp, err := temps.CreateTemp()
	require.NoError(t, err)
	errTemp, err := temps.CreateTemp()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(outTemp, nil, 0o644))
	require.NoError(t, os.WriteFile(errTemp, nil, 0o644))

	tx := &txn.Transaction{Status: txn.Success, Elapsed: 2 * time.Second}
	d.fetchPost(w, tx, outTemp, errTemp)

	assert.Same(t, b, src.done, "source.Done must be called with the completed block")
	assert.Equal(t, "file in.txt", writer.block.Description)

	// The WMA update set the download timeout to Elapsed (2s) and the
	// observed size to RemoteSize (7). Scaling to a hypothetical 14-byte
	// transfer must double it; if the input file's (much larger) size had
	// been recorded instead, the ratio — and this assertion — would be wrong.
	assert.Equal(t, 4*time.Second, w.DownloadTimeout(14), "download estimate must scale off RemoteSize, not the input file size")
}

func TestRunTerminatesWhenEveryWorkerExcludedWithRetriesPending(t *testing.T) {
	w := worker.New(worker.Config{Hostname: "h1"})
	for i := 0; i <= 5; i++ {
		w.Error()
	}
	require.True(t, w.Excluded())

	src := &stuckSource{retries: 1}
	d := &Dispatcher{Workers: []*worker.Worker{w}, Source: src, Policy: PerformancePolicy{}}

	done := make(chan struct{})
	go func() {
		d.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not terminate when no non-excluded worker remained")
	}
}
