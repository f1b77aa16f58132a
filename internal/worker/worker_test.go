package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scoky/kssh/internal/block"
)

func TestWMA(t *testing.T) {
	tests := []struct {
		name     string
		sample   time.Duration
		previous time.Duration
		want     time.Duration
	}{
		{"null previous returns clamped sample", 10 * time.Second, 0, 10 * time.Second},
		{"below floor clamps to MinEstimate", 0, 2 * time.Second, MinEstimate},
		{"above ceiling clamps to MaxEstimate", 400 * time.Second, 400 * time.Second, MaxEstimate},
		{"blends toward newest sample", 20 * time.Second, 10 * time.Second, time.Duration(0.75*float64(20*time.Second) + 0.25*float64(10*time.Second))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, wma(tt.sample, tt.previous))
		})
	}
}

func TestErrorExclusion(t *testing.T) {
	w := New(Config{Hostname: "h1"})
	for i := 0; i < maxErrors; i++ {
		assert.False(t, w.Error(), "should not exclude before exceeding maxErrors")
	}
	assert.True(t, w.Error(), "should exclude on the (maxErrors+1)th error")
	assert.True(t, w.Excluded())
}

func TestResetErrorsClearsCount(t *testing.T) {
	w := New(Config{Hostname: "h1"})
	w.Error()
	w.Error()
	assert.Equal(t, 2, w.ErrorCount())
	w.ResetErrors()
	assert.Equal(t, 0, w.ErrorCount())
	assert.False(t, w.Excluded())
}

func TestAssignRelease(t *testing.T) {
	w := New(Config{Hostname: "h1"})
	assert.True(t, w.Idle())

	b := &block.Block{InputFile: "/tmp/x"}
	w.Assign(b)
	assert.False(t, w.Idle())
	assert.Same(t, b, w.Block)

	released := w.Release()
	assert.Same(t, b, released)
	assert.True(t, w.Idle())
}

func TestBackoffDoublesAndClamps(t *testing.T) {
	w := New(Config{Hostname: "h1", UploadTimeout: 100 * time.Second})
	w.BackoffUpload()
	assert.Equal(t, 200*time.Second, w.UploadTimeout(0))
	w.BackoffUpload()
	assert.Equal(t, MaxEstimate, w.UploadTimeout(0))
}

func TestUploadTimeoutScalesBySize(t *testing.T) {
	w := New(Config{Hostname: "h1", UploadTimeout: 10 * time.Second})
	w.UpdateUpload(10*time.Second, 1000)
	// doubling the block size should roughly double the scaled estimate
	assert.Equal(t, 20*time.Second, w.UploadTimeout(2000))
}

func TestExcludedWorkerStaysExcluded(t *testing.T) {
	w := New(Config{Hostname: "h1"})
	for i := 0; i <= maxErrors; i++ {
		w.Error()
	}
	assert.True(t, w.Excluded())
	w.ResetErrors()
	assert.True(t, w.Excluded(), "exclusion is sticky even after a reset")
}
