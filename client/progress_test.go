package client

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/BaSui01/meshforge/types"
)

func TestEstimateProgress(t *testing.T) {
	tests := []struct {
		status types.JobStatus
		n      int
		want   int
	}{
		{types.JobStatusPending, 0, 2},
		{types.JobStatusPending, 3, 8},
		{types.JobStatusPending, 9, 20},
		{types.JobStatusPending, 100, 20},
		{types.JobStatusProcessing, 0, 25},
		{types.JobStatusProcessing, 4, 45},
		{types.JobStatusProcessing, 14, 95},
		{types.JobStatusProcessing, 500, 95},
		{types.JobStatusCompleted, 0, 100},
		{types.JobStatusFailed, 7, 0},
		{types.JobStatus("unknown"), 1, 0},
		{types.JobStatusPending, -5, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateProgress(tt.status, tt.n), "%s n=%d", tt.status, tt.n)
	}
}

func TestProgressTracker_Sequence(t *testing.T) {
	var tr ProgressTracker
	got := []int{
		tr.Observe(types.JobStatusPending),
		tr.Observe(types.JobStatusPending),
		tr.Observe(types.JobStatusProcessing),
		tr.Observe(types.JobStatusProcessing),
		tr.Observe(types.JobStatusCompleted),
	}
	assert.Equal(t, []int{2, 4, 25, 30, 100}, got)
	assert.Equal(t, 100, tr.Last())
}

func TestProgressTracker_FailedDropsToZero(t *testing.T) {
	var tr ProgressTracker
	tr.Observe(types.JobStatusProcessing)
	tr.Observe(types.JobStatusProcessing)
	assert.Equal(t, 0, tr.Observe(types.JobStatusFailed))
}

// TestProperty_ProgressMonotonic 非终态序列上进度单调不减且不超过 95
func TestProperty_ProgressMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		statuses := rapid.SliceOfN(
			rapid.SampledFrom([]types.JobStatus{types.JobStatusPending, types.JobStatusProcessing}),
			1, 80,
		).Draw(rt, "statuses")

		var tr ProgressTracker
		prev := 0
		for i, st := range statuses {
			p := tr.Observe(st)
			if p < prev {
				rt.Fatalf("progress decreased at %d: %d -> %d", i, prev, p)
			}
			if p < 2 || p > 95 {
				rt.Fatalf("progress %d out of range at %d", p, i)
			}
			prev = p
		}

		if got := tr.Observe(types.JobStatusCompleted); got != 100 {
			rt.Fatalf("completed progress = %d", got)
		}
	})
}

// TestProperty_EstimateBounds 任意 n 下估算都落在各状态的区间内
func TestProperty_EstimateBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(-10, 10_000).Draw(rt, "n")

		pending := EstimateProgress(types.JobStatusPending, n)
		processing := EstimateProgress(types.JobStatusProcessing, n)
		if pending < 2 || pending > 20 {
			rt.Fatalf("pending(%d) = %d", n, pending)
		}
		if processing < 25 || processing > 95 {
			rt.Fatalf("processing(%d) = %d", n, processing)
		}
		if processing <= pending {
			rt.Fatalf("processing(%d)=%d not above pending=%d", n, processing, pending)
		}
	})
}

// TestProperty_BackoffBounded 退避不超过上限、随失败次数单调不减
func TestProperty_BackoffBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	maxBackoff := 30 * time.Second

	properties.Property("backoff never exceeds the cap", prop.ForAll(
		func(baseMs int64, k int) bool {
			base := time.Duration(baseMs) * time.Millisecond
			return Backoff(base, 1.5, maxBackoff, k) <= maxBackoff
		},
		gen.Int64Range(1, 60_000),
		gen.IntRange(0, 200),
	))

	properties.Property("backoff is non-decreasing in k", prop.ForAll(
		func(baseMs int64, k int) bool {
			base := time.Duration(baseMs) * time.Millisecond
			return Backoff(base, 1.5, maxBackoff, k) <= Backoff(base, 1.5, maxBackoff, k+1)
		},
		gen.Int64Range(1, 60_000),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	max := 30 * time.Second

	assert.Equal(t, base, Backoff(base, 1.5, max, 0))
	assert.Equal(t, 7500*time.Millisecond, Backoff(base, 1.5, max, 1))
	assert.Equal(t, 11250*time.Millisecond, Backoff(base, 1.5, max, 2))
	assert.Equal(t, max, Backoff(base, 1.5, max, 5))
	assert.Equal(t, max, Backoff(base, 1.5, max, 10_000))
	assert.Equal(t, base, Backoff(base, 0.5, max, 3), "factor below 1 is clamped")
}
