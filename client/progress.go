package client

import "github.com/BaSui01/meshforge/types"

// EstimateProgress maps a status and the zero-based count n of previous
// observations in that status to a percentage. It is an approximation for
// display, not pipeline truth.
//
//	pending:    min(2+2n, 20)
//	processing: min(25+5n, 95)
//	completed:  100
//	failed:     0
func EstimateProgress(status types.JobStatus, n int) int {
	if n < 0 {
		n = 0
	}
	switch status {
	case types.JobStatusPending:
		return min(2+2*n, 20)
	case types.JobStatusProcessing:
		return min(25+5*n, 95)
	case types.JobStatusCompleted:
		return 100
	default:
		return 0
	}
}

// ProgressTracker keeps the estimate non-decreasing until a terminal status.
type ProgressTracker struct {
	status types.JobStatus
	n      int
	last   int
}

// Observe records one fetched status and returns the progress to display.
func (t *ProgressTracker) Observe(status types.JobStatus) int {
	if status == t.status {
		t.n++
	} else {
		t.status = status
		t.n = 0
	}

	est := EstimateProgress(status, t.n)
	if !status.IsTerminal() && est < t.last {
		est = t.last
	}
	t.last = est
	return est
}

// Last returns the most recent progress value.
func (t *ProgressTracker) Last() int { return t.last }
