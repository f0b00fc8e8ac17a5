package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is legal.
// pending only moves to processing; failure is reached through it.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// GenerationParams is the immutable snapshot of generation settings taken at submission.
type GenerationParams struct {
	Caption          string  `json:"caption"`
	Steps            int     `json:"steps"`
	GuidanceScale    float64 `json:"guidanceScale"`
	OctreeResolution int     `json:"octreeResolution"`
	Seed             int64   `json:"seed"`
	CheckBoxRembg    bool    `json:"checkBoxRembg"`
	ShapeOnly        bool    `json:"shapeOnly"`
}

// DefaultGenerationParams returns the parameters used when a request omits them.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Steps:            50,
		GuidanceScale:    7.5,
		OctreeResolution: 256,
		Seed:             1234,
		CheckBoxRembg:    true,
		ShapeOnly:        false,
	}
}

// Validate checks parameter ranges.
func (p GenerationParams) Validate() error {
	if p.Steps < 1 || p.Steps > 100 {
		return Errorf(ErrInvalidInput, "steps must be between 1 and 100, got %d", p.Steps)
	}
	if p.GuidanceScale < 0 || p.GuidanceScale > 30 {
		return Errorf(ErrInvalidInput, "guidance scale must be between 0 and 30, got %g", p.GuidanceScale)
	}
	switch p.OctreeResolution {
	case 128, 256, 384, 512:
	default:
		return Errorf(ErrInvalidInput, "octree resolution must be one of 128, 256, 384, 512, got %d", p.OctreeResolution)
	}
	if len(p.Caption) > 1000 {
		return NewError(ErrInvalidInput, "caption must not exceed 1000 characters")
	}
	return nil
}

// UploadedImage is one preprocessed image stored in the artifact store.
type UploadedImage struct {
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"sizeBytes"`
}

// CompressionStat records the size effect of preprocessing on one image.
type CompressionStat struct {
	Filename            string `json:"filename"`
	OriginalSizeBytes   int64  `json:"originalSizeBytes"`
	CompressedSizeBytes int64  `json:"compressedSizeBytes"`
}

// Job is the persistent record tracking one generation request end-to-end.
type Job struct {
	ID                string            `json:"id"`
	Status            JobStatus         `json:"status"`
	RequestParameters GenerationParams  `json:"requestParameters"`
	UploadedImages    []UploadedImage   `json:"uploadedImages"`
	CompressionStats  []CompressionStat `json:"compressionStats"`
	PredictionID      string            `json:"predictionId,omitempty"`
	// UpstreamSnapshot is the raw body of the latest successful prediction poll.
	UpstreamSnapshot json.RawMessage `json:"upstreamSnapshot,omitempty"`
	ModelURL         string          `json:"modelUrl,omitempty"`
	OriginalModelURL string          `json:"originalModelUrl,omitempty"`
	FallbackUsed     bool            `json:"fallbackUsed"`
	FallbackReason   string          `json:"fallbackReason,omitempty"`
	ProcessingTimeMs int64           `json:"processingTimeMs,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// NewJob creates a pending job.
func NewJob(id string, params GenerationParams, now time.Time) *Job {
	return &Job{
		ID:                id,
		Status:            JobStatusPending,
		RequestParameters: params,
		UploadedImages:    []UploadedImage{},
		CompressionStats:  []CompressionStat{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// IsTerminal reports whether the job reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Transition moves the job to next, rejecting backward or sideways moves.
func (j *Job) Transition(next JobStatus) error {
	if !j.Status.CanTransitionTo(next) {
		return Errorf(ErrInvalidTransition, "job %s cannot move from %s to %s", j.ID, j.Status, next)
	}
	j.Status = next
	return nil
}

// Fail moves the job to failed with a non-empty message.
func (j *Job) Fail(message string) error {
	if message == "" {
		message = "job failed"
	}
	if err := j.Transition(JobStatusFailed); err != nil {
		return err
	}
	j.ErrorMessage = message
	return nil
}

// Validate checks the record-level invariants.
func (j *Job) Validate() error {
	if j.ID == "" {
		return NewError(ErrInvalidInput, "job id is required")
	}
	if !j.Status.IsValid() {
		return Errorf(ErrInvalidInput, "unknown job status %q", j.Status)
	}
	if j.Status == JobStatusFailed && j.ErrorMessage == "" {
		return fmt.Errorf("job %s is failed without an error message", j.ID)
	}
	if j.Status == JobStatusCompleted && j.ModelURL == "" {
		return fmt.Errorf("job %s is completed without a model url", j.ID)
	}
	return nil
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.UploadedImages = make([]UploadedImage, len(j.UploadedImages))
	copy(c.UploadedImages, j.UploadedImages)
	c.CompressionStats = make([]CompressionStat, len(j.CompressionStats))
	copy(c.CompressionStats, j.CompressionStats)
	if j.UpstreamSnapshot != nil {
		c.UpstreamSnapshot = append(json.RawMessage(nil), j.UpstreamSnapshot...)
	}
	return &c
}
