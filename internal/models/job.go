package models

import "time"

// JobState is the lifecycle state of an import job.
type JobState string

const (
	JobStarting   JobState = "starting"
	JobResolving  JobState = "resolving"
	JobProcessing JobState = "processing"
	JobFinalizing JobState = "finalizing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// SkipReason classifies why a single item was not ingested.
type SkipReason string

const (
	SkipNotImage         SkipReason = "not_image"
	SkipFetchFailed      SkipReason = "fetch_failed"
	SkipResolutionFailed SkipReason = "resolution_failed"
	SkipExtractionFailed SkipReason = "extraction_failed"
	SkipStorageRejected  SkipReason = "storage_rejected"
)

// SkippedItem records one skipped item.
type SkippedItem struct {
	Reference string     `json:"reference"`
	Reason    SkipReason `json:"reason"`
	Error     string     `json:"error"`
}

// JobSummary reports the outcome of one import job.
type JobSummary struct {
	JobID      string             `json:"job_id"`
	Reference  string             `json:"reference"`
	Source     string             `json:"source,omitempty"`
	State      JobState           `json:"state"`
	Succeeded  int                `json:"succeeded"`
	Skipped    map[SkipReason]int `json:"skipped"`
	Samples    []SkippedItem      `json:"skipped_samples,omitempty"`
	FirstID    *uint64            `json:"first_id,omitempty"`
	LastID     *uint64            `json:"last_id,omitempty"`
	Builds     int                `json:"builds"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Error      string             `json:"error,omitempty"`
}

// TotalSkipped sums skip counts across reasons.
func (s *JobSummary) TotalSkipped() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// Duration is the wall time of the job.
func (s *JobSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
