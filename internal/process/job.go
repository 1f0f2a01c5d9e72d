// Package process holds the job record the server and worker persist while
// a cartoonization runs.
package process

import "time"

// JobStatus represents the lifecycle state of a processing job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Done reports whether s is terminal.
func (s JobStatus) Done() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// Job kinds.
const (
	KindVideo = "video"
	KindImage = "image"
)

// Job is the persisted view of one cartoonization.
type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Input       string    `json:"input,omitempty"`
	Status      JobStatus `json:"status"`
	State       string    `json:"state,omitempty"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	OutputPath  string    `json:"output_path,omitempty"`
	DownloadURL string    `json:"download_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func NewJob(kind, id, input string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		Kind:      kind,
		Input:     input,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func touch(j *Job) { j.UpdatedAt = time.Now().UTC() }

func MarkRunning(j *Job) { j.Status = JobStatusRunning; touch(j) }

// MarkState records the pipeline state without changing the status.
func MarkState(j *Job, state string) { j.State = state; touch(j) }

func MarkSucceeded(j *Job, output string) {
	j.Status = JobStatusSucceeded
	j.OutputPath = output
	touch(j)
}

// MarkFailed records a failure. message is what end users see; it should
// not contain paths or process output.
func MarkFailed(j *Job, stage, message string) {
	j.Status = JobStatusFailed
	j.FailedStage = stage
	if message != "" {
		j.Error = message
	}
	touch(j)
}

func MarkCanceled(j *Job) { j.Status = JobStatusCanceled; touch(j) }
