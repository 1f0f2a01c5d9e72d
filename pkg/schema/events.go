// Package schema defines the messages exchanged with the cartoonizer worker.
package schema

// VideoUploaded asks the worker to cartoonize a stored video. ContentID
// names the original in simple-content.
type VideoUploaded struct {
	ID         string `json:"id"`
	ContentID  string `json:"content_id"`
	Filename   string `json:"filename"`
	HappenedAt int64  `json:"happened_at"`
}

type ProcessingStage string

const (
	StageValidation ProcessingStage = "validation"
	StageDownload   ProcessingStage = "download"
	StageProcessing ProcessingStage = "processing"
	StageUpload     ProcessingStage = "upload"
	StageCompleted  ProcessingStage = "completed"
	StageFailed     ProcessingStage = "failed"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

// CartoonLifecycleEvent reports progress of one job. PipelineState carries
// the fine-grained pipeline state while Stage is StageProcessing.
type CartoonLifecycleEvent struct {
	JobID           string          `json:"job_id"`
	EventID         string          `json:"event_id,omitempty"`
	ParentContentID string          `json:"parent_content_id,omitempty"`
	Stage           ProcessingStage `json:"stage"`
	PipelineState   string          `json:"pipeline_state,omitempty"`
	FailedStage     string          `json:"failed_stage,omitempty"`
	Error           string          `json:"error,omitempty"`
	FailureType     FailureType     `json:"failure_type,omitempty"`
	HappenedAt      int64           `json:"happened_at"`
}

// CartoonResult describes the stored cartoon.
type CartoonResult struct {
	ContentID   string `json:"content_id"`
	Variant     string `json:"variant"`
	FileName    string `json:"file_name"`
	Width       int    `json:"width"`
	FrameRate   string `json:"frame_rate"`
	HasAudio    bool   `json:"has_audio"`
	DownloadURL string `json:"download_url,omitempty"`
}

// CartoonDone is published once per job when it reaches a terminal state.
// ID echoes the VideoUploaded id; JobID names the local pipeline run.
type CartoonDone struct {
	ID               string                  `json:"id"`
	JobID            string                  `json:"job_id"`
	ParentContentID  string                  `json:"parent_content_id"`
	ProcessingTimeMs int64                   `json:"processing_time_ms"`
	Result           *CartoonResult          `json:"result,omitempty"`
	Lifecycle        []CartoonLifecycleEvent `json:"lifecycle,omitempty"`
	FailedStage      string                  `json:"failed_stage,omitempty"`
	Error            string                  `json:"error,omitempty"`
	FailureType      FailureType             `json:"failure_type,omitempty"`
	HappenedAt       int64                   `json:"happened_at"`
}
