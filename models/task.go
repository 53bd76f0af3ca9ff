package models

import "time"

// TaskType identifies a pipeline entry point. Every handler behind a task
// type must tolerate being invoked more than once for the same resource.
type TaskType string

const (
	TaskProcessFile  TaskType = "process_file"
	TaskConvertToMP4 TaskType = "convert_to_mp4"
	TaskProcessMedia TaskType = "process_media"
	TaskGenerateDash TaskType = "generate_dash"
)

// KnownTaskType reports whether t maps to a pipeline entry point.
func KnownTaskType(t TaskType) bool {
	switch t {
	case TaskProcessFile, TaskConvertToMP4, TaskProcessMedia, TaskGenerateDash:
		return true
	}
	return false
}

// PipelineTask is the envelope published to the task queue and accepted by
// the push endpoint.
type PipelineTask struct {
	TaskType   TaskType `json:"task_type"`
	ResourceID string   `json:"resource_id"`

	FilePath     string `json:"file_path,omitempty"`
	OutputFolder string `json:"output_folder,omitempty"`
}

// ProcessingProgress is a point-in-time snapshot of pipeline progress,
// published over Redis for status queries.
type ProcessingProgress struct {
	ResourceID  string         `json:"resource_id"`
	Status      ResourceStatus `json:"status"`
	CurrentTier Tier           `json:"current_tier,omitempty"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
