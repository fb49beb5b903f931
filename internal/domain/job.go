package domain

import "time"

// JobStatus represents the aggregate status of a generation job.
// Values include JobStatusPending, JobStatusProcessing, JobStatusCompleted,
// JobStatusFailed and JobStatusPartiallyFailed.
type JobStatus string

const (
	JobStatusPending         JobStatus = "pending"
	JobStatusProcessing      JobStatus = "processing"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
	JobStatusPartiallyFailed JobStatus = "partially_failed"
)

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusPartiallyFailed
}

// JobKind distinguishes the generation flows that create jobs.
type JobKind string

const (
	JobKindImage      JobKind = "image"
	JobKindVideo      JobKind = "video"
	JobKindMultiAngle JobKind = "multi_angle"
)

// SubTaskStatus is the lifecycle state of a single provider task.
type SubTaskStatus string

const (
	SubTaskStatusQueued     SubTaskStatus = "queued"
	SubTaskStatusProcessing SubTaskStatus = "processing"
	SubTaskStatusCompleted  SubTaskStatus = "completed"
	SubTaskStatusFailed     SubTaskStatus = "failed"
)

// IsTerminal reports whether the subtask is completed or failed.
func (s SubTaskStatus) IsTerminal() bool {
	return s == SubTaskStatusCompleted || s == SubTaskStatusFailed
}

// TerminalSubTaskStatuses is used in conditional updates that must not touch finished subtasks.
var TerminalSubTaskStatuses = []SubTaskStatus{SubTaskStatusCompleted, SubTaskStatusFailed}

// Job groups one or more subtasks submitted by a user in a single request.
type Job struct {
	ID                string      `gorm:"type:text;primaryKey" json:"id"`
	UserID            string      `gorm:"type:text;not null;index:idx_jobs_user" json:"user_id"`
	ModelKey          string      `gorm:"type:text;not null" json:"model_key"`
	Kind              JobKind     `gorm:"type:text;not null;default:image" json:"kind"`
	Prompt            string      `gorm:"type:text" json:"prompt"`
	AspectRatio       string      `gorm:"type:text" json:"aspect_ratio,omitempty"`
	Resolution        string      `gorm:"type:text" json:"resolution,omitempty"`
	ReferenceAssets   StringArray `gorm:"type:text" json:"reference_assets"`
	Status            JobStatus   `gorm:"type:text;index:idx_jobs_status;default:pending" json:"status"`
	TotalSubtasks     int         `gorm:"not null;default:0" json:"total_subtasks"`
	CompletedSubtasks int         `gorm:"not null;default:0" json:"completed_subtasks"`
	FailedSubtasks    int         `gorm:"not null;default:0" json:"failed_subtasks"`
	CreditsPerSubtask int         `gorm:"not null;default:0" json:"credits_per_subtask"`
	CreditsRefunded   int         `gorm:"not null;default:0" json:"credits_refunded"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`

	SubTasks []SubTask `gorm:"foreignKey:JobID" json:"sub_tasks,omitempty"`
}

// TableName returns the database table name for Job.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Job) TableName() string {
	return "jobs"
}

// TotalCredits is the amount debited for the whole job.
func (j *Job) TotalCredits() int {
	return j.CreditsPerSubtask * j.TotalSubtasks
}

// DeriveJobStatus computes the aggregate status from subtask counters.
// A job with outstanding subtasks is processing; once every subtask is terminal
// the job is completed, failed or partially_failed depending on the mix.
func DeriveJobStatus(total, completed, failed int) JobStatus {
	if total <= 0 {
		return JobStatusPending
	}
	if completed+failed < total {
		return JobStatusProcessing
	}
	switch {
	case failed == 0:
		return JobStatusCompleted
	case completed == 0:
		return JobStatusFailed
	default:
		return JobStatusPartiallyFailed
	}
}

// SubTask is one externally executed provider task belonging to a Job.
type SubTask struct {
	ID                 string        `gorm:"type:text;primaryKey" json:"id"`
	JobID              string        `gorm:"type:text;not null;index:idx_sub_tasks_job" json:"job_id"`
	Seq                int           `gorm:"not null;default:0" json:"seq"`
	Label              string        `gorm:"type:text" json:"label,omitempty"`
	Prompt             string        `gorm:"type:text" json:"prompt"`
	ExternalTaskID     string        `gorm:"type:text;index:idx_sub_tasks_external" json:"external_task_id,omitempty"`
	Status             SubTaskStatus `gorm:"type:text;index:idx_sub_tasks_status;default:queued" json:"status"`
	ResultURL          string        `gorm:"type:text" json:"result_url,omitempty"`
	ProviderResultURL  string        `gorm:"type:text" json:"-"`
	ErrorMessage       string        `gorm:"type:text" json:"error_message,omitempty"`
	PollAttempts       int           `gorm:"not null;default:0" json:"poll_attempts"`
	RelocationAttempts int           `gorm:"not null;default:0" json:"relocation_attempts"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	SubmittedAt        *time.Time    `json:"submitted_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
}

// TableName returns the database table name for SubTask.
func (SubTask) TableName() string {
	return "sub_tasks"
}

// Deadline returns the point after which the subtask is forced to fail.
func (s *SubTask) Deadline(timeout time.Duration) time.Time {
	start := s.CreatedAt
	if s.SubmittedAt != nil {
		start = *s.SubmittedAt
	}
	return start.Add(timeout)
}
