package logger

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Correlation fields, carried on the context logger through a reconciliation pass.
const (
	FieldRequestID      = "request_id"
	FieldJobID          = "job_id"
	FieldSubTaskID      = "sub_task_id"
	FieldExternalTaskID = "external_task_id"
	FieldUserID         = "user_id"
	FieldProvider       = "provider"
	FieldModel          = "model"
	FieldComponent      = "component"
)

// Measurement fields, attached per log line with With.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
)
