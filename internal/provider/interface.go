package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/timmy/genflow/internal/domain"
)

// TaskState is the normalized provider task state.
type TaskState string

const (
	TaskStateQueued     TaskState = "queued"
	TaskStateProcessing TaskState = "processing"
	TaskStateSuccess    TaskState = "success"
	TaskStateFail       TaskState = "fail"
)

// CreateTaskInput is the provider-neutral description of a generation task.
type CreateTaskInput struct {
	Model           string   // provider-side model name
	Prompt          string
	ReferenceAssets []string // public URLs of reference images
	AspectRatio     string
	Resolution      string
	OutputFormat    string
	DurationSeconds int
}

// TaskStatus is a normalized poll result.
// ResultURLs is only populated when State is TaskStateSuccess.
type TaskStatus struct {
	State         TaskState
	ResultURLs    []string
	FailureReason string
	Raw           json.RawMessage
}

// Adapter creates and polls tasks on one external generation service.
type Adapter interface {
	// Name returns the adapter identifier used in logs and config
	Name() string

	// CreateTask submits a task and returns the provider's task ID
	CreateTask(ctx context.Context, input *CreateTaskInput) (string, error)

	// GetTaskStatus polls a previously created task
	GetTaskStatus(ctx context.Context, externalTaskID string) (*TaskStatus, error)
}

// Error is returned by adapters for every failed call. Kind is one of
// domain.ErrProviderUnavailable, domain.ErrInvalidRequest or domain.ErrMalformedResponse.
type Error struct {
	Provider   string
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the error kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == domain.ErrProviderUnavailable
	}
	return false
}

func unavailable(provider string, status int, msg string, err error) *Error {
	return &Error{Provider: provider, Kind: domain.ErrProviderUnavailable, StatusCode: status, Message: msg, Err: err}
}

func invalid(provider string, status int, msg string) *Error {
	return &Error{Provider: provider, Kind: domain.ErrInvalidRequest, StatusCode: status, Message: msg}
}

func malformed(provider string, msg string, err error) *Error {
	return &Error{Provider: provider, Kind: domain.ErrMalformedResponse, Message: msg, Err: err}
}

// classifyStatus maps an HTTP (or envelope) status code to an error kind.
// 429 and 5xx are transient; other non-2xx codes are permanent rejections.
func classifyStatus(provider string, status int, msg string) *Error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return unavailable(provider, status, msg, nil)
	}
	return invalid(provider, status, msg)
}
