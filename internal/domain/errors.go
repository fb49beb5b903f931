package domain

import "errors"

// Error kinds shared by adapters, services and the HTTP layer.
// Provider and relocation errors wrap these so callers can branch with errors.Is.
var (
	ErrNotFound = errors.New("record not found")

	// ErrProviderUnavailable is retryable: network failure, timeout, 429 or 5xx.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrInvalidRequest is permanent: the provider rejected the task input.
	ErrInvalidRequest = errors.New("invalid provider request")
	// ErrMalformedResponse means the provider answered with a body we cannot interpret.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrNoResultArtifact means the provider reported success without any usable URL.
	ErrNoResultArtifact = errors.New("no result artifact")

	ErrTimeout             = errors.New("subtask timed out")
	ErrRelocation          = errors.New("artifact relocation failed")
	ErrInsufficientCredits = errors.New("insufficient credits")

	ErrJobNotCancellable = errors.New("job is not cancellable")
	ErrUnknownModel      = errors.New("unknown model")
)
