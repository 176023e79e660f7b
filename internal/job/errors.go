package job

import "errors"

var (
	ErrInvalidJobID      = errors.New("invalid job_id")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrMissingIdempotencyKey = errors.New("idempotency_key is required")
	ErrInvalidCommand    = errors.New("command is required")
	ErrInvalidMaxRetries = errors.New("max_retries must be >= 0")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobAlreadyExists  = errors.New("job already exists")
	ErrCannotRetry       = errors.New("job has exhausted its retry budget")
	ErrNotAssignedToAgent = errors.New("job is not assigned to the given agent")
)
