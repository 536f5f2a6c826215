package job

import "errors"

var (
	ErrNotFound        = errors.New("execution not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrInvalidState    = errors.New("invalid execution state")
	ErrInvalidPriority = errors.New("priority must be between 0 and 9")
	ErrTaskCancelled   = errors.New("task cancelled")
)
