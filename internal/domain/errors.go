package domain

import "errors"

// Command-surface error taxonomy. Callers match with errors.Is; wrap sites
// add the offending id, status, or operation.
var (
	ErrNotFound     = errors.New("job not found")
	ErrDuplicate    = errors.New("active job with same source already exists")
	ErrInvalidState = errors.New("operation not legal from current status")
)
