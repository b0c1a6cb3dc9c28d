package journal

import "errors"

// Sentinel kinds for journal errors.
var (
	ErrClosed      = errors.New("journal closed")
	ErrMissingPath = errors.New("journal path required")
	ErrInvalidRun  = errors.New("invalid run id")
)
