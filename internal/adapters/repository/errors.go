package repository

import "errors"

// Sentinel kinds for checkpoint storage errors.
var (
	ErrNotFound    = errors.New("checkpoint not found")
	ErrOutsideRoot = errors.New("path outside store root")
	ErrInvalidName = errors.New("invalid artifact file name")
)
