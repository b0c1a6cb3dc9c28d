package postprocess

import "errors"

// Sentinel kinds for post-processing errors.
var (
	ErrShapeMismatch  = errors.New("mask shape mismatch")
	ErrInvalidMask    = errors.New("invalid mask")
	ErrInvalidRange   = errors.New("invalid relative area range")
	ErrInvalidFeature = errors.New("unknown mask feature type")
)
