package leaderboard

import "errors"

// Sentinel kinds for leaderboard errors.
var (
	ErrInvalidConfiguration = errors.New("invalid leaderboard configuration")
	ErrInvalidInput         = errors.New("invalid checkpoint registration")
)
