package service

import "errors"

// Sentinel kinds for service errors.
var (
	ErrAlreadyRunning = errors.New("training run already in progress")
	ErrNoTrainingData = errors.New("train split is empty")
	ErrNoFramework    = errors.New("no training framework configured")
	ErrNoConfig       = errors.New("no configuration provided")
)
