// Package training defines the boundary between the trainer and the deep
// learning framework that actually loads models, applies LoRA adapters and
// runs forward/backward passes.
package training

import (
	"context"
	"errors"
)

// Split names a dataset partition.
type Split string

// Dataset splits.
const (
	SplitTrain Split = "train"
	SplitValid Split = "valid"
	SplitTest  Split = "test"
)

// Sentinel kinds for framework errors.
var (
	ErrUnknownOptimiser = errors.New("unknown optimiser")
	ErrUnknownScheduler = errors.New("unknown lr scheduler")
	ErrModelNotFound    = errors.New("model not found")
	ErrNoBackend        = errors.New("no training backend linked")
)

// DefaultTargetModules are the layers receiving LoRA adapters.
var DefaultTargetModules = []string{"q_proj", "o_proj", "k_proj", "v_proj", "linear", "Conv2d", "lm_head", "fc2"} //nolint:gochecknoglobals // fixed recipe

// ModelSpec identifies a model to load.
type ModelSpec struct {
	IDOrPath string
	Revision string
	Device   string
	CacheDir string
}

// LoRAConfig carries low-rank adaptation settings.
type LoRAConfig struct {
	Rank          int
	Alpha         int
	Dropout       float64
	Bias          string
	UseRSLoRA     bool
	InitWeights   string
	TargetModules []string
	TaskType      string
	InferenceMode bool
	Revision      string
}

// Model is an opaque handle to a loaded model.
type Model interface {
	Name() string
	// TrainableParameters reports trainable and total parameter counts.
	TrainableParameters() (trainable, total int64)
}

// Artifact is the serialized form of a model, keyed by file name.
type Artifact struct {
	Files map[string][]byte
}

// Framework is the external deep learning capability the trainer drives.
// Implementations own tensors, devices and data loaders.
type Framework interface {
	LoadModel(ctx context.Context, spec ModelSpec) (Model, error)
	ApplyLoRA(ctx context.Context, m Model, cfg LoRAConfig) (Model, error)
	ConfigureOptimizer(ctx context.Context, m Model, optimiser string) error

	// NumBatches returns the number of batches in split; zero means the split is absent.
	NumBatches(ctx context.Context, split Split, batchSize int) (int, error)

	// TrainStep runs forward, backward and optimizer step on one batch and returns its loss.
	TrainStep(ctx context.Context, m Model, batch int, lr float64) (float64, error)

	// EvalStep returns the loss of one batch without updating weights.
	EvalStep(ctx context.Context, m Model, split Split, batch int) (float64, error)

	Export(ctx context.Context, m Model) (Artifact, error)
}

// ValidateOptimiser reports whether name is a supported optimiser.
func ValidateOptimiser(name string) error {
	switch name {
	case "adamw", "adam", "sgd":
		return nil
	default:
		return ErrUnknownOptimiser
	}
}
