package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// Files written by the simulated framework on export.
const (
	AdapterModelFile  = "adapter_model.json"
	AdapterConfigFile = "adapter_config.json"
)

// Default simulation constants.
const (
	defaultStartLoss     = 4.0
	defaultFloorLoss     = 0.5
	defaultDecayPerStep  = 0.05
	defaultOverfitFactor = 0.0005
	defaultJitter        = 0.02
	defaultRandomSeed    = 42
	defaultTrainSamples  = 64
	defaultValidSamples  = 16
	baseParameterCount   = 231_000_000
	hiddenSize           = 768
	adaptedLayers        = 12
	sgdDecayFactor       = 0.5
)

// SimOption applies a configuration option to the SimulatedFramework.
type SimOption func(*SimulatedFramework)

// WithSeed seeds the loss noise.
func WithSeed(seed int64) SimOption {
	return func(f *SimulatedFramework) {
		f.rng = rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic simulation
	}
}

// WithLatencyRange sets a simulated per-step latency range.
func WithLatencyRange(minLatency, maxLatency time.Duration) SimOption {
	return func(f *SimulatedFramework) {
		if minLatency > 0 && maxLatency > minLatency {
			f.minLatency = minLatency
			f.maxLatency = maxLatency
		}
	}
}

// WithSplitSamples sets the number of samples per split. Zero removes the split.
func WithSplitSamples(samples map[Split]int) SimOption {
	return func(f *SimulatedFramework) {
		f.samples = make(map[Split]int, len(samples))
		for split, n := range samples {
			if n > 0 {
				f.samples[split] = n
			}
		}
	}
}

// WithValidationLosses fixes the loss of successive validation passes.
// Passes beyond the list follow the simulated curve.
func WithValidationLosses(losses ...float64) SimOption {
	return func(f *SimulatedFramework) {
		f.validationLosses = append([]float64(nil), losses...)
	}
}

// WithJitter sets the amplitude of the loss noise.
func WithJitter(jitter float64) SimOption {
	return func(f *SimulatedFramework) {
		if jitter >= 0 {
			f.jitter = jitter
		}
	}
}

// SimulatedFramework implements Framework with a deterministic loss curve.
// It stands in for a real backend in dry runs and tests.
type SimulatedFramework struct {
	rng              *rand.Rand
	minLatency       time.Duration
	maxLatency       time.Duration
	samples          map[Split]int
	validationLosses []float64
	validationPass   int
	jitter           float64
}

// NewSimulatedFramework creates a simulated framework with configuration options.
func NewSimulatedFramework(opts ...SimOption) *SimulatedFramework {
	f := &SimulatedFramework{
		rng:    rand.New(rand.NewSource(defaultRandomSeed)), //nolint:gosec // deterministic simulation
		jitter: defaultJitter,
		samples: map[Split]int{
			SplitTrain: defaultTrainSamples,
			SplitValid: defaultValidSamples,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// simState is the persisted state of a simulated model.
type simState struct {
	Base      string `json:"base"`
	Revision  string `json:"revision,omitempty"`
	LoRA      bool   `json:"lora"`
	Rank      int    `json:"rank,omitempty"`
	Steps     int    `json:"steps"`
	Optimiser string `json:"optimiser,omitempty"`
}

type simModel struct {
	state simState
}

func (m *simModel) Name() string { return m.state.Base }

func (m *simModel) TrainableParameters() (int64, int64) {
	total := int64(baseParameterCount)
	if !m.state.LoRA {
		return total, total
	}
	// A and B matrices per adapted module and layer.
	trainable := int64(m.state.Rank) * 2 * hiddenSize * int64(len(DefaultTargetModules)) * adaptedLayers
	return trainable, total + trainable
}

func asSimModel(m Model) (*simModel, error) {
	sm, ok := m.(*simModel)
	if !ok || sm == nil {
		return nil, fmt.Errorf("model %T is not a simulated model", m)
	}
	return sm, nil
}

// LoadModel loads a base model by id, or a previously exported checkpoint directory.
func (f *SimulatedFramework) LoadModel(ctx context.Context, spec ModelSpec) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if spec.IDOrPath == "" {
		return nil, fmt.Errorf("empty model id: %w", ErrModelNotFound)
	}

	info, err := os.Stat(spec.IDOrPath)
	if err != nil || !info.IsDir() {
		return &simModel{state: simState{Base: spec.IDOrPath, Revision: spec.Revision}}, nil
	}

	raw, err := os.ReadFile(filepath.Join(spec.IDOrPath, AdapterModelFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", spec.IDOrPath, ErrModelNotFound)
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", spec.IDOrPath, err)
	}
	var state simState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", spec.IDOrPath, err)
	}
	return &simModel{state: state}, nil
}

// ApplyLoRA wraps the model with adapters of the configured rank.
func (f *SimulatedFramework) ApplyLoRA(_ context.Context, m Model, cfg LoRAConfig) (Model, error) {
	sm, err := asSimModel(m)
	if err != nil {
		return nil, err
	}
	if cfg.Rank <= 0 {
		return nil, fmt.Errorf("lora rank %d must be positive", cfg.Rank)
	}
	state := sm.state
	state.LoRA = true
	state.Rank = cfg.Rank
	return &simModel{state: state}, nil
}

// ConfigureOptimizer records the optimiser driving subsequent steps.
func (f *SimulatedFramework) ConfigureOptimizer(_ context.Context, m Model, optimiser string) error {
	sm, err := asSimModel(m)
	if err != nil {
		return err
	}
	if err := ValidateOptimiser(optimiser); err != nil {
		return fmt.Errorf("%q: %w", optimiser, err)
	}
	sm.state.Optimiser = optimiser
	return nil
}

// NumBatches returns ceil(samples/batchSize) for the split.
func (f *SimulatedFramework) NumBatches(_ context.Context, split Split, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size %d must be positive", batchSize)
	}
	n := f.samples[split]
	return (n + batchSize - 1) / batchSize, nil
}

// TrainStep advances the model one step and returns the batch loss.
func (f *SimulatedFramework) TrainStep(ctx context.Context, m Model, _ int, _ float64) (float64, error) {
	sm, err := asSimModel(m)
	if err != nil {
		return 0, err
	}
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	loss := f.curve(sm.state) + f.noise()
	sm.state.Steps++
	return math.Max(0, loss), nil
}

// EvalStep returns the batch loss for split without changing the model.
func (f *SimulatedFramework) EvalStep(ctx context.Context, m Model, split Split, batch int) (float64, error) {
	sm, err := asSimModel(m)
	if err != nil {
		return 0, err
	}
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	if split == SplitValid {
		if batch == 0 {
			f.validationPass++
		}
		if i := f.validationPass - 1; i >= 0 && i < len(f.validationLosses) {
			return f.validationLosses[i], nil
		}
	}
	loss := f.curve(sm.state) + defaultOverfitFactor*float64(sm.state.Steps) + f.noise()
	return math.Max(0, loss), nil
}

// Export serializes the model state and its adapter configuration.
func (f *SimulatedFramework) Export(_ context.Context, m Model) (Artifact, error) {
	sm, err := asSimModel(m)
	if err != nil {
		return Artifact{}, err
	}
	modelJSON, err := json.Marshal(sm.state)
	if err != nil {
		return Artifact{}, fmt.Errorf("encode model: %w", err)
	}
	cfgJSON, err := json.Marshal(map[string]any{
		"r":              sm.state.Rank,
		"target_modules": DefaultTargetModules,
		"task_type":      "CAUSAL_LM",
		"base_model":     sm.state.Base,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("encode adapter config: %w", err)
	}
	return Artifact{Files: map[string][]byte{
		AdapterModelFile:  modelJSON,
		AdapterConfigFile: cfgJSON,
	}}, nil
}

func (f *SimulatedFramework) curve(s simState) float64 {
	decay := defaultDecayPerStep
	if s.Optimiser == "sgd" {
		decay *= sgdDecayFactor
	}
	return defaultFloorLoss + (defaultStartLoss-defaultFloorLoss)*math.Exp(-decay*float64(s.Steps))
}

func (f *SimulatedFramework) noise() float64 {
	if f.jitter == 0 {
		return 0
	}
	return (f.rng.Float64()*2 - 1) * f.jitter
}

func (f *SimulatedFramework) wait(ctx context.Context) error {
	if f.maxLatency <= f.minLatency {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}
		return nil
	}
	latency := f.minLatency + time.Duration(f.rng.Int63n(int64(f.maxLatency-f.minLatency)))
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(latency):
		return nil
	}
}
