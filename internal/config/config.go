// Package config defines the training run configuration and how it is loaded.
//
// Conventions:
// - New() returns defaults matching the reference Florence-2 recipe.
// - Load layers a YAML file and environment variables on top via koanf.
// - Validation uses struct tags and wraps ErrInvalidConfig.
package config

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogJSON switches log output to JSON lines.
	LogJSON bool `koanf:"log_json"`

	// StatusAddr enables the HTTP status server when non-empty, e.g. ":9090".
	StatusAddr string `koanf:"status_addr"`

	// DatasetLocation points at the dataset root holding train/valid/test splits.
	DatasetLocation string `koanf:"dataset_location" validate:"required"`

	// ModelIDOrPath names the pretrained model or a local checkpoint directory.
	ModelIDOrPath string `koanf:"model_id_or_path" validate:"required"`

	// Revision pins the model revision.
	Revision string `koanf:"revision"`

	// Device selects the compute device, e.g. "cpu" or "cuda:0".
	Device string `koanf:"device" validate:"required"`

	// CacheDir overrides the framework's model cache directory.
	CacheDir string `koanf:"cache_dir"`

	// TrainingEpochs is the number of epochs to run.
	TrainingEpochs int `koanf:"training_epochs" validate:"gt=0"`

	// Optimiser is one of adamw, adam, sgd.
	Optimiser string `koanf:"optimiser" validate:"oneof=adamw adam sgd"`

	// LearningRate is the base learning rate.
	LearningRate float64 `koanf:"learning_rate" validate:"gt=0"`

	// LRScheduler is one of linear, cosine, polynomial.
	LRScheduler string `koanf:"lr_scheduler" validate:"oneof=linear cosine polynomial"`

	// TrainBatchSize and TestBatchSize size the data loaders; zero TestBatchSize reuses TrainBatchSize.
	TrainBatchSize int `koanf:"train_batch_size" validate:"gt=0"`
	TestBatchSize  int `koanf:"test_batch_size" validate:"gte=0"`

	// LoadersWorkers and TestLoadersWorkers size loader worker pools; negative TestLoadersWorkers reuses LoadersWorkers.
	LoadersWorkers     int `koanf:"loaders_workers" validate:"gte=0"`
	TestLoadersWorkers int `koanf:"test_loaders_workers"`

	// LoRA adapter settings.
	LoRARank        int     `koanf:"lora_r" validate:"gt=0"`
	LoRAAlpha       int     `koanf:"lora_alpha" validate:"gt=0"`
	LoRADropout     float64 `koanf:"lora_dropout" validate:"gte=0,lt=1"`
	Bias            string  `koanf:"bias" validate:"oneof=none all lora_only"`
	UseRSLoRA       bool    `koanf:"use_rslora"`
	InitLoRAWeights string  `koanf:"init_lora_weights" validate:"oneof=true false gaussian olora pissa loftq"`

	// TrainingDir is the parent of numbered run directories.
	TrainingDir string `koanf:"training_dir" validate:"required"`

	// MaxCheckpointsToKeep is the leaderboard capacity.
	MaxCheckpointsToKeep int `koanf:"max_checkpoints_to_keep" validate:"gt=0"`

	// NumSamplesToVisualise bounds the samples rendered in the training summary.
	NumSamplesToVisualise int `koanf:"num_samples_to_visualise" validate:"gte=0"`

	// JournalInMemory keeps the decision journal out of the run directory.
	JournalInMemory bool `koanf:"journal_in_memory"`

	// JournalSyncWrites fsyncs each journal append. Ignored for in-memory journals.
	JournalSyncWrites bool `koanf:"journal_sync_writes"`

	// Prometheus collector settings. Names must be valid metric name fragments.
	MetricsEnabled        bool              `koanf:"metrics_enabled"`
	MetricsNamespace      string            `koanf:"metrics_namespace" validate:"omitempty,metricname"`
	MetricsSubsystem      string            `koanf:"metrics_subsystem" validate:"omitempty,metricname"`
	MetricsPrefix         string            `koanf:"metrics_prefix" validate:"omitempty,metricname"`
	MetricsLabels         map[string]string `koanf:"metrics_labels" validate:"omitempty,dive,keys,metricname,endkeys"`
	MetricsLatencyBuckets []float64         `koanf:"metrics_latency_buckets" validate:"omitempty,dive,gt=0"`
	MetricsEpochBuckets   []float64         `koanf:"metrics_epoch_buckets" validate:"omitempty,dive,gt=0"`

	// Seed drives the simulated framework.
	Seed int64 `koanf:"seed"`
}

// Defaults of the reference fine-tuning recipe.
const (
	DefaultModelID       = "microsoft/Florence-2-base-ft"
	DefaultModelRevision = "refs/pr/20"
	DefaultDevice        = "cpu"
	DefaultTrainingDir   = "./training/florence-2"
)

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		ModelIDOrPath:         DefaultModelID,
		Revision:              DefaultModelRevision,
		Device:                DefaultDevice,
		TrainingEpochs:        10,
		Optimiser:             "adamw",
		LearningRate:          1e-5,
		LRScheduler:           "linear",
		TrainBatchSize:        4,
		TestLoadersWorkers:    -1,
		LoRARank:              8,
		LoRAAlpha:             8,
		LoRADropout:           0.05,
		Bias:                  "none",
		UseRSLoRA:             true,
		InitLoRAWeights:       "gaussian",
		TrainingDir:           DefaultTrainingDir,
		MaxCheckpointsToKeep:  3,
		NumSamplesToVisualise: 64,
		JournalSyncWrites:     true,
		MetricsEnabled:        true,
		MetricsNamespace:      "maestro",
		MetricsSubsystem:      "trainer",
		Seed:                  42,
	}
}

// EffectiveTestBatchSize returns the test batch size, falling back to the train batch size.
func (c *Config) EffectiveTestBatchSize() int {
	if c.TestBatchSize > 0 {
		return c.TestBatchSize
	}
	return c.TrainBatchSize
}

// EffectiveTestLoadersWorkers returns the test loader workers, falling back to LoadersWorkers.
func (c *Config) EffectiveTestLoadersWorkers() int {
	if c.TestLoadersWorkers >= 0 {
		return c.TestLoadersWorkers
	}
	return c.LoadersWorkers
}
