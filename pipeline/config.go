// Package pipeline drives training, cross-validation, imputation and
// submission writing over the sharded expression datasets.
package pipeline

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// TrainingConfig holds the optimizer and model hyperparameters shared by the
// training and cross-validation stages.
type TrainingConfig struct {
	BatchSize    int     `json:"batch_size"`
	Steps        int     `json:"steps"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"seed"`

	ConvChannels   int `json:"conv_channels"`
	ConvKernelSize int `json:"conv_kernel_size"`
	LSTMHidden     int `json:"lstm_hidden"`
	HiddenDim      int `json:"hidden_dim"`

	// LossEveryN records the training batch loss every N steps for the
	// loss-curve plot.
	LossEveryN int `json:"loss_every_n"`

	// CheckpointsToKeep is how many checkpoints to retain per model.
	CheckpointsToKeep int `json:"checkpoints_to_keep"`
}

// Config is the effective configuration of one pipeline run. It is loaded
// from JSON and then overridden by CLI flags; the flags win.
type Config struct {
	// DataDir holds the shard CSV files of both stages.
	DataDir string `json:"data_dir"`

	// CheckpointDir is the root under which per-stage, per-target model
	// checkpoints are written. Empty disables checkpointing.
	CheckpointDir string `json:"checkpoint_dir"`

	// PlotDir is where loss curves and holdout scatters land. Empty disables
	// plotting.
	PlotDir string `json:"plot_dir"`

	// SampleCacheDir is where per-stage sample index gob caches are kept.
	// Empty disables the cache and the index is rebuilt on every run.
	SampleCacheDir string `json:"sample_cache_dir"`

	// Workers bounds the shard scanning worker pool; 0 means NumCPU.
	Workers int `json:"workers"`

	// MemoryCache loads every shard into memory before training.
	MemoryCache bool `json:"memory_cache"`

	Training TrainingConfig `json:"training"`
}

// DefaultConfig returns the built-in defaults, tuned for the small public
// dataset.
func DefaultConfig() Config {
	return Config{
		DataDir:        "data",
		CheckpointDir:  "output/checkpoints",
		PlotDir:        "output/plots",
		SampleCacheDir: "output/cache",
		MemoryCache:    true,
		Training: TrainingConfig{
			BatchSize:         16,
			Steps:             2000,
			LearningRate:      0.001,
			Seed:              42,
			ConvChannels:      16,
			ConvKernelSize:    5,
			LSTMHidden:        0,
			HiddenDim:         128,
			LossEveryN:        50,
			CheckpointsToKeep: 3,
		},
	}
}

// LoadConfig reads a JSON config file over the defaults. Fields absent from
// the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

// Validate checks the fields every stage depends on.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.Training.BatchSize <= 0 {
		return errors.Errorf("training.batch_size must be > 0, got %d", c.Training.BatchSize)
	}
	if c.Training.Steps <= 0 {
		return errors.Errorf("training.steps must be > 0, got %d", c.Training.Steps)
	}
	if c.Training.LearningRate <= 0 {
		return errors.Errorf("training.learning_rate must be > 0, got %g", c.Training.LearningRate)
	}
	if c.Training.ConvKernelSize <= 0 || c.Training.ConvChannels <= 0 || c.Training.HiddenDim <= 0 {
		return errors.New("training model dimensions must be > 0")
	}
	if c.Training.LSTMHidden < 0 {
		return errors.Errorf("training.lstm_hidden must be >= 0, got %d", c.Training.LSTMHidden)
	}
	return nil
}
