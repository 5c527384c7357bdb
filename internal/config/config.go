// Package config holds the run configuration for recog.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// command line overrides (see Merge).
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/born-ml/recog/internal/device"
)

// ErrInvalid is the cause of every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config describes one training run.
type Config struct {
	DataDir      string  `yaml:"data_dir"`      // Image-folder root (one subdirectory per class)
	ModelPath    string  `yaml:"model_path"`    // Checkpoint file, overwritten every epoch
	Epochs       int     `yaml:"epochs"`        // Number of passes over the dataset
	LearningRate float64 `yaml:"learning_rate"` // Adam learning rate
	BatchSize    int     `yaml:"batch_size"`    // Samples per step; only 1 is supported
	NumWorkers   int     `yaml:"num_workers"`   // Loader decode goroutines (0 = inline)
	Shuffle      bool    `yaml:"shuffle"`       // Reshuffle every epoch
	Seed         int64   `yaml:"seed"`          // Shuffle seed, 0 = time-derived
	Device       string  `yaml:"device"`        // auto, cpu or webgpu
	InputHeight  int     `yaml:"input_height"`  // Expected image height
	InputWidth   int     `yaml:"input_width"`   // Expected image width
	NumClasses   int     `yaml:"num_classes"`   // Network output width
	CacheSize    int     `yaml:"cache_size"`    // Decoded-sample cache entries, 0 disables
	LogLevel     string  `yaml:"log_level"`     // Diagnostic log level
}

// Default returns the configuration the training script has always used.
func Default() Config {
	return Config{
		DataDir:      "./data/combined-ad",
		ModelPath:    "./Saved_Model/RecogModelv3.born",
		Epochs:       10,
		LearningRate: 0.0001,
		BatchSize:    1,
		NumWorkers:   4,
		Shuffle:      true,
		Device:       device.Auto.String(),
		InputHeight:  208,
		InputWidth:   176,
		NumClasses:   4,
		LogLevel:     "info",
	}
}

// Load reads a YAML file on top of the defaults.
//
// Unknown keys are rejected so that a typo does not silently fall back to a
// default value.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Merge returns c with every non-zero field of o applied on top.
//
// Shuffle is a plain bool and cannot be turned off through Merge; disable it
// in the YAML file instead.
func (c Config) Merge(o Config) Config {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.ModelPath != "" {
		c.ModelPath = o.ModelPath
	}
	if o.Epochs != 0 {
		c.Epochs = o.Epochs
	}
	if o.LearningRate != 0 {
		c.LearningRate = o.LearningRate
	}
	if o.BatchSize != 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers != 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.InputHeight != 0 {
		c.InputHeight = o.InputHeight
	}
	if o.InputWidth != 0 {
		c.InputWidth = o.InputWidth
	}
	if o.NumClasses != 0 {
		c.NumClasses = o.NumClasses
	}
	if o.CacheSize != 0 {
		c.CacheSize = o.CacheSize
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	return c
}

// Validate checks that the configuration describes a runnable job.
func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.Wrap(ErrInvalid, "data_dir is empty")
	case c.ModelPath == "":
		return errors.Wrap(ErrInvalid, "model_path is empty")
	case c.Epochs < 1:
		return errors.Wrapf(ErrInvalid, "epochs must be >= 1, got %d", c.Epochs)
	case c.LearningRate <= 0:
		return errors.Wrapf(ErrInvalid, "learning_rate must be > 0, got %g", c.LearningRate)
	case c.BatchSize != 1:
		// The step reshapes every batch to [1, 1, H, W].
		return errors.Wrapf(ErrInvalid, "batch_size must be 1, got %d", c.BatchSize)
	case c.NumWorkers < 0:
		return errors.Wrapf(ErrInvalid, "num_workers must be >= 0, got %d", c.NumWorkers)
	case c.InputHeight < 1 || c.InputWidth < 1:
		return errors.Wrapf(ErrInvalid, "input size must be positive, got %dx%d", c.InputHeight, c.InputWidth)
	case c.NumClasses < 1:
		return errors.Wrapf(ErrInvalid, "num_classes must be >= 1, got %d", c.NumClasses)
	case c.CacheSize < 0:
		return errors.Wrapf(ErrInvalid, "cache_size must be >= 0, got %d", c.CacheSize)
	}
	if _, err := device.ParsePolicy(c.Device); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	return nil
}
