package main

import (
	"context"
	"os"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/born-ml/recog/internal/config"
	"github.com/born-ml/recog/internal/device"
	"github.com/born-ml/recog/internal/trainer"
)

type trainCmd struct {
	Config    string  `arg:"--config" help:"YAML config file"`
	Data      string  `arg:"--data" help:"image folder root, one subdirectory per class"`
	Model     string  `arg:"--model" help:"checkpoint path, overwritten every epoch"`
	Epochs    int     `arg:"--epochs" help:"number of epochs"`
	LR        float64 `arg:"--lr" help:"Adam learning rate"`
	Workers   *int    `arg:"--workers" help:"loader goroutines, 0 decodes inline"`
	NoShuffle bool    `arg:"--no-shuffle" help:"keep dataset order"`
	Device    string  `arg:"--device" help:"auto, cpu or webgpu"`
	Seed      int64   `arg:"--seed" help:"shuffle seed, 0 is time-derived"`
	Height    int     `arg:"--height" help:"input image height"`
	Width     int     `arg:"--width" help:"input image width"`
	Classes   int     `arg:"--classes" help:"network output classes"`
	Cache     int     `arg:"--cache" help:"decoded samples kept in memory"`
	LogLevel  string  `arg:"--log-level" help:"debug, info, warn or error"`
}

func (c *trainCmd) load(fs afero.Fs) (config.Config, error) {
	cfg, err := loadConfig(fs, c.Config, config.Config{
		DataDir:      c.Data,
		ModelPath:    c.Model,
		Epochs:       c.Epochs,
		LearningRate: c.LR,
		Device:       c.Device,
		Seed:         c.Seed,
		InputHeight:  c.Height,
		InputWidth:   c.Width,
		NumClasses:   c.Classes,
		CacheSize:    c.Cache,
		LogLevel:     c.LogLevel,
	})
	if err != nil {
		return cfg, err
	}
	// Flags that may legitimately be zero or false bypass Merge.
	if c.Workers != nil {
		cfg.NumWorkers = *c.Workers
	}
	if c.NoShuffle {
		cfg.Shuffle = false
	}
	return cfg, cfg.Validate()
}

func (c *trainCmd) run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	policy, err := device.ParsePolicy(cfg.Device)
	if err != nil {
		return err
	}
	kind, err := device.Resolve(policy)
	if err != nil {
		return err
	}
	log.Info("device resolved", zap.Stringer("policy", policy), zap.Stringer("device", kind))

	if kind == device.KindWebGPU {
		return trainWebGPU(ctx, cfg, log)
	}

	host := device.HostInfo()
	log.Info("cpu backend",
		zap.String("brand", host.Brand),
		zap.Int("logical_cores", host.LogicalCores),
		zap.Strings("features", host.Features))
	return train(ctx, cfg, trainer.Deps[*cpu.Backend]{
		Backend: autodiff.New(cpu.New()),
		Device:  device.KindCPU,
		Fs:      afero.NewOsFs(),
		Stdout:  os.Stdout,
		Logger:  log,
	})
}

func train[B tensor.Backend](ctx context.Context, cfg config.Config, deps trainer.Deps[B]) error {
	t, err := trainer.New(cfg, deps)
	if err != nil {
		return err
	}
	report, err := t.Run(ctx)
	if err != nil {
		return err
	}
	if n := len(report.Epochs); n > 0 {
		deps.Logger.Info("training finished",
			zap.String("run_id", report.RunID),
			zap.Int("epochs", n),
			zap.Float64("final_mean_loss", report.Epochs[n-1].Mean),
			zap.String("checkpoint", cfg.ModelPath))
	}
	return nil
}
