//go:build windows

package main

import (
	"context"
	"os"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/webgpu"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/born-ml/recog/internal/config"
	"github.com/born-ml/recog/internal/device"
	"github.com/born-ml/recog/internal/trainer"
)

func trainWebGPU(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	gpu, err := webgpu.New()
	if err != nil {
		return errors.Wrapf(device.ErrUnavailable, "webgpu: %v", err)
	}
	defer gpu.Release()

	log.Info("webgpu backend", zap.String("name", gpu.Name()))
	return train(ctx, cfg, trainer.Deps[*webgpu.Backend]{
		Backend: autodiff.New(gpu),
		Device:  device.KindWebGPU,
		Fs:      afero.NewOsFs(),
		Stdout:  os.Stdout,
		Logger:  log,
	})
}
