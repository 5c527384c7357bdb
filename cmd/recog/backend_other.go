//go:build !windows

package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/born-ml/recog/internal/config"
	"github.com/born-ml/recog/internal/device"
)

func trainWebGPU(context.Context, config.Config, *zap.Logger) error {
	return errors.Wrap(device.ErrUnavailable, "webgpu backend is only built on windows")
}
