// Package main provides the recog command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/born-ml/recog/internal/config"
	"github.com/born-ml/recog/internal/logging"
)

const version = "v0.1.0"

type command interface {
	load(fs afero.Fs) (config.Config, error)
	run(ctx context.Context, cfg config.Config, log *zap.Logger) error
}

type versionCmd struct{}

type args struct {
	Train   *trainCmd   `arg:"subcommand:train" help:"train the network on an image folder"`
	Inspect *inspectCmd `arg:"subcommand:inspect" help:"describe a saved checkpoint"`
	Ver     *versionCmd `arg:"subcommand:version" help:"show version"`
}

func (args) Description() string {
	return "recog trains a small convolutional image classifier.\n"
}

func (args) Version() string {
	return "recog " + version
}

func main() {
	var a args
	p := arg.MustParse(&a)

	var cmd command
	switch {
	case a.Ver != nil:
		fmt.Printf("recog %s\n", version)
		return
	case a.Train != nil:
		cmd = a.Train
	case a.Inspect != nil:
		cmd = a.Inspect
	default:
		p.Fail("missing command: train, inspect or version")
	}

	cfg, err := cmd.load(afero.NewOsFs())
	if err != nil {
		fmt.Fprintf(os.Stderr, "recog: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recog: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = cmd.run(ctx, cfg, log)
	stop()
	if err != nil {
		log.Error("command failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

// loadConfig layers defaults, the optional YAML file and flag overrides, then
// validates the result.
func loadConfig(fs afero.Fs, file string, overlay config.Config) (config.Config, error) {
	cfg := config.Default()
	if file != "" {
		var err error
		if cfg, err = config.Load(fs, file); err != nil {
			return cfg, err
		}
	}
	cfg = cfg.Merge(overlay)
	return cfg, cfg.Validate()
}
