package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/born-ml/born/backend/cpu"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/born-ml/recog/internal/checkpoint"
	"github.com/born-ml/recog/internal/config"
	"github.com/born-ml/recog/internal/model"
)

type inspectCmd struct {
	Config   string `arg:"--config" help:"YAML config file"`
	Model    string `arg:"--model" help:"checkpoint path"`
	Height   int    `arg:"--height" help:"input image height the network was built for"`
	Width    int    `arg:"--width" help:"input image width the network was built for"`
	Classes  int    `arg:"--classes" help:"network output classes"`
	LogLevel string `arg:"--log-level" help:"debug, info, warn or error"`
}

func (c *inspectCmd) load(fs afero.Fs) (config.Config, error) {
	return loadConfig(fs, c.Config, config.Config{
		ModelPath:   c.Model,
		InputHeight: c.Height,
		InputWidth:  c.Width,
		NumClasses:  c.Classes,
		LogLevel:    c.LogLevel,
	})
}

func (c *inspectCmd) run(_ context.Context, cfg config.Config, log *zap.Logger) error {
	return inspect(os.Stdout, afero.NewOsFs(), cfg, log)
}

// inspect loads the checkpoint into a network of the configured geometry and
// prints what it holds.
func inspect(w io.Writer, fs afero.Fs, cfg config.Config, log *zap.Logger) error {
	backend := cpu.New()
	net, err := model.New(model.Config{
		InputHeight: cfg.InputHeight,
		InputWidth:  cfg.InputWidth,
		NumClasses:  cfg.NumClasses,
	}, backend)
	if err != nil {
		return err
	}

	store := checkpoint.New[*cpu.Backend](fs, cfg.ModelPath, log)
	info, err := store.Load(backend, net)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Checkpoint: %s\n", cfg.ModelPath)
	if fi, err := fs.Stat(cfg.ModelPath); err == nil {
		fmt.Fprintf(w, "Size:       %s\n", humanize.Bytes(uint64(fi.Size())))
	}
	fmt.Fprintf(w, "Model:      %s\n", info.ModelType)
	if !info.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created:    %s (%s)\n", info.CreatedAt.Format(time.RFC3339), humanize.Time(info.CreatedAt))
	}
	fmt.Fprintf(w, "Parameters: %s\n", humanize.Comma(int64(net.NumParameters())))

	keys := make([]string, 0, len(info.Metadata))
	for k := range info.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nMETADATA\t")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", k, info.Metadata[k])
	}
	fmt.Fprintln(tw, "\nTENSOR\tDTYPE\tSHAPE")
	for _, t := range info.Tensors {
		fmt.Fprintf(tw, "%s\t%s\t%v\n", t.Name, t.DType, t.Shape)
	}
	return tw.Flush()
}
