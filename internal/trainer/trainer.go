// Package trainer runs the supervised training loop of recog.
package trainer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/born-ml/recog/internal/checkpoint"
	"github.com/born-ml/recog/internal/config"
	"github.com/born-ml/recog/internal/dataset"
	"github.com/born-ml/recog/internal/device"
	"github.com/born-ml/recog/internal/model"
)

// Deps are the collaborators a Trainer is built from.
type Deps[B tensor.Backend] struct {
	Backend *autodiff.Backend[B] // Autodiff-wrapped compute backend
	Device  device.Kind          // Device the backend runs on
	Fs      afero.Fs             // Dataset and checkpoint filesystem (OS-backed)
	Stdout  io.Writer            // Progress lines
	Logger  *zap.Logger          // Diagnostics, nil disables
}

// EpochReport summarizes one pass over the dataset.
type EpochReport struct {
	Epoch  int       // 1-based
	Steps  int       // Optimizer steps taken
	Losses []float64 // Per-step loss
	Total  float64   // Sum of Losses
	Mean   float64   // Total / Steps
}

// Report is the outcome of Run.
type Report struct {
	RunID  string
	Epochs []EpochReport
}

// Trainer owns every piece of state of one training run.
type Trainer[B tensor.Backend] struct {
	cfg    config.Config
	runID  string
	device device.Kind
	out    io.Writer
	log    *zap.Logger

	backend   *autodiff.Backend[B]
	net       *model.Net[*autodiff.Backend[B]]
	criterion *nn.CrossEntropyLoss[*autodiff.Backend[B]]
	optimizer optim.Optimizer
	store     *checkpoint.Store[*autodiff.Backend[B]]
	loader    *dataset.Loader
}

// New prepares a run. Steps happen in a fixed order: build and print the
// network, write the initial checkpoint, set up loss and optimizer, then
// index the dataset. A missing or empty dataset fails here, after the
// initial checkpoint exists and before any epoch starts.
func New[B tensor.Backend](cfg config.Config, deps Deps[B]) (*Trainer[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		return nil, errors.New("trainer: nil backend")
	}
	if deps.Stdout == nil {
		deps.Stdout = io.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	t := &Trainer[B]{
		cfg:     cfg,
		runID:   uuid.New().String(),
		device:  deps.Device,
		out:     deps.Stdout,
		backend: deps.Backend,
	}
	t.log = deps.Logger.With(zap.String("run_id", t.runID))

	geometry := model.Config{
		InputHeight: cfg.InputHeight,
		InputWidth:  cfg.InputWidth,
		NumClasses:  cfg.NumClasses,
	}
	net, err := model.New(geometry, t.backend)
	if err != nil {
		return nil, err
	}
	t.net = net
	fmt.Fprintln(t.out, net.String())
	t.log.Info("model built",
		zap.String("device", t.device.String()),
		zap.Int("parameters", net.NumParameters()))

	t.store = checkpoint.New[*autodiff.Backend[B]](deps.Fs, cfg.ModelPath, t.log)
	if err := t.store.EnsureDir(); err != nil {
		return nil, err
	}
	if err := t.store.Save(t.net, t.meta(0, 0)); err != nil {
		return nil, err
	}

	t.criterion = nn.NewCrossEntropyLoss(t.backend)
	t.optimizer = optim.NewAdam(
		t.net.Parameters(),
		optim.AdamConfig{
			LR:    float32(cfg.LearningRate),
			Betas: [2]float32{0.9, 0.999},
			Eps:   1e-8,
		},
		t.backend,
	)
	t.backend.Tape().StartRecording()

	data, err := dataset.NewImageFolder(deps.Fs, cfg.DataDir, dataset.ToTensor{}, dataset.WithCache(cfg.CacheSize))
	if err != nil {
		return nil, err
	}
	if n := len(data.Classes()); n > cfg.NumClasses {
		return nil, errors.Errorf("trainer: dataset %s has %d classes, network outputs %d",
			cfg.DataDir, n, cfg.NumClasses)
	}
	t.loader = dataset.NewLoader(data, dataset.LoaderConfig{
		BatchSize:  cfg.BatchSize,
		Shuffle:    cfg.Shuffle,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
	})
	t.log.Info("dataset indexed",
		zap.String("root", cfg.DataDir),
		zap.Strings("classes", data.Classes()),
		zap.Int("samples", data.Len()))

	return t, nil
}

// RunID identifies the run in logs and checkpoint metadata.
func (t *Trainer[B]) RunID() string {
	return t.runID
}

// Model returns the network being trained.
func (t *Trainer[B]) Model() *model.Net[*autodiff.Backend[B]] {
	return t.net
}

// Run trains for the configured number of epochs.
//
// The checkpoint is rewritten after every completed epoch. On error or
// cancellation Run returns the epochs finished so far.
func (t *Trainer[B]) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: t.runID}
	for e := 1; e <= t.cfg.Epochs; e++ {
		start := time.Now()
		er, err := t.epoch(ctx, e)
		if err != nil {
			return report, err
		}

		if err := t.store.Save(t.net, t.meta(e, er.Mean)); err != nil {
			return report, err
		}
		fmt.Fprintf(t.out, "Total Loss: %s\n", shortFloat(er.Mean))
		report.Epochs = append(report.Epochs, er)
		t.logEpoch(er, time.Since(start))
	}
	fmt.Fprintln(t.out, "Finished Training")
	return report, nil
}

func (t *Trainer[B]) epoch(ctx context.Context, e int) (EpochReport, error) {
	it := t.loader.Epoch(ctx)
	defer it.Close()

	total := t.loader.Len()
	er := EpochReport{Epoch: e, Losses: make([]float64, 0, total)}
	for it.Next() {
		loss, err := t.step(it.Batch())
		if err != nil {
			return er, errors.Wrapf(err, "epoch %d step %d", e, er.Steps+1)
		}
		er.Losses = append(er.Losses, loss)
		er.Total += loss
		er.Steps++
		fmt.Fprintf(t.out, "Epoch [%d/%d], Step [%d/%d], Loss: %.4f, Total loss: %.4f\n",
			e, t.cfg.Epochs, er.Steps, total, loss, er.Total)
	}
	if err := it.Err(); err != nil {
		return er, errors.Wrapf(err, "epoch %d", e)
	}
	if er.Steps == 0 {
		return er, errors.Wrapf(dataset.ErrEmptyDataset, "epoch %d", e)
	}
	er.Mean = er.Total / float64(er.Steps)
	return er, nil
}

// step runs one optimizer update on a batch of one sample and returns its loss.
func (t *Trainer[B]) step(b dataset.Batch) (float64, error) {
	if b.Size() != 1 {
		return 0, errors.Errorf("expected a batch of 1, got %d", b.Size())
	}
	h, w := b.Shape[2], b.Shape[3]
	if h != t.cfg.InputHeight || w != t.cfg.InputWidth {
		return 0, errors.Errorf("sample %d is %dx%d, network expects %dx%d",
			b.Indices[0], h, w, t.cfg.InputHeight, t.cfg.InputWidth)
	}
	label := b.Labels[0]
	if int(label) >= t.cfg.NumClasses {
		return 0, errors.Errorf("sample %d has label %d, network outputs %d classes",
			b.Indices[0], label, t.cfg.NumClasses)
	}

	// The network sees channel 0 of the sample only.
	plane, err := b.Plane(0, 0)
	if err != nil {
		return 0, err
	}
	x, err := tensor.FromSlice(plane, tensor.Shape{1, 1, h, w}, t.backend)
	if err != nil {
		return 0, errors.Wrap(err, "input tensor")
	}
	y, err := tensor.FromSlice([]int32{label}, tensor.Shape{1}, t.backend)
	if err != nil {
		return 0, errors.Wrap(err, "label tensor")
	}

	logits := t.net.Forward(x)
	loss := t.criterion.Forward(logits, y)

	t.optimizer.ZeroGrad()
	grads := autodiff.Backward(loss, t.backend)
	t.optimizer.Step(grads)

	value := loss.Raw().AsFloat32()[0]
	t.backend.Tape().Clear()
	return float64(value), nil
}

func (t *Trainer[B]) meta(epoch int, mean float64) checkpoint.Meta {
	return checkpoint.Meta{
		RunID:        t.runID,
		Epoch:        epoch,
		MeanLoss:     mean,
		LearningRate: t.cfg.LearningRate,
		Device:       t.device.String(),
		Model:        t.net.Config(),
	}
}

func (t *Trainer[B]) logEpoch(er EpochReport, took time.Duration) {
	fields := []zap.Field{
		zap.Int("epoch", er.Epoch),
		zap.Int("steps", er.Steps),
		zap.Float64("mean", er.Mean),
		zap.Duration("took", took),
	}
	data := stats.Float64Data(er.Losses)
	if lo, err := stats.Min(data); err == nil {
		fields = append(fields, zap.Float64("min", lo))
	}
	if hi, err := stats.Max(data); err == nil {
		fields = append(fields, zap.Float64("max", hi))
	}
	if sd, err := stats.StandardDeviation(data); err == nil {
		fields = append(fields, zap.Float64("stddev", sd))
	}
	if med, err := stats.Median(data); err == nil {
		fields = append(fields, zap.Float64("median", med))
	}
	t.log.Info("epoch finished", fields...)
}
