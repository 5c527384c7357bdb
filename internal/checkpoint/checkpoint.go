// Package checkpoint writes and reads the model file of a training run.
//
// A run owns exactly one checkpoint path. Every save rewrites the whole file
// in place; a crash mid-write leaves a truncated file behind.
package checkpoint

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/born-ml/recog/internal/model"
)

// Metadata keys stored in the checkpoint header.
const (
	KeyRunID        = "run_id"
	KeyEpoch        = "epoch"
	KeyMeanLoss     = "mean_loss"
	KeyLearningRate = "learning_rate"
	KeyDevice       = "device"
	KeyInputHeight  = "input_height"
	KeyInputWidth   = "input_width"
	KeyNumClasses   = "num_classes"
)

// Meta is the training state stamped into a checkpoint.
type Meta struct {
	RunID        string
	Epoch        int // 0 for the checkpoint written before training
	MeanLoss     float64
	LearningRate float64
	Device       string
	Model        model.Config
}

// Map encodes m as header metadata.
func (m Meta) Map() map[string]string {
	return map[string]string{
		KeyRunID:        m.RunID,
		KeyEpoch:        strconv.Itoa(m.Epoch),
		KeyMeanLoss:     strconv.FormatFloat(m.MeanLoss, 'g', -1, 64),
		KeyLearningRate: strconv.FormatFloat(m.LearningRate, 'g', -1, 64),
		KeyDevice:       m.Device,
		KeyInputHeight:  strconv.Itoa(m.Model.InputHeight),
		KeyInputWidth:   strconv.Itoa(m.Model.InputWidth),
		KeyNumClasses:   strconv.Itoa(m.Model.NumClasses),
	}
}

// ParseMeta decodes header metadata written by Meta.Map.
func ParseMeta(md map[string]string) (Meta, error) {
	m := Meta{RunID: md[KeyRunID], Device: md[KeyDevice]}
	ints := []struct {
		key string
		dst *int
	}{
		{KeyEpoch, &m.Epoch},
		{KeyInputHeight, &m.Model.InputHeight},
		{KeyInputWidth, &m.Model.InputWidth},
		{KeyNumClasses, &m.Model.NumClasses},
	}
	for _, f := range ints {
		v, err := strconv.Atoi(md[f.key])
		if err != nil {
			return Meta{}, errors.Wrapf(err, "metadata %s", f.key)
		}
		*f.dst = v
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{KeyMeanLoss, &m.MeanLoss},
		{KeyLearningRate, &m.LearningRate},
	}
	for _, f := range floats {
		v, err := strconv.ParseFloat(md[f.key], 64)
		if err != nil {
			return Meta{}, errors.Wrapf(err, "metadata %s", f.key)
		}
		*f.dst = v
	}
	return m, nil
}

// TensorInfo describes one stored tensor.
type TensorInfo struct {
	Name  string
	DType string
	Shape []int
}

// Info is what a checkpoint header says about its contents.
type Info struct {
	ModelType string
	CreatedAt time.Time
	Metadata  map[string]string
	Tensors   []TensorInfo
}

// Store saves and loads one checkpoint file.
//
// The .born writer goes through the operating system directly, so fs must be
// backed by the real filesystem (afero.NewOsFs or a BasePathFs over it).
type Store[B tensor.Backend] struct {
	fs   afero.Fs
	path string
	log  *zap.Logger
}

// New returns a store for path. A nil logger disables logging.
func New[B tensor.Backend](fs afero.Fs, path string, log *zap.Logger) *Store[B] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store[B]{fs: fs, path: path, log: log}
}

// Path returns the checkpoint location.
func (s *Store[B]) Path() string {
	return s.path
}

// EnsureDir creates the parent directory of the checkpoint.
func (s *Store[B]) EnsureDir() error {
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create checkpoint dir %s", dir)
	}
	return nil
}

// Save overwrites the checkpoint with the current parameters of m.
func (s *Store[B]) Save(m nn.Module[B], meta Meta) error {
	if err := nn.Save(m, s.path, model.ModelType, meta.Map()); err != nil {
		return errors.Wrapf(err, "save checkpoint %s", s.path)
	}

	fields := []zap.Field{
		zap.String("path", s.path),
		zap.Int("epoch", meta.Epoch),
		zap.String("run_id", meta.RunID),
	}
	if fi, err := s.fs.Stat(s.path); err == nil {
		fields = append(fields, zap.String("size", humanize.Bytes(uint64(fi.Size()))))
	}
	s.log.Info("checkpoint saved", fields...)
	return nil
}

// Load reads the checkpoint into m, which must have the saved architecture.
func (s *Store[B]) Load(backend B, m nn.Module[B]) (Info, error) {
	h, err := nn.Load(s.path, backend, m)
	if err != nil {
		return Info{}, errors.Wrapf(err, "load checkpoint %s", s.path)
	}
	info := Info{
		ModelType: h.ModelType,
		CreatedAt: h.CreatedAt,
		Metadata:  h.Metadata,
		Tensors:   make([]TensorInfo, len(h.Tensors)),
	}
	for i, t := range h.Tensors {
		info.Tensors[i] = TensorInfo{Name: t.Name, DType: t.DType, Shape: t.Shape}
	}
	if info.ModelType != model.ModelType {
		return info, errors.Errorf("checkpoint %s holds %q, not %s", s.path, info.ModelType, model.ModelType)
	}
	return info, nil
}
