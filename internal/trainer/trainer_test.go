package trainer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/recog/internal/checkpoint"
	"github.com/born-ml/recog/internal/config"
	"github.com/born-ml/recog/internal/dataset"
	"github.com/born-ml/recog/internal/device"
	"github.com/born-ml/recog/internal/model"
)

// writeDataset creates root/<class>/<i>.png with perClass gray images each.
func writeDataset(t *testing.T, root string, classes []string, perClass, size int) {
	t.Helper()
	for c, name := range classes {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < perClass; i++ {
			img := image.NewGray(image.Rect(0, 0, size, size))
			for y := 0; y < size; y++ {
				for x := 0; x < size; x++ {
					// Class 0 bright on the left half, class 1 on the right.
					v := uint8(20 + 7*i)
					if (x < size/2) == (c == 0) {
						v = uint8(200 - 5*i)
					}
					img.SetGray(x, y, color.Gray{Y: v})
				}
			}
			f, err := os.Create(filepath.Join(dir, string(rune('a'+i))+".png"))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
}

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.ModelPath = filepath.Join(dir, "Saved_Model", "net.born")
	cfg.Epochs = 2
	cfg.LearningRate = 0.001
	cfg.NumWorkers = 2
	cfg.Seed = 42
	cfg.Device = "cpu"
	cfg.InputHeight = 16
	cfg.InputWidth = 16
	cfg.NumClasses = 2
	return cfg
}

func newTrainer(t *testing.T, cfg config.Config, out *bytes.Buffer) (*Trainer[*cpu.Backend], error) {
	t.Helper()
	return New(cfg, Deps[*cpu.Backend]{
		Backend: autodiff.New(cpu.New()),
		Device:  device.KindCPU,
		Fs:      afero.NewOsFs(),
		Stdout:  out,
	})
}

func TestTrainer_Run(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeDataset(t, cfg.DataDir, []string{"cat", "dog"}, 3, 16)

	var out bytes.Buffer
	tr, err := newTrainer(t, cfg, &out)
	require.NoError(t, err)
	assert.NotEmpty(t, tr.RunID())
	assert.FileExists(t, cfg.ModelPath, "initial checkpoint")
	assert.True(t, strings.HasPrefix(out.String(), model.ModelType+"("), "model printed first")

	geometry := model.Config{InputHeight: 16, InputWidth: 16, NumClasses: 2}
	backend := cpu.New()
	store := checkpoint.New[*cpu.Backend](afero.NewOsFs(), cfg.ModelPath, nil)
	initial, err := model.New(geometry, backend)
	require.NoError(t, err)
	info, err := store.Load(backend, initial)
	require.NoError(t, err)
	assert.Equal(t, "0", info.Metadata[checkpoint.KeyEpoch])

	report, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tr.RunID(), report.RunID)
	require.Len(t, report.Epochs, 2)

	for i, er := range report.Epochs {
		assert.Equal(t, i+1, er.Epoch)
		assert.Equal(t, 6, er.Steps)
		require.Len(t, er.Losses, 6)

		sum := 0.0
		for _, l := range er.Losses {
			assert.False(t, math.IsNaN(l))
			assert.GreaterOrEqual(t, l, 0.0)
			sum += l
		}
		assert.InDelta(t, sum, er.Total, 1e-9)
		assert.InDelta(t, sum/6, er.Mean, 1e-9)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var steps, totals []string
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "Epoch ["):
			steps = append(steps, l)
		case strings.HasPrefix(l, "Total Loss: "):
			totals = append(totals, l)
		}
	}
	assert.Len(t, steps, 12)
	assert.True(t, strings.HasPrefix(steps[0], "Epoch [1/2], Step [1/6], Loss: "), steps[0])
	assert.True(t, strings.HasPrefix(steps[11], "Epoch [2/2], Step [6/6], Loss: "), steps[11])
	require.Len(t, totals, 2)
	assert.Equal(t, "Total Loss: "+shortFloat(report.Epochs[1].Mean), totals[1])
	assert.Equal(t, "Finished Training", lines[len(lines)-1])

	// The last checkpoint holds the trained weights.
	net, err := model.New(geometry, backend)
	require.NoError(t, err)
	info, err = store.Load(backend, net)
	require.NoError(t, err)
	meta, err := checkpoint.ParseMeta(info.Metadata)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Epoch)
	assert.Equal(t, tr.RunID(), meta.RunID)
	assert.Equal(t, "cpu", meta.Device)
	assert.InDelta(t, report.Epochs[1].Mean, meta.MeanLoss, 1e-12)

	trained := tr.Model().StateDict()
	before := initial.StateDict()
	changed := 0
	for name, raw := range net.StateDict() {
		assert.Equal(t, trained[name].AsFloat32(), raw.AsFloat32(), name)
		if !assert.ObjectsAreEqual(before[name].AsFloat32(), raw.AsFloat32()) {
			changed++
		}
	}
	assert.Positive(t, changed, "training must move parameters away from the epoch-0 checkpoint")
}

func TestTrainer_InlineLoader(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Epochs = 1
	cfg.NumWorkers = 0
	cfg.Shuffle = false
	cfg.CacheSize = 8
	writeDataset(t, cfg.DataDir, []string{"a", "b"}, 2, 16)

	var out bytes.Buffer
	tr, err := newTrainer(t, cfg, &out)
	require.NoError(t, err)
	report, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Epochs, 1)
	assert.Equal(t, 4, report.Epochs[0].Steps)
}

func TestTrainer_MissingDataset(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	var out bytes.Buffer
	_, err := newTrainer(t, cfg, &out)
	require.Error(t, err)

	// The initial checkpoint is written before the dataset is indexed.
	assert.FileExists(t, cfg.ModelPath)
	assert.NotContains(t, out.String(), "Epoch [")
	assert.NotContains(t, out.String(), "Total Loss")
}

func TestTrainer_EmptyClass(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeDataset(t, cfg.DataDir, []string{"a"}, 2, 16)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.DataDir, "b"), 0o755))

	_, err := newTrainer(t, cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, dataset.ErrEmptyDataset, errors.Cause(err))
}

func TestTrainer_TooManyClasses(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeDataset(t, cfg.DataDir, []string{"a", "b", "c"}, 1, 16)

	_, err := newTrainer(t, cfg, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestTrainer_WrongImageSize(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeDataset(t, cfg.DataDir, []string{"a", "b"}, 1, 20)

	var out bytes.Buffer
	tr, err := newTrainer(t, cfg, &out)
	require.NoError(t, err)

	report, err := tr.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "20x20")
	assert.Empty(t, report.Epochs)
	assert.NotContains(t, out.String(), "Total Loss")
}

func TestTrainer_Canceled(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeDataset(t, cfg.DataDir, []string{"a", "b"}, 2, 16)

	tr, err := newTrainer(t, cfg, &bytes.Buffer{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, context.Canceled, errors.Cause(err))
}

func TestTrainer_InvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.BatchSize = 2
	_, err := newTrainer(t, cfg, &bytes.Buffer{})
	assert.Equal(t, config.ErrInvalid, errors.Cause(err))
}
