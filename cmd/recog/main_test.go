package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/recog/internal/checkpoint"
	"github.com/born-ml/recog/internal/config"
	"github.com/born-ml/recog/internal/model"
)

func TestTrainCmd_Load(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "run.yaml", []byte("epochs: 3\nnum_workers: 8\n"), 0o644))

	zero := 0
	c := &trainCmd{
		Config:    "run.yaml",
		Data:      "/scans",
		LR:        0.01,
		Workers:   &zero,
		NoShuffle: true,
	}
	cfg, err := c.load(fs)
	require.NoError(t, err)
	assert.Equal(t, "/scans", cfg.DataDir)
	assert.Equal(t, 3, cfg.Epochs, "from file")
	assert.Equal(t, 0.01, cfg.LearningRate, "from flag")
	assert.Equal(t, 0, cfg.NumWorkers, "explicit zero wins over file")
	assert.False(t, cfg.Shuffle)
	assert.Equal(t, config.Default().ModelPath, cfg.ModelPath)
}

func TestTrainCmd_LoadDefaults(t *testing.T) {
	cfg, err := (&trainCmd{}).load(afero.NewMemMapFs())
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestTrainCmd_LoadInvalid(t *testing.T) {
	_, err := (&trainCmd{Device: "tpu"}).load(afero.NewMemMapFs())
	assert.Error(t, err)

	_, err = (&trainCmd{Config: "missing.yaml"}).load(afero.NewMemMapFs())
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.born")
	geometry := model.Config{InputHeight: 16, InputWidth: 16, NumClasses: 3}

	backend := cpu.New()
	net, err := model.New(geometry, backend)
	require.NoError(t, err)
	store := checkpoint.New[*cpu.Backend](afero.NewOsFs(), path, nil)
	require.NoError(t, store.Save(net, checkpoint.Meta{RunID: "abc", Epoch: 4, Device: "cpu", Model: geometry}))

	cfg := config.Default()
	cfg.ModelPath = path
	cfg.InputHeight, cfg.InputWidth, cfg.NumClasses = 16, 16, 3

	var out bytes.Buffer
	require.NoError(t, inspect(&out, afero.NewOsFs(), cfg, nil))
	s := out.String()
	assert.Contains(t, s, "Model:      "+model.ModelType)
	assert.Contains(t, s, "run_id")
	assert.Contains(t, s, "abc")
	assert.Contains(t, s, "conv1.weight")
	assert.Contains(t, s, "fc3.bias")

	cfg.NumClasses = 4
	assert.Error(t, inspect(&bytes.Buffer{}, afero.NewOsFs(), cfg, nil), "geometry mismatch")
}
