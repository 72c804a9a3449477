package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Brownie44l1/ensemble-api/internal/explain"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	if yaml != "" {
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	}
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t, "")
	require.NoError(t, err)

	assert.Equal(t, DefaultImageSize, cfg.ImageSize)
	assert.Equal(t, []string{"Monkeypox", "Normal"}, []string(cfg.Labels))
	assert.Equal(t, 0, cfg.PositiveIndex)
	require.Len(t, cfg.Models, 3)
	assert.Equal(t, ModelConfig{
		ID:           "EfficientNetV2S",
		Path:         filepath.Join("models", "EfficientNetV2S.onnx"),
		MetadataPath: filepath.Join("models", "EfficientNetV2S.json"),
		Weight:       0.2,
	}, cfg.Models[0])
	assert.Equal(t, "InceptionV3", cfg.ExplainModel)
	assert.Equal(t, explain.DefaultSamples, cfg.Explain.Samples)
	assert.Equal(t, explain.DefaultTopFeatures, cfg.Explain.TopFeatures)
	assert.True(t, cfg.Explain.PositiveOnly)
	assert.False(t, cfg.Explain.HideRest)
	assert.Equal(t, DefaultExplainTimeout, cfg.ExplainTimeout)
	assert.False(t, cfg.StrictExplain)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, explain.Felzenszwalb{Scale: explain.DefaultScale, MinSize: explain.DefaultMinSize}, cfg.Explain.Segmenter)
}

func TestLoadFile(t *testing.T) {
	cfg, err := load(t, `
image_size: 299
labels: [Abnormal, Normal]
positive_label: Normal
model_dir: /srv/models
models:
  - id: a
    path: a/model.onnx
    weight: 0.5
  - id: b
    path: /opt/b.onnx
    metadata: b-meta.json
    weight: 1
explain:
  model: b
  samples: 500
  top_features: 5
  hide_rest: true
  timeout: 5s
  strict: true
  seed: 42
log_level: debug
workers: 2
`)
	require.NoError(t, err)

	assert.Equal(t, 299, cfg.ImageSize)
	assert.Equal(t, 1, cfg.PositiveIndex)
	assert.Equal(t, "/srv/models/a/model.onnx", cfg.Models[0].Path)
	assert.Equal(t, "/srv/models/a/model.json", cfg.Models[0].MetadataPath)
	assert.Equal(t, "/opt/b.onnx", cfg.Models[1].Path)
	assert.Equal(t, "/srv/models/b-meta.json", cfg.Models[1].MetadataPath)
	assert.Equal(t, "b", cfg.ExplainModel)
	assert.Equal(t, 500, cfg.Explain.Samples)
	assert.Equal(t, 5, cfg.Explain.TopFeatures)
	assert.True(t, cfg.Explain.HideRest)
	assert.Equal(t, int64(42), cfg.Explain.Seed)
	assert.Equal(t, 2, cfg.Explain.Workers)
	assert.Equal(t, 5*time.Second, cfg.ExplainTimeout)
	assert.True(t, cfg.StrictExplain)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestProcessAndValidateErrors(t *testing.T) {
	valid := func() *RawInput {
		return &RawInput{
			ImageSize: 224,
			Models:    DefaultModels(),
			Explain: ExplainRaw{
				Model:       "InceptionV3",
				Samples:     1000,
				TopFeatures: 10,
				Dim:         0.5,
				Scale:       100,
			},
			Workers:  4,
			Port:     8080,
			LogLevel: "info",
		}
	}
	require.NoError(t, ProcessAndValidate(&Config{}, valid()))

	tests := []struct {
		name   string
		mutate func(*RawInput)
		errMsg string
	}{
		{name: "image size", mutate: func(r *RawInput) { r.ImageSize = 0 }, errMsg: "image_size"},
		{name: "single label", mutate: func(r *RawInput) { r.Labels = []string{"Only"} }, errMsg: "at least 2 labels"},
		{name: "duplicate labels", mutate: func(r *RawInput) { r.Labels = []string{"A", "A"} }, errMsg: "unique"},
		{name: "unknown positive label", mutate: func(r *RawInput) { r.PositiveLabel = "Healthy" }, errMsg: "positive_label"},
		{name: "duplicate model", mutate: func(r *RawInput) { r.Models = append(r.Models, ModelRaw{ID: "DenseNet121", Weight: 0.1}) }, errMsg: "duplicate model"},
		{name: "bad weight", mutate: func(r *RawInput) { r.Models[0].Weight = 1.2 }, errMsg: "weight"},
		{name: "missing id", mutate: func(r *RawInput) { r.Models[0].ID = "" }, errMsg: "id"},
		{name: "unknown explain model", mutate: func(r *RawInput) { r.Explain.Model = "ResNet50" }, errMsg: "explain.model"},
		{name: "too few samples", mutate: func(r *RawInput) { r.Explain.Samples = 1 }, errMsg: "explain.samples"},
		{name: "no top features", mutate: func(r *RawInput) { r.Explain.TopFeatures = 0 }, errMsg: "explain.top_features"},
		{name: "dim out of range", mutate: func(r *RawInput) { r.Explain.Dim = 2 }, errMsg: "explain.dim"},
		{name: "negative timeout", mutate: func(r *RawInput) { r.Explain.Timeout = -time.Second }, errMsg: "explain.timeout"},
		{name: "no workers", mutate: func(r *RawInput) { r.Workers = 0 }, errMsg: "workers"},
		{name: "bad port", mutate: func(r *RawInput) { r.Port = 70000 }, errMsg: "port"},
		{name: "bad log level", mutate: func(r *RawInput) { r.LogLevel = "loud" }, errMsg: "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := valid()
			tt.mutate(raw)
			err := ProcessAndValidate(&Config{}, raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestExplanationCanBeDisabled(t *testing.T) {
	cfg, err := load(t, "explain:\n  model: \"\"\n")
	require.NoError(t, err)
	assert.Empty(t, cfg.ExplainModel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENSEMBLE_POSITIVE_LABEL", "Normal")
	t.Setenv("ENSEMBLE_ONNX_LIBRARY", "/opt/onnxruntime/libonnxruntime.so")
	t.Setenv("ENSEMBLE_EXPLAIN_SEED", "7")
	t.Setenv("ENSEMBLE_EXPLAIN_STRICT", "true")
	t.Setenv("ENSEMBLE_EXPLAIN_SAMPLES", "300")

	v := viper.New()
	v.SetEnvPrefix("ENSEMBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.PositiveIndex)
	assert.Equal(t, "/opt/onnxruntime/libonnxruntime.so", cfg.OnnxLibrary)
	assert.Equal(t, int64(7), cfg.Explain.Seed)
	assert.True(t, cfg.StrictExplain)
	assert.Equal(t, 300, cfg.Explain.Samples)
}

func TestLabelsAreTrimmed(t *testing.T) {
	cfg, err := load(t, `
labels: [" Monkeypox", "Normal "]
positive_label: Normal
`)
	require.NoError(t, err)
	assert.Equal(t, []string{"Monkeypox", "Normal"}, []string(cfg.Labels))
	assert.Equal(t, 1, cfg.PositiveIndex)
}

func TestDefaultExplainModelFollowsEnsemble(t *testing.T) {
	t.Run("custom models without the default", func(t *testing.T) {
		cfg, err := load(t, `
models:
  - id: a
    weight: 0.5
  - id: b
    weight: 0.5
`)
		require.NoError(t, err)
		assert.Empty(t, cfg.ExplainModel)
	})

	t.Run("custom models naming one", func(t *testing.T) {
		cfg, err := load(t, `
models:
  - id: a
    weight: 1
explain:
  model: a
`)
		require.NoError(t, err)
		assert.Equal(t, "a", cfg.ExplainModel)
	})

	t.Run("built-in models", func(t *testing.T) {
		cfg, err := load(t, "")
		require.NoError(t, err)
		assert.Equal(t, DefaultExplainModel, cfg.ExplainModel)
	})
}
