// Package config turns raw settings from file, environment and flags into a
// validated service configuration.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Brownie44l1/ensemble-api/internal/explain"
	"github.com/Brownie44l1/ensemble-api/internal/model"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default values for configuration.
const (
	DefaultImageSize      = 224
	MaxImageSize          = 4096
	DefaultModelDir       = "models"
	DefaultExplainModel   = "InceptionV3"
	DefaultExplainTimeout = 30 * time.Second
	DefaultPort           = 8080
	DefaultLogLevel       = "info"
)

// DefaultWorkers is the default number of concurrent model invocations.
var DefaultWorkers = runtime.GOMAXPROCS(0)

// DefaultLabels is the class label set used when none is configured.
var DefaultLabels = []string{"Monkeypox", "Normal"}

// DefaultModels is the ensemble used when none is configured.
func DefaultModels() []ModelRaw {
	return []ModelRaw{
		{ID: "EfficientNetV2S", Weight: 0.2},
		{ID: "DenseNet121", Weight: 0.4},
		{ID: "InceptionV3", Weight: 0.4},
	}
}

// ModelRaw is one ensemble member as written in the config file.
type ModelRaw struct {
	ID       string  `mapstructure:"id"`
	Path     string  `mapstructure:"path"`
	Metadata string  `mapstructure:"metadata"`
	Weight   float64 `mapstructure:"weight"`
}

// ExplainRaw holds the raw attribution settings.
type ExplainRaw struct {
	Model        string        `mapstructure:"model"`
	Samples      int           `mapstructure:"samples"`
	TopFeatures  int           `mapstructure:"top_features"`
	PositiveOnly bool          `mapstructure:"positive_only"`
	HideRest     bool          `mapstructure:"hide_rest"`
	Dim          float64       `mapstructure:"dim"`
	Seed         int64         `mapstructure:"seed"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Strict       bool          `mapstructure:"strict"`
	Scale        float64       `mapstructure:"scale"`
	MinSize      int           `mapstructure:"min_size"`
}

// RawInput holds the unvalidated configuration from all sources.
// Viper will unmarshal into this struct.
type RawInput struct {
	ImageSize     int        `mapstructure:"image_size"`
	Labels        []string   `mapstructure:"labels"`
	PositiveLabel string     `mapstructure:"positive_label"`
	ModelDir      string     `mapstructure:"model_dir"`
	Models        []ModelRaw `mapstructure:"models"`
	OnnxLibrary   string     `mapstructure:"onnx_library"`
	Explain       ExplainRaw `mapstructure:"explain"`
	Workers       int        `mapstructure:"workers"`
	Port          int        `mapstructure:"port"`
	LogLevel      string     `mapstructure:"log_level"`
}

// ModelConfig is a validated ensemble member with resolved file paths.
type ModelConfig struct {
	ID           string
	Path         string
	MetadataPath string
	Weight       float64
}

// Config holds the final, validated configuration.
type Config struct {
	ImageSize      int
	Labels         model.Labels
	PositiveIndex  int
	Models         []ModelConfig
	OnnxLibrary    string
	ExplainModel   string // empty disables explanations
	Explain        explain.Options
	ExplainTimeout time.Duration
	StrictExplain  bool
	Workers        int
	Port           int
	LogLevel       slog.Level
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	def := explain.DefaultOptions()
	v.SetDefault("image_size", DefaultImageSize)
	v.SetDefault("labels", DefaultLabels)
	v.SetDefault("positive_label", "")
	v.SetDefault("model_dir", DefaultModelDir)
	v.SetDefault("onnx_library", "")
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("explain.model", DefaultExplainModel)
	v.SetDefault("explain.samples", def.Samples)
	v.SetDefault("explain.top_features", def.TopFeatures)
	v.SetDefault("explain.positive_only", def.PositiveOnly)
	v.SetDefault("explain.hide_rest", def.HideRest)
	v.SetDefault("explain.dim", def.Dim)
	v.SetDefault("explain.seed", 0)
	v.SetDefault("explain.timeout", DefaultExplainTimeout)
	v.SetDefault("explain.strict", false)
	v.SetDefault("explain.scale", explain.DefaultScale)
	v.SetDefault("explain.min_size", explain.DefaultMinSize)
}

// DecodeHook converts duration strings and comma-separated lists while unmarshaling.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load unmarshals every resolved value of v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	raw := &RawInput{}
	if err := v.Unmarshal(raw, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	cfg := &Config{}
	if err := ProcessAndValidate(cfg, raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProcessAndValidate performs all parsing and validation on the raw inputs
// and fills the final Config.
func ProcessAndValidate(cfg *Config, raw *RawInput) error {
	// --- 1. Image size ---
	if raw.ImageSize <= 0 || raw.ImageSize > MaxImageSize {
		return fmt.Errorf("image_size must be greater than 0 and cannot exceed %d (received %d)", MaxImageSize, raw.ImageSize)
	}
	cfg.ImageSize = raw.ImageSize

	// --- 2. Labels ---
	rawLabels := raw.Labels
	if len(rawLabels) == 0 {
		rawLabels = DefaultLabels
	}
	if len(rawLabels) < 2 {
		return fmt.Errorf("at least 2 labels are required (received %d)", len(rawLabels))
	}
	labels := make(model.Labels, 0, len(rawLabels))
	seen := make(map[string]bool, len(rawLabels))
	for _, l := range rawLabels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			return fmt.Errorf("labels must be non-empty and unique (received %q)", rawLabels)
		}
		seen[l] = true
		labels = append(labels, l)
	}
	cfg.Labels = labels

	cfg.PositiveIndex = 0
	if positive := strings.TrimSpace(raw.PositiveLabel); positive != "" {
		cfg.PositiveIndex = cfg.Labels.Index(positive)
		if cfg.PositiveIndex < 0 {
			return fmt.Errorf("positive_label '%s' is not one of %v", positive, []string(labels))
		}
	}

	// --- 3. Models ---
	models := raw.Models
	builtin := len(models) == 0
	if builtin {
		models = DefaultModels()
	}
	cfg.Models = cfg.Models[:0]
	ids := make(map[string]bool, len(models))
	for _, m := range models {
		if m.ID == "" {
			return fmt.Errorf("every model needs an id")
		}
		if ids[m.ID] {
			return fmt.Errorf("duplicate model id '%s'", m.ID)
		}
		ids[m.ID] = true
		if m.Weight <= 0 || m.Weight > 1 {
			return fmt.Errorf("weight of model '%s' must be in (0,1] (received %v)", m.ID, m.Weight)
		}
		cfg.Models = append(cfg.Models, resolveModel(raw.ModelDir, m))
	}
	cfg.OnnxLibrary = raw.OnnxLibrary

	// --- 4. Explanation ---
	e := raw.Explain
	// The default explanation model only exists in the built-in ensemble.
	if !builtin && e.Model == DefaultExplainModel && !ids[e.Model] {
		slog.Warn("Explanations disabled: explain.model is not set for the configured models",
			"default", DefaultExplainModel)
		e.Model = ""
	}
	if e.Model != "" && !ids[e.Model] {
		return fmt.Errorf("explain.model '%s' is not a configured model", e.Model)
	}
	cfg.ExplainModel = e.Model
	if e.Samples < 2 {
		return fmt.Errorf("explain.samples must be at least 2 (received %d)", e.Samples)
	}
	if e.TopFeatures <= 0 {
		return fmt.Errorf("explain.top_features must be greater than 0 (received %d)", e.TopFeatures)
	}
	if e.Dim < 0 || e.Dim > 1 {
		return fmt.Errorf("explain.dim must be in [0,1] (received %v)", e.Dim)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("explain.timeout cannot be negative (received %s)", e.Timeout)
	}
	if e.Scale <= 0 {
		return fmt.Errorf("explain.scale must be greater than 0 (received %v)", e.Scale)
	}

	// --- 5. Runtime ---
	if raw.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0 (received %d)", raw.Workers)
	}
	cfg.Workers = raw.Workers

	if raw.Port <= 0 || raw.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535 (received %d)", raw.Port)
	}
	cfg.Port = raw.Port

	if err := cfg.LogLevel.UnmarshalText([]byte(raw.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level '%s': %w", raw.LogLevel, err)
	}

	cfg.Explain = explain.Options{
		Samples:      e.Samples,
		TopFeatures:  e.TopFeatures,
		PositiveOnly: e.PositiveOnly,
		HideRest:     e.HideRest,
		Dim:          e.Dim,
		KernelWidth:  explain.DefaultKernelWidth,
		Seed:         e.Seed,
		Workers:      cfg.Workers,
		Segmenter:    explain.Felzenszwalb{Scale: e.Scale, MinSize: e.MinSize},
	}
	cfg.ExplainTimeout = e.Timeout
	cfg.StrictExplain = e.Strict
	return nil
}

// resolveModel fills default file names and anchors relative paths at dir.
func resolveModel(dir string, m ModelRaw) ModelConfig {
	path := m.Path
	if path == "" {
		path = m.ID + ".onnx"
	}
	meta := m.Metadata
	if meta == "" {
		meta = strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
	}
	if dir != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if !filepath.IsAbs(meta) {
			meta = filepath.Join(dir, meta)
		}
	}
	return ModelConfig{ID: m.ID, Path: path, MetadataPath: meta, Weight: m.Weight}
}
