package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Brownie44l1/ensemble-api/internal/config"
	"github.com/Brownie44l1/ensemble-api/internal/ensemble"
	"github.com/Brownie44l1/ensemble-api/internal/explain"
	"github.com/Brownie44l1/ensemble-api/internal/model"
	"github.com/Brownie44l1/ensemble-api/internal/preprocess"
	"github.com/Brownie44l1/ensemble-api/internal/service"
)

// app holds the wired pipeline shared by serve and predict.
type app struct {
	cfg      *config.Config
	runtime  *model.Runtime
	registry *model.Registry
	service  *service.Service
}

// newApp loads the configuration and every model, then wires the pipeline.
// Models that fail to load are reported but do not stop startup.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)

	rt, err := model.NewRuntime(cfg.OnnxLibrary)
	if err != nil {
		return nil, err
	}

	reg := model.NewRegistry(cfg.Labels)
	for _, m := range cfg.Models {
		slog.Debug("Loading model", "model", m.ID, "path", m.Path)
		// Failures are recorded by the registry and surface on /health.
		_ = reg.Register(m.ID, m.Weight, rt.Loader(m.Path, m.MetadataPath))
	}

	agg, err := ensemble.New(reg,
		ensemble.WithPositiveIndex(cfg.PositiveIndex),
		ensemble.WithWorkers(cfg.Workers))
	if err != nil {
		return nil, errors.Join(err, reg.Close(), rt.Close())
	}

	var explainer service.Explainer
	if cfg.ExplainModel != "" {
		explainer = explain.New(reg, cfg.ExplainModel, cfg.Explain)
	}

	svc := service.New(preprocess.New(cfg.ImageSize), agg, explainer, service.Options{
		ExplainTimeout: cfg.ExplainTimeout,
		StrictExplain:  cfg.StrictExplain,
	})

	return &app{cfg: cfg, runtime: rt, registry: reg, service: svc}, nil
}

// requireModels fails when no model could be loaded.
func (a *app) requireModels() error {
	if len(a.registry.All()) == 0 {
		return fmt.Errorf("%w: none of the %d configured models loaded", ensemble.ErrNotReady, len(a.cfg.Models))
	}
	return nil
}

func (a *app) Close() error {
	return errors.Join(a.registry.Close(), a.runtime.Close())
}
