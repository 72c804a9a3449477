package model

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Registry holds the loaded models of one process. It is built once at startup
// and only read afterwards; lookups are safe for concurrent use.
type Registry struct {
	labels Labels

	mu         sync.RWMutex
	entries    []Entry
	index      map[string]int
	configured []string
	failures   map[string]error
}

// NewRegistry creates an empty registry whose models must follow labels.
func NewRegistry(labels Labels) *Registry {
	return &Registry{
		labels:   labels,
		index:    make(map[string]int),
		failures: make(map[string]error),
	}
}

// Register loads a model and adds it under id. A failure is logged and
// recorded; it never affects models registered before or after.
func (r *Registry) Register(id string, weight float64, load Loader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configured = append(r.configured, id)

	err := r.register(id, weight, load)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrLoad, id, err)
		r.failures[id] = err
		slog.Error("Model failed to load", "model", id, "error", err)
		return err
	}

	slog.Info("Model loaded", "model", id, "weight", weight)
	return nil
}

func (r *Registry) register(id string, weight float64, load Loader) error {
	if id == "" {
		return errors.New("empty model identifier")
	}
	if _, dup := r.index[id]; dup {
		return errors.New("duplicate model identifier")
	}
	if weight <= 0 || weight > 1 {
		return fmt.Errorf("weight %v outside (0,1]", weight)
	}
	if load == nil {
		return errors.New("no loader")
	}

	scorer, err := load()
	if err != nil {
		return err
	}
	if scorer == nil {
		return errors.New("loader returned no scorer")
	}

	if c, ok := scorer.(Classed); ok {
		if err := r.labels.Check(c.Classes()); err != nil {
			closeScorer(scorer)
			return err
		}
	}

	r.index[id] = len(r.entries)
	r.entries = append(r.entries, Entry{ID: id, Weight: weight, Scorer: scorer})
	return nil
}

// All returns the loaded models in registration order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Get looks up a loaded model.
func (r *Registry) Get(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.entries[i], nil
}

// Labels returns the class label set shared by every model.
func (r *Registry) Labels() Labels {
	return r.labels
}

// IsReady reports whether at least one model was configured and every
// configured model loaded.
func (r *Registry) IsReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.configured) > 0 && len(r.failures) == 0
}

// Failures returns the load error of every model that failed to register.
func (r *Registry) Failures() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]error, len(r.failures))
	for id, err := range r.failures {
		out[id] = err
	}
	return out
}

// Close releases every loaded model that holds native resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, e := range r.entries {
		if err := closeScorer(e.Scorer); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.ID, err))
		}
	}
	r.entries = nil
	r.index = make(map[string]int)
	return errors.Join(errs...)
}

func closeScorer(s Scorer) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
