package model

import "errors"

// Sentinel errors for model loading and lookup.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrLoad indicates a configured model could not be loaded or registered.
	ErrLoad = errors.New("model: load failed")

	// ErrNotFound indicates the identifier is not present in the registry.
	ErrNotFound = errors.New("model: not found in registry")

	// ErrLabelMismatch indicates a model's output order differs from the registry labels.
	ErrLabelMismatch = errors.New("model: class labels do not match")
)
