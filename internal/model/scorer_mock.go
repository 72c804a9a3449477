package model

import (
	"context"

	"github.com/Brownie44l1/ensemble-api/internal/tensor"
	"github.com/stretchr/testify/mock"
)

// MockScorer is a mock implementation of Scorer for testing.
type MockScorer struct {
	mock.Mock
}

var _ Scorer = &MockScorer{} // Compile-time check

// Score implements the Scorer interface.
func (m *MockScorer) Score(ctx context.Context, t *tensor.Image) ([]float32, error) {
	args := m.Called(ctx, t)
	out, _ := args.Get(0).([]float32)
	return out, args.Error(1)
}

// Loader returns a Loader that yields the mock.
func (m *MockScorer) Loader() Loader {
	return func() (Scorer, error) { return m, nil }
}
