package model

import (
	"context"
	"errors"
	"testing"

	"github.com/Brownie44l1/ensemble-api/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLabels = Labels{"Monkeypox", "Normal"}

func constant(v ...float32) Loader {
	return func() (Scorer, error) {
		return ScorerFunc(func(context.Context, *tensor.Image) ([]float32, error) {
			return v, nil
		}), nil
	}
}

type classedScorer struct {
	ScorerFunc
	classes []string
}

func (c classedScorer) Classes() []string { return c.classes }

type closingScorer struct {
	ScorerFunc
	closed *bool
}

func (c closingScorer) Close() error {
	*c.closed = true
	return nil
}

func TestRegisterIsolatesFailures(t *testing.T) {
	reg := NewRegistry(testLabels)

	require.NoError(t, reg.Register("a", 0.2, constant(0.9, 0.1)))
	err := reg.Register("broken", 0.4, func() (Scorer, error) {
		return nil, errors.New("missing file")
	})
	require.ErrorIs(t, err, ErrLoad)
	require.NoError(t, reg.Register("c", 0.4, constant(0.8, 0.2)))

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "c", all[1].ID)
	assert.False(t, reg.IsReady())
	assert.Contains(t, reg.Failures(), "broken")
	assert.ErrorContains(t, reg.Failures()["broken"], "missing file")
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		weight float64
		load   Loader
	}{
		{name: "empty id", id: "", weight: 0.5, load: constant(1, 0)},
		{name: "zero weight", id: "m", weight: 0, load: constant(1, 0)},
		{name: "weight above one", id: "m", weight: 1.5, load: constant(1, 0)},
		{name: "nil loader", id: "m", weight: 0.5, load: nil},
		{name: "nil scorer", id: "m", weight: 0.5, load: func() (Scorer, error) { return nil, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(testLabels)
			assert.ErrorIs(t, reg.Register(tt.id, tt.weight, tt.load), ErrLoad)
			assert.Empty(t, reg.All())
			assert.False(t, reg.IsReady())
		})
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	reg := NewRegistry(testLabels)
	require.NoError(t, reg.Register("m", 1, constant(1, 0)))
	assert.ErrorIs(t, reg.Register("m", 1, constant(1, 0)), ErrLoad)
	assert.Len(t, reg.All(), 1)
}

func TestRegisterChecksLabelOrder(t *testing.T) {
	reg := NewRegistry(testLabels)
	closed := false
	swapped := func() (Scorer, error) {
		return closingClassed{classedScorer{classes: []string{"Normal", "Monkeypox"}}, &closed}, nil
	}

	err := reg.Register("swapped", 1, swapped)
	assert.ErrorIs(t, err, ErrLoad)
	assert.ErrorIs(t, err, ErrLabelMismatch)
	assert.True(t, closed)

	ok := func() (Scorer, error) {
		return classedScorer{classes: []string{"Monkeypox", "Normal"}}, nil
	}
	assert.NoError(t, reg.Register("ok", 1, ok))
}

type closingClassed struct {
	classedScorer
	closed *bool
}

func (c closingClassed) Close() error {
	*c.closed = true
	return nil
}

func TestGetAndReadiness(t *testing.T) {
	reg := NewRegistry(testLabels)
	assert.False(t, reg.IsReady(), "no configured models")

	require.NoError(t, reg.Register("m", 0.5, constant(1, 0)))
	assert.True(t, reg.IsReady())

	e, err := reg.Get("m")
	require.NoError(t, err)
	assert.Equal(t, 0.5, e.Weight)

	_, err = reg.Get("other")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, reg.Labels().Index("Normal"))
	assert.Equal(t, -1, reg.Labels().Index("Other"))
}

func TestCloseReleasesScorers(t *testing.T) {
	reg := NewRegistry(testLabels)
	closed := false
	require.NoError(t, reg.Register("m", 1, func() (Scorer, error) {
		return closingScorer{closed: &closed}, nil
	}))

	require.NoError(t, reg.Close())
	assert.True(t, closed)
	assert.Empty(t, reg.All())
}

func TestSoftmax(t *testing.T) {
	v := []float32{1, 2, 3}
	softmax(v)

	var sum float32
	for _, x := range v {
		sum += x
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Greater(t, v[2], v[1])
	assert.Greater(t, v[1], v[0])
}
