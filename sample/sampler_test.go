package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedySamplerPicksArgmax(t *testing.T) {
	s := NewSampler(Options{Temperature: 0})
	token, err := s.Sample([]float32{0.1, 5.0, 0.2, -1})
	require.NoError(t, err)
	assert.Equal(t, int32(1), token)
}

func TestSampleRejectsEmptyLogits(t *testing.T) {
	s := NewSampler(Options{Temperature: 0})
	_, err := s.Sample(nil)
	assert.Error(t, err)
}

func TestTopKOneDegeneratesToArgmax(t *testing.T) {
	s := NewSampler(Options{Temperature: 1, TopK: 1, Seed: 42})
	for i := 0; i < 20; i++ {
		token, err := s.Sample([]float32{0.1, 5.0, 0.2, -1})
		require.NoError(t, err)
		assert.Equal(t, int32(1), token)
	}
}

func TestMinPDropsLowProbabilityCandidates(t *testing.T) {
	s := NewSampler(Options{Temperature: 1, MinP: 0.9, Seed: 7})
	for i := 0; i < 20; i++ {
		token, err := s.Sample([]float32{10, 0, -10, -10})
		require.NoError(t, err)
		assert.Equal(t, int32(0), token)
	}
}

func TestSeededSamplerIsDeterministic(t *testing.T) {
	logits := []float32{1, 2, 3, 0.5, -2}
	a := NewSampler(Options{Temperature: 1, TopP: 0.9, Seed: 99})
	b := NewSampler(Options{Temperature: 1, TopP: 0.9, Seed: 99})

	for i := 0; i < 10; i++ {
		ta, err := a.Sample(logits)
		require.NoError(t, err)
		tb, err := b.Sample(logits)
		require.NoError(t, err)
		assert.Equal(t, ta, tb)
	}
}
