package cluster

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBSCANGroupsAndNoise(t *testing.T) {
	points := []Point{
		{Path: "/r/a1", Vector: []float32{1, 0, 0}},
		{Path: "/r/a2", Vector: []float32{0.99, 0.05, 0}},
		{Path: "/r/a3", Vector: []float32{0.98, 0.1, 0}},
		{Path: "/r/b1", Vector: []float32{0, 1, 0}},
		{Path: "/r/b2", Vector: []float32{0.05, 0.99, 0}},
		{Path: "/r/b3", Vector: []float32{0.1, 0.98, 0}},
		{Path: "/r/z", Vector: []float32{0, 0, 1}},
	}

	labels, err := NewDBSCAN(0.1, 2).Cluster(context.Background(), points)
	require.NoError(t, err)
	require.Len(t, labels, len(points))

	assert.Equal(t, 0, labels["/r/a1"])
	assert.Equal(t, 0, labels["/r/a2"])
	assert.Equal(t, 0, labels["/r/a3"])
	assert.Equal(t, 1, labels["/r/b1"])
	assert.Equal(t, 1, labels["/r/b2"])
	assert.Equal(t, 1, labels["/r/b3"])
	assert.Equal(t, NoiseLabel, labels["/r/z"])
}

func TestDBSCANScaleInvariant(t *testing.T) {
	points := []Point{
		{Path: "/r/a", Vector: []float32{1, 1}},
		{Path: "/r/b", Vector: []float32{10, 10}},
	}

	labels, err := NewDBSCAN(0.01, 2).Cluster(context.Background(), points)
	require.NoError(t, err)
	assert.Equal(t, labels["/r/a"], labels["/r/b"])
	assert.NotEqual(t, NoiseLabel, labels["/r/a"])
}

func TestDBSCANDeterministic(t *testing.T) {
	points := []Point{
		{Path: "/r/1", Vector: []float32{1, 0}},
		{Path: "/r/2", Vector: []float32{0.9, 0.1}},
		{Path: "/r/3", Vector: []float32{0.1, 0.9}},
		{Path: "/r/4", Vector: []float32{0, 1}},
	}

	d := NewDBSCAN(0.05, 2)
	first, err := d.Cluster(context.Background(), points)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := d.Cluster(context.Background(), points)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDBSCANEmpty(t *testing.T) {
	labels, err := NewDBSCAN(0.3, 2).Cluster(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestDBSCANSinglePointIsNoise(t *testing.T) {
	labels, err := NewDBSCAN(0.3, 2).Cluster(context.Background(), []Point{{Path: "/r/a", Vector: []float32{1, 0}}})
	require.NoError(t, err)
	assert.Equal(t, NoiseLabel, labels["/r/a"])
}

func TestDBSCANDimensionMismatch(t *testing.T) {
	_, err := NewDBSCAN(0.3, 2).Cluster(context.Background(), []Point{
		{Path: "/r/a", Vector: []float32{1, 0}},
		{Path: "/r/b", Vector: []float32{1, 0, 0}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/r/b")
}

func TestDBSCANCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDBSCAN(0.3, 2).Cluster(ctx, []Point{{Path: "/r/a", Vector: []float32{1}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewDBSCANClampsMinSamples(t *testing.T) {
	assert.Equal(t, 1, NewDBSCAN(0.3, 0).MinSamples)
}

func TestCosineDistance(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	c := []float32{-1, 0}
	zero := []float32{0, 0}

	assert.InDelta(t, 0, cosineDistance(a, a, norm(a), norm(a)), 1e-9)
	assert.InDelta(t, 1, cosineDistance(a, b, norm(a), norm(b)), 1e-9)
	assert.InDelta(t, 2, cosineDistance(a, c, norm(a), norm(c)), 1e-9)
	assert.Equal(t, 1.0, cosineDistance(a, zero, norm(a), norm(zero)))
	assert.InDelta(t, math.Sqrt2, norm([]float32{1, 1}), 1e-9)
}
