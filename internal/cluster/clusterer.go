// Package cluster groups file vectors into stable clusters: a density
// clusterer proposes raw labels, Reconcile maps them onto the stable ids of
// the previous cycle, and the Coordinator decides when a cycle runs.
package cluster

import (
	"context"
	"fmt"
	"math"
)

// NoiseLabel is the raw label for points that belong to no group.
const NoiseLabel = -1

// Point is one file vector handed to a clusterer.
type Point struct {
	Path   string
	Vector []float32
}

// Clusterer assigns a raw label to every point. Labels are only meaningful
// within one call.
type Clusterer interface {
	Cluster(ctx context.Context, points []Point) (map[string]int, error)
}

// DBSCAN clusters by density using cosine distance. Results depend only on
// the input order, which callers keep sorted by path.
type DBSCAN struct {
	Eps        float64 // Maximum cosine distance between neighbours
	MinSamples int     // Neighbourhood size, the point included, for a core point
}

var _ Clusterer = (*DBSCAN)(nil)

// NewDBSCAN creates a DBSCAN clusterer.
func NewDBSCAN(eps float64, minSamples int) *DBSCAN {
	if minSamples < 1 {
		minSamples = 1
	}
	return &DBSCAN{Eps: eps, MinSamples: minSamples}
}

// Cluster implements Clusterer.
func (d *DBSCAN) Cluster(ctx context.Context, points []Point) (map[string]int, error) {
	labels := make(map[string]int, len(points))
	if len(points) == 0 {
		return labels, nil
	}

	dims := len(points[0].Vector)
	norms := make([]float64, len(points))
	for i, p := range points {
		if len(p.Vector) != dims {
			return nil, fmt.Errorf("point %s has %d dimensions, expected %d", p.Path, len(p.Vector), dims)
		}
		norms[i] = norm(p.Vector)
	}

	neighbours := make([][]int, len(points))
	for i := range points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := range points {
			if i == j || cosineDistance(points[i].Vector, points[j].Vector, norms[i], norms[j]) <= d.Eps {
				neighbours[i] = append(neighbours[i], j)
			}
		}
	}

	const unvisited = -2
	assigned := make([]int, len(points))
	for i := range assigned {
		assigned[i] = unvisited
	}

	next := 0
	for i := range points {
		if assigned[i] != unvisited {
			continue
		}
		if len(neighbours[i]) < d.MinSamples {
			assigned[i] = NoiseLabel
			continue
		}

		label := next
		next++
		assigned[i] = label

		queue := append([]int(nil), neighbours[i]...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if assigned[j] == NoiseLabel {
				assigned[j] = label // Border point
			}
			if assigned[j] != unvisited {
				continue
			}
			assigned[j] = label
			if len(neighbours[j]) >= d.MinSamples {
				queue = append(queue, neighbours[j]...)
			}
		}
	}

	for i, p := range points {
		labels[p.Path] = assigned[i]
	}
	return labels, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosineDistance returns 1 - cosine similarity. Zero vectors are at
// distance 1 from everything.
func cosineDistance(a, b []float32, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 1
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return 1 - dot/(na*nb)
}
