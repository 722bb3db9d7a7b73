package cluster

import (
	"sort"

	"github.com/nickcecere/sefs/internal/store"
)

// Options controls how raw groups are matched to stable clusters.
type Options struct {
	MinClusterSize   int
	OverlapThreshold float64
}

type group struct {
	paths   []string
	overlap int
	stable  int64 // Accepted stable id, 0 when a new id must be minted
}

// Reconcile maps raw clusterer labels onto the stable cluster ids in prev
// (path to previous stable id, noise excluded) and returns the plan to apply.
//
// Groups are visited largest first, ties broken by smallest member path. A
// group inherits the previous cluster sharing most of its members when the
// overlap exceeds the threshold share of either the group or that cluster.
// When two groups claim one cluster the larger overlap keeps it and the other
// mints a new id. Previous clusters left unclaimed are dissolved.
func Reconcile(prev map[string]int64, labels map[string]int, opts Options) store.ClusteringPlan {
	var plan store.ClusteringPlan

	byLabel := make(map[int][]string)
	for path, label := range labels {
		if label == NoiseLabel {
			plan.Noise = append(plan.Noise, path)
			continue
		}
		byLabel[label] = append(byLabel[label], path)
	}

	var groups []*group
	for _, paths := range byLabel {
		sort.Strings(paths)
		if len(paths) < opts.MinClusterSize {
			plan.Noise = append(plan.Noise, paths...)
			continue
		}
		groups = append(groups, &group{paths: paths})
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].paths) != len(groups[j].paths) {
			return len(groups[i].paths) > len(groups[j].paths)
		}
		return groups[i].paths[0] < groups[j].paths[0]
	})

	prevSize := make(map[int64]int)
	for _, id := range prev {
		if id != store.NoiseClusterID {
			prevSize[id]++
		}
	}

	claims := make(map[int64]*group)
	for _, g := range groups {
		id, overlap := bestMatch(g.paths, prev, prevSize)
		if id == 0 || !accepts(overlap, len(g.paths), prevSize[id], opts.OverlapThreshold) {
			continue
		}

		if holder, taken := claims[id]; taken {
			if overlap < holder.overlap ||
				(overlap == holder.overlap && len(g.paths) <= len(holder.paths)) {
				continue
			}
			holder.stable, holder.overlap = 0, 0
		}
		g.stable, g.overlap = id, overlap
		claims[id] = g
	}

	for _, g := range groups {
		plan.Clusters = append(plan.Clusters, store.ClusterAssignment{ClusterID: g.stable, Paths: g.paths})
	}

	for id := range prevSize {
		if _, kept := claims[id]; !kept {
			plan.Dissolve = append(plan.Dissolve, id)
		}
	}
	sort.Slice(plan.Dissolve, func(i, j int) bool { return plan.Dissolve[i] < plan.Dissolve[j] })
	sort.Strings(plan.Noise)

	return plan
}

// bestMatch returns the previous cluster sharing the most paths with the
// group. Ties go to the larger previous cluster, then the lower id.
func bestMatch(paths []string, prev map[string]int64, prevSize map[int64]int) (int64, int) {
	counts := make(map[int64]int)
	for _, p := range paths {
		if id, ok := prev[p]; ok && id != store.NoiseClusterID {
			counts[id]++
		}
	}

	var best int64
	bestOverlap := 0
	for id, n := range counts {
		switch {
		case n > bestOverlap,
			n == bestOverlap && prevSize[id] > prevSize[best],
			n == bestOverlap && prevSize[id] == prevSize[best] && id < best:
			best, bestOverlap = id, n
		}
	}
	return best, bestOverlap
}

func accepts(overlap, groupSize, oldSize int, threshold float64) bool {
	return float64(overlap) > threshold*float64(groupSize) ||
		float64(overlap) > threshold*float64(oldSize)
}
