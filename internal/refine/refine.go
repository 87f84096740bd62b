// Package refine adjusts method candidate scores with call-graph agreement.
//
// Methods are addressed by their position in their class's sorted method
// list, and every piece of state lives in slices indexed by that position.
package refine

import (
	"math"
	"slices"

	"github.com/715d/bytemapper/internal/features"
)

const (
	LambdaMin = 0.60
	LambdaMax = 0.80

	// A source whose base best reaches FreezeScore with at least FreezeMargin
	// over the runner-up is never updated.
	FreezeScore  = 0.80
	FreezeMargin = 0.05

	// Refined scores stay within [base-CapDown, base+CapUp].
	CapDown = 0.05
	CapUp   = 0.10

	// Epsilon is the largest per-iteration change considered converged.
	Epsilon = 1e-4

	DefaultMaxIterations = 5
)

// Graph is a directed call graph over method positions. Each adjacency list
// is sorted and distinct.
type Graph [][]int

// IntraClass builds the call graph among methods of a single class, which
// must be sorted. Calls to methods outside the list are ignored.
func IntraClass(methods []*features.MethodFeatures) Graph {
	pos := make(map[string]int, len(methods))
	for i, m := range methods {
		pos[m.Ref.String()] = i
	}
	g := make(Graph, len(methods))
	for i, m := range methods {
		for _, c := range m.Callees {
			if j, ok := pos[c.String()]; ok {
				g[i] = append(g[i], j)
			}
		}
		slices.Sort(g[i])
		g[i] = slices.Compact(g[i])
	}
	return g
}

func (g Graph) has(from, to int) bool {
	if from < 0 || from >= len(g) {
		return false
	}
	_, ok := slices.BinarySearch(g[from], to)
	return ok
}

// Source is one old method's candidate list.
type Source struct {
	// Targets are positions in the new class's method list.
	Targets []int
	// Base holds the composite scores aligned with Targets.
	Base []float64
	// Frozen sources keep their base scores. Anchored methods are frozen.
	Frozen bool
}

// Options configure a run.
type Options struct {
	Lambda        float64
	MaxIterations int
}

// Stats records the per-iteration trend.
type Stats struct {
	Iterations int       `json:"iterations"`
	Flips      []int     `json:"flips"`
	MaxDelta   []float64 `json:"max_delta"`
	Frozen     int       `json:"frozen"`
}

// Result holds the refined state aligned with the sources.
type Result struct {
	// Best indexes each source's Targets, or is -1 for a source without
	// candidates.
	Best   []int
	Scores [][]float64
	Stats  Stats
}

// Run refines sources over the old and new intra-class call graphs. Sources
// are indexed like oldGraph; targets are indexed like newGraph.
func Run(sources []Source, oldGraph, newGraph Graph, opts Options) Result {
	lambda := min(max(opts.Lambda, LambdaMin), LambdaMax)
	if math.IsNaN(lambda) {
		lambda = LambdaMin
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	n := len(sources)
	scores := make([][]float64, n)
	best := make([]int, n)
	frozen := make([]bool, n)
	var stats Stats
	for u, src := range sources {
		s := make([]float64, len(src.Base))
		for i, v := range src.Base {
			s[i] = clip(v)
		}
		scores[u] = s
		b, second := top2(s)
		best[u] = b
		if src.Frozen || b >= 0 && s[b] >= FreezeScore && s[b]-max(0, second) >= FreezeMargin {
			frozen[u] = true
			stats.Frozen++
		}
	}

	prevFlips := math.MaxInt
	next := make([]int, n)
	for range maxIter {
		maxDelta := 0.0
		for u, src := range sources {
			if frozen[u] {
				continue
			}
			var neighbors []int
			if u < len(oldGraph) {
				neighbors = oldGraph[u]
			}
			for i, v := range src.Targets {
				nScore := 0.0
				if len(neighbors) > 0 {
					agree := 0
					for _, un := range neighbors {
						if un >= n || best[un] < 0 {
							continue
						}
						if newGraph.has(v, sources[un].Targets[best[un]]) {
							agree++
						}
					}
					nScore = float64(agree) / float64(len(neighbors))
				}
				old := scores[u][i]
				s0 := clip(src.Base[i])
				updated := (1-lambda)*old + lambda*nScore
				updated = clip(min(max(updated, s0-CapDown), s0+CapUp))
				maxDelta = max(maxDelta, math.Abs(updated-old))
				scores[u][i] = updated
			}
		}

		flips := 0
		for u := range sources {
			next[u] = best[u]
			if frozen[u] {
				continue
			}
			next[u], _ = top2(scores[u])
			if next[u] != best[u] {
				flips++
			}
		}
		copy(best, next)

		stats.Iterations++
		stats.Flips = append(stats.Flips, flips)
		stats.MaxDelta = append(stats.MaxDelta, maxDelta)
		if flips > 0 && flips >= prevFlips {
			break
		}
		if maxDelta < Epsilon {
			break
		}
		prevFlips = flips
	}
	return Result{Best: best, Scores: scores, Stats: stats}
}

// top2 returns the index of the first maximum and the best other score, -1
// when absent.
func top2(s []float64) (int, float64) {
	b, bs, second := -1, -1.0, -1.0
	for i, v := range s {
		switch {
		case v > bs:
			second = bs
			b, bs = i, v
		case v > second:
			second = v
		}
	}
	return b, second
}

func clip(v float64) float64 { return min(max(v, 0), 1) }
