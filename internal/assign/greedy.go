// Package assign turns pairwise similarities into a one-to-one mapping.
//
// Greedy is shared by the class matchers and method matching. Byte-identical
// fingerprints become anchors and are assigned before any scored pair; the
// remaining pairs are taken in descending score order when they clear both
// the acceptance threshold and the margin over the best free alternative.
package assign

import (
	"cmp"
	"maps"
	"slices"

	"github.com/715d/bytemapper/internal/score"
)

// Options are the acceptance gates.
type Options struct {
	Tau    float64
	Margin float64
}

// Edge is one scored old/new pair.
type Edge struct {
	Old, New string
	Score    float64
	// Tie orders equal scores, compared unsigned.
	Tie uint64
}

// Match is one accepted pair.
type Match struct {
	Old    string  `json:"old"`
	New    string  `json:"new"`
	Score  float64 `json:"score"`
	Anchor bool    `json:"anchor,omitempty"`
}

// Abstention records an old entity left unassigned.
type Abstention struct {
	Old    string  `json:"old"`
	Reason string  `json:"reason"`
	Best   float64 `json:"best"`
	Second float64 `json:"second"`
}

// Result holds matches and abstentions, both sorted by old id.
type Result struct {
	Matches   []Match
	Abstained []Abstention

	assignedTo map[string]string
}

// Lookup returns the new id old was assigned to.
func (r *Result) Lookup(old string) (string, bool) {
	n, ok := r.assignedTo[old]
	return n, ok
}

// Map returns a copy of the old to new assignment.
func (r *Result) Map() map[string]string {
	return maps.Clone(r.assignedTo)
}

// Anchors pairs old and new ids whose keys are byte-identical. A key forms an
// anchor only when exactly one old and exactly one new entity carry it;
// duplicated keys are left to scoring, where they abstain on margin. Anchors
// are returned in old id order with score 1.
func Anchors(oldKeys, newKeys map[string]string) []Match {
	newByKey := make(map[string][]string)
	for id, k := range newKeys {
		newByKey[k] = append(newByKey[k], id)
	}
	oldByKey := make(map[string]int)
	for _, k := range oldKeys {
		oldByKey[k]++
	}

	var out []Match
	for _, id := range sortedKeys(oldKeys) {
		k := oldKeys[id]
		if oldByKey[k] != 1 || len(newByKey[k]) != 1 {
			continue
		}
		out = append(out, Match{Old: id, New: newByKey[k][0], Score: 1, Anchor: true})
	}
	return out
}

// Greedy assigns anchors first and then the scored edges. olds lists every
// old id that takes part so that ids without any edge are reported as
// abstaining with no_candidates.
func Greedy(olds []string, anchors []Match, edges []Edge, opts Options) *Result {
	r := &Result{assignedTo: make(map[string]string)}
	usedNew := make(map[string]bool)
	for _, a := range anchors {
		if _, dup := r.assignedTo[a.Old]; dup || usedNew[a.New] {
			continue
		}
		r.assignedTo[a.Old] = a.New
		usedNew[a.New] = true
		r.Matches = append(r.Matches, a)
	}

	edges = slices.Clone(edges)
	slices.SortFunc(edges, compareEdges)
	byOld := make(map[string][]int)
	for i, e := range edges {
		byOld[e.Old] = append(byOld[e.Old], i)
	}

	// secondFor is the best score of old's edges to free targets other than
	// skip. Edges are already in descending order.
	secondFor := func(old, skip string) float64 {
		for _, i := range byOld[old] {
			if e := edges[i]; e.New != skip && !usedNew[e.New] {
				return e.Score
			}
		}
		return 0
	}

	first := make(map[string]Abstention)
	for _, e := range edges {
		if _, done := r.assignedTo[e.Old]; done || usedNew[e.New] {
			continue
		}
		second := secondFor(e.Old, e.New)
		reason := score.Verdict(e.Score, second, opts.Tau, opts.Margin)
		if reason == "" {
			r.assignedTo[e.Old] = e.New
			usedNew[e.New] = true
			r.Matches = append(r.Matches, Match{Old: e.Old, New: e.New, Score: e.Score})
			continue
		}
		if _, seen := first[e.Old]; !seen {
			first[e.Old] = Abstention{Old: e.Old, Reason: reason, Best: e.Score, Second: max(0, second)}
		}
	}

	for _, old := range olds {
		if _, ok := r.assignedTo[old]; ok {
			continue
		}
		a, ok := first[old]
		if !ok {
			// Either no edges at all or every target went to a stronger pair.
			a = Abstention{Old: old, Reason: score.ReasonNoCandidates}
		}
		r.Abstained = append(r.Abstained, a)
	}

	slices.SortFunc(r.Matches, func(a, b Match) int { return cmp.Compare(a.Old, b.Old) })
	slices.SortFunc(r.Abstained, func(a, b Abstention) int { return cmp.Compare(a.Old, b.Old) })
	return r
}

func compareEdges(a, b Edge) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Tie, b.Tie); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Old, b.Old); c != 0 {
		return c
	}
	return cmp.Compare(a.New, b.New)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
