package assign

import (
	"github.com/715d/bytemapper/internal/features"
	"github.com/715d/bytemapper/internal/stablehash"
)

// Class matcher gates.
var (
	StructuralOptions = Options{Tau: 0.55, Margin: 0.02}
	TypeOptions       = Options{Tau: 0.60, Margin: 0.05}
)

// MatchClasses maps old classes to new ones by structural fingerprint.
func MatchClasses(s stablehash.Strategy, olds, news []*features.ClassFingerprint) *Result {
	oldKeys := make(map[string]string, len(olds))
	for _, fp := range olds {
		oldKeys[fp.Name] = fp.Key()
	}
	newKeys := make(map[string]string, len(news))
	for _, fp := range news {
		newKeys[fp.Name] = fp.Key()
	}
	anchors := Anchors(oldKeys, newKeys)
	anchored := anchoredSets(anchors)

	var edges []Edge
	for _, a := range olds {
		if anchored.old[a.Name] {
			continue
		}
		for _, b := range news {
			if anchored.new[b.Name] {
				continue
			}
			edges = append(edges, Edge{
				Old:   a.Name,
				New:   b.Name,
				Score: features.ClassSimilarity(a, b),
				Tie:   stablehash.Pair(s, a.Name, b.Name),
			})
		}
	}
	return Greedy(sortedKeys(oldKeys), anchors, edges, StructuralOptions)
}

// MatchClassesByTypes maps old classes to new ones by type evidence. Both maps
// are keyed by class name.
func MatchClassesByTypes(s stablehash.Strategy, olds, news map[string]*features.TypeEvidence) *Result {
	oldKeys := make(map[string]string, len(olds))
	for name, te := range olds {
		oldKeys[name] = string(te.Bytes())
	}
	newKeys := make(map[string]string, len(news))
	for name, te := range news {
		newKeys[name] = string(te.Bytes())
	}
	anchors := Anchors(oldKeys, newKeys)
	anchored := anchoredSets(anchors)

	oldNames, newNames := sortedKeys(olds), sortedKeys(news)
	var edges []Edge
	for _, o := range oldNames {
		if anchored.old[o] {
			continue
		}
		for _, n := range newNames {
			if anchored.new[n] {
				continue
			}
			edges = append(edges, Edge{
				Old:   o,
				New:   n,
				Score: olds[o].Similarity(news[n]),
				Tie:   stablehash.Pair(s, o, n),
			})
		}
	}
	return Greedy(oldNames, anchors, edges, TypeOptions)
}

type anchorSet struct{ old, new map[string]bool }

func anchoredSets(anchors []Match) anchorSet {
	s := anchorSet{old: make(map[string]bool), new: make(map[string]bool)}
	for _, a := range anchors {
		s.old[a.Old] = true
		s.new[a.New] = true
	}
	return s
}
