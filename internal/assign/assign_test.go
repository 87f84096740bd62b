package assign

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/bytemapper/internal/features"
	"github.com/715d/bytemapper/internal/score"
	"github.com/715d/bytemapper/internal/stablehash"
	"github.com/715d/bytemapper/internal/wl"
	"github.com/715d/bytemapper/pkg/ir"
)

var gates = Options{Tau: 0.60, Margin: 0.05}

func TestGreedy(t *testing.T) {
	tests := []struct {
		name      string
		olds      []string
		edges     []Edge
		matches   []Match
		abstained []Abstention
	}{
		{
			name:  "identical candidates abstain on margin",
			olds:  []string{"u"},
			edges: []Edge{{Old: "u", New: "a", Score: 0.9}, {Old: "u", New: "b", Score: 0.9, Tie: 1}},
			abstained: []Abstention{
				{Old: "u", Reason: score.ReasonLowMargin, Best: 0.9, Second: 0.9},
			},
		},
		{
			name: "second best skips used targets",
			olds: []string{"u1", "u2"},
			edges: []Edge{
				{Old: "u1", New: "a", Score: 0.90},
				{Old: "u1", New: "b", Score: 0.88},
				{Old: "u2", New: "a", Score: 0.95},
			},
			matches: []Match{
				{Old: "u1", New: "b", Score: 0.88},
				{Old: "u2", New: "a", Score: 0.95},
			},
		},
		{
			name:  "below tau",
			olds:  []string{"u"},
			edges: []Edge{{Old: "u", New: "a", Score: 0.5}},
			abstained: []Abstention{
				{Old: "u", Reason: score.ReasonBelowTau, Best: 0.5},
			},
		},
		{
			name: "both reasons",
			olds: []string{"u"},
			edges: []Edge{
				{Old: "u", New: "a", Score: 0.5},
				{Old: "u", New: "b", Score: 0.48},
			},
			abstained: []Abstention{
				{Old: "u", Reason: "low_margin+below_tau", Best: 0.5, Second: 0.48},
			},
		},
		{
			name: "no edges and taken targets",
			olds: []string{"lonely", "u1", "u2"},
			edges: []Edge{
				{Old: "u1", New: "a", Score: 0.9},
				{Old: "u2", New: "a", Score: 0.8},
			},
			matches: []Match{{Old: "u1", New: "a", Score: 0.9}},
			abstained: []Abstention{
				{Old: "lonely", Reason: score.ReasonNoCandidates},
				{Old: "u2", Reason: score.ReasonNoCandidates},
			},
		},
		{
			name: "equal scores fall back to the tie hash",
			olds: []string{"u1", "u2"},
			edges: []Edge{
				{Old: "u1", New: "a", Score: 0.9, Tie: 7},
				{Old: "u2", New: "b", Score: 0.9, Tie: 3},
			},
			matches: []Match{
				{Old: "u1", New: "a", Score: 0.9},
				{Old: "u2", New: "b", Score: 0.9},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Greedy(tt.olds, nil, tt.edges, gates)
			require.Equal(t, tt.matches, r.Matches)
			require.Equal(t, tt.abstained, r.Abstained)

			reversed := slices.Clone(tt.edges)
			slices.Reverse(reversed)
			again := Greedy(tt.olds, nil, reversed, gates)
			require.Equal(t, r.Matches, again.Matches, "edge order must not matter")
			require.Equal(t, r.Abstained, again.Abstained)
		})
	}
}

func TestAnchors(t *testing.T) {
	olds := map[string]string{"o1": "K", "o2": "dup", "o3": "dup", "o4": "solo"}
	news := map[string]string{"n1": "K", "n2": "dup", "n3": "other", "n4": "solo", "n5": "solo"}

	anchors := Anchors(olds, news)
	require.Equal(t, []Match{{Old: "o1", New: "n1", Score: 1, Anchor: true}}, anchors)

	// A stronger scored pair never displaces an anchor.
	r := Greedy([]string{"o1", "o4"}, anchors, []Edge{
		{Old: "o1", New: "n3", Score: 0.99},
		{Old: "o4", New: "n1", Score: 0.99},
		{Old: "o4", New: "n4", Score: 0.70},
	}, gates)
	require.Equal(t, []Match{
		{Old: "o1", New: "n1", Score: 1, Anchor: true},
		{Old: "o4", New: "n4", Score: 0.70},
	}, r.Matches)

	n, ok := r.Lookup("o4")
	require.True(t, ok)
	require.Equal(t, "n4", n)
	require.Equal(t, map[string]string{"o1": "n1", "o4": "n4"}, r.Map())
}

func class(name string, sigs []uint64, methods, fields int, microBit int) *features.ClassFingerprint {
	fp := &features.ClassFingerprint{
		Name:    name,
		Sigs:    wl.NewBag(sigs),
		Methods: methods,
		Fields:  fields,
		Super:   ir.ObjectClass,
	}
	if microBit >= 0 {
		fp.Micro[microBit] = methods
	}
	return fp
}

func TestMatchClasses(t *testing.T) {
	olds := []*features.ClassFingerprint{
		class("a/A", []uint64{1, 2, 3}, 3, 1, 0),
		class("a/B", []uint64{7, 8}, 2, 0, 4),
		class("a/C", []uint64{50}, 1, 0, -1),
	}
	news := []*features.ClassFingerprint{
		class("b/X", []uint64{1, 2, 3}, 3, 1, 0),
		class("b/Y", []uint64{7, 9}, 2, 0, 4),
		class("b/Z", []uint64{100}, 10, 10, -1),
	}

	r := MatchClasses(stablehash.XXH64{}, olds, news)
	require.Len(t, r.Matches, 2)
	require.Equal(t, Match{Old: "a/A", New: "b/X", Score: 1, Anchor: true}, r.Matches[0])
	require.Equal(t, "a/B", r.Matches[1].Old)
	require.Equal(t, "b/Y", r.Matches[1].New)
	// 0.70*0.5 + 0.15 + 0.10, no supertypes beyond the root.
	require.InDelta(t, 0.60, r.Matches[1].Score, 1e-9)

	require.Len(t, r.Abstained, 1)
	require.Equal(t, "a/C", r.Abstained[0].Old)
	require.Equal(t, score.ReasonBelowTau, r.Abstained[0].Reason)
}

func evidence(super string, fieldTypes ...string) *features.TypeEvidence {
	te := &features.TypeEvidence{
		Super:       super,
		FieldTypes:  make(map[string]int),
		MethodTypes: map[string]int{"V": 1},
		Fields:      len(fieldTypes),
		Methods:     1,
	}
	for _, ft := range fieldTypes {
		te.FieldTypes[ft]++
	}
	return te
}

func TestMatchClassesByTypes(t *testing.T) {
	olds := map[string]*features.TypeEvidence{
		"a/List":  evidence("java/util/AbstractList", "I", "[Ljava/lang/Object;"),
		"a/Twin":  evidence("java/lang/Thread", "J"),
		"a/Close": evidence("java/io/InputStream", "I", "I", "J"),
	}
	news := map[string]*features.TypeEvidence{
		"b/L":  evidence("java/util/AbstractList", "I", "[Ljava/lang/Object;"),
		"b/T1": evidence("java/lang/Thread", "J"),
		"b/T2": evidence("java/lang/Thread", "J"),
		"b/C":  evidence("java/io/InputStream", "I", "J"),
	}

	r := MatchClassesByTypes(stablehash.XXH64{}, olds, news)
	require.Len(t, r.Matches, 2)
	require.Equal(t, Match{Old: "a/List", New: "b/L", Score: 1, Anchor: true}, r.Matches[1])
	require.Equal(t, "a/Close", r.Matches[0].Old)
	require.Equal(t, "b/C", r.Matches[0].New)
	// fields 2/3, method types 1, super 1, interfaces 1.
	require.InDelta(t, 0.40*2/3+0.30+0.20+0.10, r.Matches[0].Score, 1e-9)

	require.Len(t, r.Abstained, 1)
	require.Equal(t, "a/Twin", r.Abstained[0].Old)
	require.Equal(t, score.ReasonLowMargin, r.Abstained[0].Reason, "two identical targets are ambiguous")
}

func TestMatchMethods(t *testing.T) {
	ref := func(owner, name string) ir.MethodRef { return ir.MethodRef{Owner: owner, Name: name, Desc: "()V"} }
	sets := []Scored{
		{Old: ref("o/A", "a"), Targets: []ir.MethodRef{ref("n/A", "x"), ref("n/A", "y")}, Scores: []float64{0.9, 0.3}},
		{Old: ref("o/A", "b"), Targets: []ir.MethodRef{ref("n/A", "x"), ref("n/A", "y")}, Scores: []float64{0.8, 0.7}},
		{Old: ref("o/A", "c")},
	}
	r := MatchMethods(stablehash.XXH64{}, nil, sets, gates)
	require.Equal(t, []Match{
		{Old: "o/A#a()V", New: "n/A#x()V", Score: 0.9},
		{Old: "o/A#b()V", New: "n/A#y()V", Score: 0.7},
	}, r.Matches)
	require.Equal(t, []Abstention{{Old: "o/A#c()V", Reason: score.ReasonNoCandidates}}, r.Abstained)
}

func TestMethodAnchors(t *testing.T) {
	method := func(owner, name string, nsf uint64, labels ...uint64) *features.MethodFeatures {
		return &features.MethodFeatures{
			Ref:       ir.MethodRef{Owner: owner, Name: name, Desc: "(I)I"},
			Desc:      "(I)I",
			NSF64:     nsf,
			Signature: &wl.Signature{Bag: wl.NewBag(labels)},
		}
	}
	olds := []*features.MethodFeatures{
		method("o/A", "twice", 7, 1, 2),
		method("o/A", "twin", 9, 3),
		method("o/A", "other", 11, 4),
		{Ref: ir.MethodRef{Owner: "o/A", Name: "broken", Desc: "()V"}},
	}
	news := []*features.MethodFeatures{
		method("n/A", "t", 7, 2, 1),
		method("n/A", "w1", 9, 3),
		method("n/A", "w2", 9, 3),
		method("n/A", "o", 11, 4, 4),
		{Ref: ir.MethodRef{Owner: "n/A", Name: "broken", Desc: "()V"}},
	}

	anchors := MethodAnchors(olds, news)
	require.Equal(t, []Match{{Old: "o/A#twice(I)I", New: "n/A#t(I)I", Score: 1, Anchor: true}}, anchors)

	// An anchor is assigned even when its scored edge is weak.
	sets := []Scored{
		{Old: olds[0].Ref, Targets: []ir.MethodRef{news[0].Ref}, Scores: []float64{0.4}},
		{Old: olds[2].Ref, Targets: []ir.MethodRef{news[0].Ref}, Scores: []float64{0.95}},
	}
	r := MatchMethods(stablehash.XXH64{}, anchors, sets, gates)
	require.Equal(t, anchors, r.Matches)
	require.Equal(t, []Abstention{{Old: "o/A#other(I)I", Reason: score.ReasonNoCandidates}}, r.Abstained)
}

func TestMatchFields(t *testing.T) {
	use := func(owner, name string, reads, writes int) features.FieldUse {
		return features.FieldUse{Ref: ir.FieldRef{Owner: owner, Name: name, Desc: "I"}, Reads: reads, Writes: writes}
	}
	method := func(owner string, fields ...features.FieldUse) *features.MethodFeatures {
		return &features.MethodFeatures{Ref: ir.MethodRef{Owner: owner, Name: "m", Desc: "()V"}, Fields: fields}
	}
	classMap := map[string]string{"o/A": "n/A"}

	var pairs []MethodPair
	for range 3 {
		pairs = append(pairs, MethodPair{
			Old: method("o/A", use("o/A", "count", 1, 0)),
			New: method("n/A", use("n/A", "c", 2, 0), use("x/Lib", "ignored", 1, 0)),
		})
	}
	// A single pair voting for a competitor does not close the margin.
	pairs = append(pairs, MethodPair{
		Old: method("o/A", use("o/A", "count", 1, 0)),
		New: method("n/A", use("n/A", "d", 1, 0)),
	})
	// Writes on one side and reads on the other fail the ratio gate.
	for range 3 {
		pairs = append(pairs, MethodPair{
			Old: method("o/A", use("o/A", "flag", 0, 1)),
			New: method("n/A", use("n/A", "f", 1, 0)),
		})
	}
	// Unmapped owners never match.
	for range 3 {
		pairs = append(pairs, MethodPair{
			Old: method("o/A", use("o/Other", "g", 1, 0)),
			New: method("n/A", use("n/A", "h", 1, 0)),
		})
	}

	got := MatchFields(classMap, pairs)
	require.Equal(t, []FieldMatch{{
		Old:      ir.FieldRef{Owner: "o/A", Name: "count", Desc: "I"},
		New:      ir.FieldRef{Owner: "n/A", Name: "c", Desc: "I"},
		Support:  3,
		RatioSim: 1,
	}}, got)
}

func TestMatchFields_LowSupport(t *testing.T) {
	old := &features.MethodFeatures{
		Ref:    ir.MethodRef{Owner: "o/A", Name: "m", Desc: "()V"},
		Fields: []features.FieldUse{{Ref: ir.FieldRef{Owner: "o/A", Name: "f", Desc: "I"}, Reads: 1}},
	}
	nw := &features.MethodFeatures{
		Ref:    ir.MethodRef{Owner: "n/A", Name: "m", Desc: "()V"},
		Fields: []features.FieldUse{{Ref: ir.FieldRef{Owner: "n/A", Name: "g", Desc: "I"}, Reads: 1}},
	}
	got := MatchFields(map[string]string{"o/A": "n/A"}, []MethodPair{{old, nw}, {old, nw}})
	require.Empty(t, got)
}
