// Package candidates proposes new-side methods for each old method.
//
// Candidates come from the methods of the mapped class that share the old
// method's remapped descriptor. Tiers run in the configured order and a
// method found by an earlier tier keeps that tier.
package candidates

import (
	"cmp"
	"math/bits"
	"slices"

	"github.com/715d/bytemapper/internal/config"
	"github.com/715d/bytemapper/internal/features"
	"github.com/715d/bytemapper/internal/stablehash"
	"github.com/715d/bytemapper/internal/wl"
	"github.com/715d/bytemapper/pkg/ir"
)

// TierAnchor marks a method pair pre-assigned by identical fingerprints. It
// is never generated here.
const TierAnchor config.Tier = "anchor"

// Candidate is one proposed target.
type Candidate struct {
	Method *features.MethodFeatures
	Tier   config.Tier
	// Score orders candidates: 1 for exact matches, otherwise the WL bag
	// cosine.
	Score float64
	// Tie is the pair hash that breaks score ties, compared unsigned.
	Tie uint64
}

// Set is the ranked candidate list of one old method.
type Set struct {
	Source     ir.MethodRef
	Candidates []Candidate

	Exact           int
	Near            int
	NearBeforeGates int
	NearAfterGates  int
	Flattened       bool
}

// Methods returns the candidate features in rank order.
func (s *Set) Methods() []*features.MethodFeatures {
	out := make([]*features.MethodFeatures, len(s.Candidates))
	for i, c := range s.Candidates {
		out[i] = c.Method
	}
	return out
}

type poolKey struct{ owner, desc string }

type pool struct {
	methods []*features.MethodFeatures
	bags    *wl.Index
	fps     [][]uint64
}

// Generator answers candidate queries against one new program. It is
// read-only after construction and safe for concurrent use.
type Generator struct {
	cfg   config.Config
	s     stablehash.Strategy
	pools map[poolKey]*pool
}

// NewGenerator indexes the new program's methods.
func NewGenerator(c config.Config, methods []*features.MethodFeatures) *Generator {
	g := &Generator{cfg: c, s: c.Strategy(), pools: make(map[poolKey]*pool)}
	for _, m := range methods {
		k := poolKey{m.Ref.Owner, m.Desc}
		p, ok := g.pools[k]
		if !ok {
			p = &pool{}
			g.pools[k] = p
		}
		p.methods = append(p.methods, m)
	}
	for _, p := range g.pools {
		slices.SortFunc(p.methods, func(a, b *features.MethodFeatures) int { return a.Ref.Compare(b.Ref) })
		bags := make([]wl.Bag, len(p.methods))
		p.fps = make([][]uint64, len(p.methods))
		for i, m := range p.methods {
			if m.Signature != nil {
				bags[i] = m.Signature.Bag
			}
			p.fps[i] = fingerprints(m, c.NSFMode)
		}
		p.bags = wl.NewIndex(g.s, bags)
	}
	return g
}

// fingerprints returns the normalized fingerprints m is indexed and queried
// under.
func fingerprints(m *features.MethodFeatures, mode config.NSFMode) []uint64 {
	switch mode {
	case config.NSFSurrogate:
		return []uint64{m.Surrogate}
	case config.NSFBoth:
		if m.NSF64 != 0 {
			return []uint64{m.NSF64, m.Surrogate}
		}
		return []uint64{m.Surrogate}
	}
	if m.NSF64 != 0 {
		return []uint64{m.NSF64}
	}
	return []uint64{m.Surrogate}
}

// Generate returns the candidates for src, which must already be remapped
// into the new program's class names, among the methods of newOwner.
func (g *Generator) Generate(src *features.MethodFeatures, newOwner string) Set {
	set := Set{Source: src.Ref, Flattened: src.Flattened}
	p := g.pools[poolKey{newOwner, src.Desc}]
	if p == nil {
		return set
	}

	var srcBag wl.Bag
	hasBag := src.Signature != nil
	if hasBag {
		srcBag = src.Signature.Bag
	}
	srcFps := fingerprints(src, g.cfg.NSFMode)

	tier := make([]config.Tier, len(p.methods))
	take := func(i int, t config.Tier) bool {
		if tier[i] != "" {
			return false
		}
		tier[i] = t
		return true
	}

	for _, t := range g.cfg.Tiers {
		switch t {
		case config.TierExact:
			var hits []int
			if hasBag {
				hits = p.bags.Lookup(srcBag)
			}
			for i := range p.methods {
				if hamming(srcFps, p.fps[i]) == 0 {
					hits = append(hits, i)
				}
			}
			for _, i := range hits {
				if take(i, t) {
					set.Exact++
				}
			}

		case config.TierNear:
			budget := g.cfg.NearL1
			if src.Flattened {
				budget = g.cfg.NearL1Flattened
			}
			var hits []int
			for i, m := range p.methods {
				if tier[i] != "" {
					continue
				}
				byBag := hasBag && m.Signature != nil && wl.L1(srcBag, m.Signature.Bag) <= budget
				if byBag || hamming(srcFps, p.fps[i]) <= budget {
					hits = append(hits, i)
				}
			}
			set.NearBeforeGates = len(hits)
			if src.Flattened {
				hits = slices.DeleteFunc(hits, func(i int) bool {
					return features.StackCosine(src.Stack, p.methods[i].Stack) < g.cfg.StackGate
				})
			}
			set.NearAfterGates = len(hits)
			for _, i := range hits {
				if take(i, t) {
					set.Near++
				}
			}

		case config.TierWL:
			if !hasBag {
				continue
			}
			type ranked struct {
				i   int
				cos float64
				tie uint64
			}
			var rs []ranked
			for i, m := range p.methods {
				if tier[i] != "" || m.Signature == nil {
					continue
				}
				if c := wl.Cosine(srcBag, m.Signature.Bag); c > 0 {
					rs = append(rs, ranked{i, c, g.tie(src, m)})
				}
			}
			slices.SortFunc(rs, func(a, b ranked) int {
				if c := cmp.Compare(b.cos, a.cos); c != 0 {
					return c
				}
				return cmp.Compare(a.tie, b.tie)
			})
			for _, r := range rs[:min(len(rs), g.cfg.CandidateK)] {
				take(r.i, t)
			}

		case config.TierWLRelaxed:
			if !hasBag {
				continue
			}
			for i, m := range p.methods {
				if tier[i] != "" || m.Signature == nil {
					continue
				}
				if wl.L1(srcBag, m.Signature.Bag) <= g.cfg.WLRelaxedL1 &&
					wl.WithinBand(srcBag, m.Signature.Bag, g.cfg.WLSizeBand) {
					take(i, t)
				}
			}
		}
	}

	for i, m := range p.methods {
		if tier[i] == "" {
			continue
		}
		c := Candidate{Method: m, Tier: tier[i], Tie: g.tie(src, m)}
		switch {
		case tier[i] == config.TierExact:
			c.Score = 1
		case hasBag && m.Signature != nil:
			c.Score = wl.Cosine(srcBag, m.Signature.Bag)
		}
		set.Candidates = append(set.Candidates, c)
	}
	slices.SortFunc(set.Candidates, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Tie, b.Tie)
	})
	if len(set.Candidates) > g.cfg.CandidateK {
		set.Candidates = set.Candidates[:g.cfg.CandidateK]
	}
	return set
}

func (g *Generator) tie(src, dst *features.MethodFeatures) uint64 {
	return stablehash.Pair(g.s, src.Ref.String(), dst.Ref.String())
}

// hamming is the smallest bit distance between any query and any key.
func hamming(query, keys []uint64) int {
	best := 65
	for _, q := range query {
		for _, k := range keys {
			best = min(best, bits.OnesCount64(q^k))
		}
	}
	return best
}
