// Package wl computes Weisfeiler-Lehman signatures over method control-flow
// graphs.
//
// Each block starts from a label built from its degree, its place in the
// dominator tree, its dominance frontier and whether it heads a loop. Every
// round folds in the multisets of predecessor and successor labels. The
// final labels form both the method hash and a bag used for fuzzy matching.
package wl

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/715d/bytemapper/internal/cfg"
	"github.com/715d/bytemapper/internal/stablehash"
	"github.com/715d/bytemapper/pkg/ir"
)

const (
	DefaultRounds   = 4
	MaxRounds       = 8
	DefaultBlockCap = 800
)

// Options controls refinement.
type Options struct {
	// Rounds is clamped to [0, MaxRounds].
	Rounds int
	// BlockCap switches to lite mode above this many blocks. Zero disables
	// lite mode.
	BlockCap int
	Strategy stablehash.Strategy
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{Rounds: DefaultRounds, BlockCap: DefaultBlockCap, Strategy: stablehash.Default}
}

// Signature is the WL summary of one method body.
type Signature struct {
	Hash   uint64
	Blocks int
	Loops  int
	Bag    Bag
	// Lite is set when dominance frontiers were skipped for a large graph.
	Lite bool
}

// Refine computes the signature of g. d must be the dominator tree of g.
func Refine(g *cfg.CFG, d *cfg.Dominators, opts Options) (Signature, error) {
	n := g.Len()
	if n == 0 {
		return Signature{}, fmt.Errorf("refine empty graph: %w", cfg.ErrAnalysis)
	}
	s := opts.Strategy
	if s == nil {
		s = stablehash.Default
	}
	rounds := min(max(opts.Rounds, 0), MaxRounds)
	lite := opts.BlockCap > 0 && n > opts.BlockCap

	loopHdr := make([]uint64, n)
	for b := range n {
		if d.IsLoopHeader(g, b) {
			loopHdr[b] = 1
		}
	}

	labels := make([]uint64, n)
	var dfHash, idfHash []uint64
	if lite {
		rounds = min(rounds, 1)
		for b := range n {
			labels[b] = stablehash.Tuple(s,
				uint64(len(g.Blocks[b].Preds)),
				uint64(len(g.Blocks[b].Succs)),
				uint64(d.Depth(b)),
				uint64(len(d.Children(b))),
				loopHdr[b],
			)
		}
	} else {
		df := cfg.ComputeFrontier(g, d)
		idf := df.Iterate()
		dfHash = make([]uint64, n)
		idfHash = make([]uint64, n)
		for b := range n {
			dfHash[b] = stablehash.Ints(s, df[b])
			idfHash[b] = stablehash.Ints(s, idf[b])
			labels[b] = stablehash.Tuple(s,
				uint64(len(g.Blocks[b].Preds)),
				uint64(len(g.Blocks[b].Succs)),
				uint64(d.Depth(b)),
				uint64(len(d.Children(b))),
				uint64(len(df[b])),
				dfHash[b],
				uint64(len(idf[b])),
				idfHash[b],
				loopHdr[b],
			)
		}
	}

	next := make([]uint64, n)
	var scratch []uint64
	for range rounds {
		for b := range n {
			scratch = scratch[:0]
			for _, p := range g.Blocks[b].Preds {
				scratch = append(scratch, labels[p])
			}
			preds := stablehash.Multiset(s, scratch)
			scratch = scratch[:0]
			for _, q := range g.Blocks[b].Succs {
				scratch = append(scratch, labels[q])
			}
			succs := stablehash.Multiset(s, scratch)
			if lite {
				next[b] = stablehash.Concat(s, labels[b], preds, succs)
			} else {
				next[b] = stablehash.Concat(s, labels[b], preds, succs, dfHash[b], idfHash[b])
			}
		}
		labels, next = next, labels
	}

	sig := Signature{
		Blocks: n,
		Loops:  d.LoopCount(g),
		Bag:    NewBag(labels),
		Lite:   lite,
	}
	sig.Hash = methodHash(s, labels, sig.Blocks, sig.Loops)
	return sig, nil
}

func methodHash(s stablehash.Strategy, labels []uint64, blocks, loops int) uint64 {
	sorted := slices.Clone(labels)
	slices.Sort(sorted)
	buf := make([]byte, 0, 16+len(sorted)*21)
	buf = append(buf, "FINAL|"...)
	for _, l := range sorted {
		buf = strconv.AppendUint(buf, l, 10)
		buf = append(buf, ',')
	}
	buf = append(buf, "|B="...)
	buf = strconv.AppendInt(buf, int64(blocks), 10)
	buf = append(buf, "|L="...)
	buf = strconv.AppendInt(buf, int64(loops), 10)
	return s.Sum64(buf)
}

// Analyze builds the CFG and dominators of m and refines them.
func Analyze(m *ir.Method, opts Options) (Signature, *cfg.CFG, error) {
	g, err := cfg.Build(m)
	if err != nil {
		return Signature{}, nil, err
	}
	d, err := cfg.ComputeDominators(g)
	if err != nil {
		return Signature{}, nil, err
	}
	sig, err := Refine(g, d, opts)
	if err != nil {
		return Signature{}, nil, err
	}
	return sig, g, nil
}
