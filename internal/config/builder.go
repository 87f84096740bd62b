package config

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/715d/bytemapper/internal/stablehash"
)

// Builder collects overrides on top of the defaults.
type Builder struct {
	c     Config
	tiers []string
}

// NewBuilder starts from the defaults.
func NewBuilder() *Builder {
	return &Builder{c: Config{
		Tau:             0.60,
		Margin:          0.05,
		Refine:          true,
		RefineLambda:    0.70,
		RefineMaxIter:   5,
		CandidateK:      25,
		WLRounds:        4,
		WLRelaxedL1:     2,
		WLSizeBand:      0.10,
		NearL1:          1,
		NearL1Flattened: 3,
		StackGate:       0.60,
		BlockCap:        800,
		NSFMode:         NSFCanonical,
		Weights:         DefaultScoreWeights(),
		ClassMatcher:    ClassStructural,
		Hash:            stablehash.VersionXXH64,
		LRUCapacity:     4096,
		Parallelism:     1,
	}}
}

// Default returns the default configuration.
func Default() Config {
	c, _ := NewBuilder().Build()
	return c
}

func (b *Builder) Tau(v float64) *Builder               { b.c.Tau = v; return b }
func (b *Builder) Margin(v float64) *Builder            { b.c.Margin = v; return b }
func (b *Builder) Refine(on bool) *Builder              { b.c.Refine = on; return b }
func (b *Builder) RefineLambda(v float64) *Builder      { b.c.RefineLambda = v; return b }
func (b *Builder) RefineMaxIterations(n int) *Builder   { b.c.RefineMaxIter = n; return b }
func (b *Builder) CandidateK(n int) *Builder            { b.c.CandidateK = n; return b }
func (b *Builder) WLRounds(n int) *Builder              { b.c.WLRounds = n; return b }
func (b *Builder) WLRelaxedL1(n int) *Builder           { b.c.WLRelaxedL1 = n; return b }
func (b *Builder) WLSizeBand(v float64) *Builder        { b.c.WLSizeBand = v; return b }
func (b *Builder) NearL1(n int) *Builder                { b.c.NearL1 = n; return b }
func (b *Builder) NearL1Flattened(n int) *Builder       { b.c.NearL1Flattened = n; return b }
func (b *Builder) StackGate(v float64) *Builder         { b.c.StackGate = v; return b }
func (b *Builder) BlockCap(n int) *Builder              { b.c.BlockCap = n; return b }
func (b *Builder) Weights(w ScoreWeights) *Builder      { b.c.Weights = w; return b }
func (b *Builder) LegacyOpcodes(on bool) *Builder       { b.c.LegacyOpcodes = on; return b }
func (b *Builder) NSFMode(m NSFMode) *Builder           { b.c.NSFMode = m; return b }
func (b *Builder) ClassMatcher(m ClassMatcher) *Builder { b.c.ClassMatcher = m; return b }
func (b *Builder) Hash(version string) *Builder         { b.c.Hash = version; return b }
func (b *Builder) WatchdogMS(ms int) *Builder           { b.c.WatchdogMS = ms; return b }
func (b *Builder) LRUCapacity(n int) *Builder           { b.c.LRUCapacity = n; return b }
func (b *Builder) Parallelism(n int) *Builder           { b.c.Parallelism = n; return b }

// Tiers sets the tier order. Names are matched case-insensitively.
func (b *Builder) Tiers(names ...string) *Builder {
	b.tiers = slices.Clone(names)
	if b.tiers == nil {
		b.tiers = []string{}
	}
	return b
}

// Build returns the clamped configuration and every adjustment it made.
func (b *Builder) Build() (Config, []Adjustment) {
	c := b.c
	d := NewBuilder().c
	var adj []Adjustment
	// NaN compares false against both bounds, so it takes the default.
	f := func(key string, v *float64, def, lo, hi float64) {
		clamped := def
		if !math.IsNaN(*v) {
			clamped = min(max(*v, lo), hi)
		}
		if clamped != *v {
			adj = append(adj, Adjustment{Key: key, Given: fmtFloat(*v), Used: fmtFloat(clamped)})
			*v = clamped
		}
	}
	i := func(key string, v *int, lo, hi int) {
		if clamped := min(max(*v, lo), hi); clamped != *v {
			adj = append(adj, Adjustment{Key: key, Given: strconv.Itoa(*v), Used: strconv.Itoa(clamped)})
			*v = clamped
		}
	}

	f("tau", &c.Tau, d.Tau, 0, 1)
	f("margin", &c.Margin, d.Margin, 0, 1)
	f("refine.lambda", &c.RefineLambda, d.RefineLambda, 0.60, 0.80)
	i("refine.max_iterations", &c.RefineMaxIter, 1, 50)
	i("candidates.k", &c.CandidateK, 1, 1000)
	i("wl.rounds", &c.WLRounds, 0, 8)
	i("wl.relaxed_l1", &c.WLRelaxedL1, 0, 64)
	f("wl.size_band", &c.WLSizeBand, d.WLSizeBand, 0, 1)
	i("near.l1", &c.NearL1, 0, 64)
	i("near.l1_flattened", &c.NearL1Flattened, c.NearL1, 128)
	f("near.stack_gate", &c.StackGate, d.StackGate, 0, 1)
	i("flattening.block_cap", &c.BlockCap, 16, 100000)
	i("watchdog_ms", &c.WatchdogMS, 0, 3600000)
	i("lru.capacity", &c.LRUCapacity, 16, 1<<20)
	i("parallelism", &c.Parallelism, 1, 256)

	w := &c.Weights
	f("weights.calls", &w.Calls, d.Weights.Calls, 0, 1)
	f("weights.micro", &w.Micro, d.Weights.Micro, 0, 1)
	f("weights.norm", &w.Norm, d.Weights.Norm, 0, 1)
	f("weights.opcode", &w.Opcode, d.Weights.Opcode, 0, 1)
	f("weights.strings", &w.Strings, d.Weights.Strings, 0, 1)
	f("weights.fields", &w.Fields, d.Weights.Fields, 0, 1)
	f("weights.stack", &w.Stack, d.Weights.Stack, 0, 1)
	f("weights.lits", &w.Lits, d.Weights.Lits, 0, 1)
	f("weights.alpha_mp", &w.AlphaMP, d.Weights.AlphaMP, 0, 1)
	f("weights.pen_leaf", &w.PenLeaf, d.Weights.PenLeaf, 0, 1)
	f("weights.pen_recur", &w.PenRecur, d.Weights.PenRecur, 0, 1)

	switch c.NSFMode {
	case NSFCanonical, NSFSurrogate, NSFBoth:
	default:
		adj = append(adj, Adjustment{Key: "nsf.mode", Given: string(c.NSFMode), Used: string(NSFCanonical)})
		c.NSFMode = NSFCanonical
	}
	switch c.ClassMatcher {
	case ClassStructural, ClassTypes:
	default:
		adj = append(adj, Adjustment{Key: "class_matcher", Given: string(c.ClassMatcher), Used: string(ClassStructural)})
		c.ClassMatcher = ClassStructural
	}
	if s, err := stablehash.ByName(c.Hash); err != nil {
		adj = append(adj, Adjustment{Key: "hash", Given: c.Hash, Used: stablehash.VersionXXH64})
		c.Hash = stablehash.VersionXXH64
	} else {
		c.Hash = s.Version()
	}

	c.Tiers, adj = parseTiers(b.tiers, adj)
	return c, adj
}

// parseTiers drops unknown and repeated tiers. An empty result restores the
// default order; nil input means no override.
func parseTiers(names []string, adj []Adjustment) ([]Tier, []Adjustment) {
	if names == nil {
		return slices.Clone(DefaultTiers), adj
	}
	var out []Tier
	for _, name := range names {
		t := Tier(strings.ToLower(strings.TrimSpace(name)))
		if !slices.Contains(DefaultTiers, t) {
			adj = append(adj, Adjustment{Key: "tiers", Given: name, Used: "dropped"})
			continue
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		adj = append(adj, Adjustment{Key: "tiers", Given: strings.Join(names, ","), Used: tierList(DefaultTiers)})
		return slices.Clone(DefaultTiers), adj
	}
	return out, adj
}

func tierList(ts []Tier) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
