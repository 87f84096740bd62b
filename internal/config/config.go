// Package config holds the immutable run configuration.
//
// A Config is only produced by Builder.Build, which clamps every knob into
// its documented range. Out-of-range input is never an error: it is clamped
// and reported as an Adjustment.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/715d/bytemapper/internal/stablehash"
)

// ErrOutOfRange marks an Adjustment.
var ErrOutOfRange = errors.New("configuration value out of range")

// Tier is a candidate generation strategy.
type Tier string

const (
	TierExact     Tier = "exact"
	TierNear      Tier = "near"
	TierWL        Tier = "wl"
	TierWLRelaxed Tier = "wlrelaxed"
)

// DefaultTiers is the tier order used when none is configured.
var DefaultTiers = []Tier{TierExact, TierNear, TierWL, TierWLRelaxed}

// NSFMode selects which normalized fingerprint exact lookups consult.
type NSFMode string

const (
	NSFCanonical NSFMode = "canonical"
	NSFSurrogate NSFMode = "surrogate"
	NSFBoth      NSFMode = "both"
)

// ClassMatcher selects the class matching strategy.
type ClassMatcher string

const (
	ClassStructural ClassMatcher = "structural"
	ClassTypes      ClassMatcher = "types"
)

// ScoreWeights are the composite method score weights.
type ScoreWeights struct {
	Calls    float64
	Micro    float64
	Norm     float64
	Opcode   float64
	Strings  float64
	Fields   float64
	Stack    float64
	Lits     float64
	AlphaMP  float64
	PenLeaf  float64
	PenRecur float64
}

// DefaultScoreWeights returns the stock weights.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Calls:    0.45,
		Micro:    0.25,
		Norm:     0.10,
		Opcode:   0.15,
		Strings:  0.10,
		Fields:   0.05,
		Stack:    0.10,
		Lits:     0.08,
		AlphaMP:  0.60,
		PenLeaf:  0.05,
		PenRecur: 0.03,
	}
}

// Config is the run configuration. Copies are independent; nothing in the
// engine mutates a Config after Build.
type Config struct {
	Tau    float64
	Margin float64

	Refine        bool
	RefineLambda  float64
	RefineMaxIter int

	CandidateK      int
	WLRounds        int
	WLRelaxedL1     int
	WLSizeBand      float64
	NearL1          int
	NearL1Flattened int
	StackGate       float64
	BlockCap        int
	Tiers           []Tier
	NSFMode         NSFMode

	Weights       ScoreWeights
	LegacyOpcodes bool
	ClassMatcher  ClassMatcher

	Hash        string
	WatchdogMS  int
	LRUCapacity int
	Parallelism int
}

// Strategy returns the configured hash strategy.
func (c Config) Strategy() stablehash.Strategy {
	s, err := stablehash.ByName(c.Hash)
	if err != nil {
		return stablehash.Default
	}
	return s
}

// HasTier reports whether t is enabled.
func (c Config) HasTier(t Tier) bool { return slices.Contains(c.Tiers, t) }

// Echo returns the sorted key=value lines reported with every result.
func (c Config) Echo() []string {
	f := fmtFloat
	out := []string{
		"tau=" + f(c.Tau),
		"margin=" + f(c.Margin),
		"refine=" + strconv.FormatBool(c.Refine),
		"refine.lambda=" + f(c.RefineLambda),
		"refine.max_iterations=" + strconv.Itoa(c.RefineMaxIter),
		"candidates.k=" + strconv.Itoa(c.CandidateK),
		"wl.rounds=" + strconv.Itoa(c.WLRounds),
		"wl.relaxed_l1=" + strconv.Itoa(c.WLRelaxedL1),
		"wl.size_band=" + f(c.WLSizeBand),
		"near.l1=" + strconv.Itoa(c.NearL1),
		"near.l1_flattened=" + strconv.Itoa(c.NearL1Flattened),
		"near.stack_gate=" + f(c.StackGate),
		"flattening.block_cap=" + strconv.Itoa(c.BlockCap),
		"tiers=" + tierList(c.Tiers),
		"nsf.mode=" + string(c.NSFMode),
		"weights.calls=" + f(c.Weights.Calls),
		"weights.micro=" + f(c.Weights.Micro),
		"weights.norm=" + f(c.Weights.Norm),
		"weights.opcode=" + f(c.Weights.Opcode),
		"weights.strings=" + f(c.Weights.Strings),
		"weights.fields=" + f(c.Weights.Fields),
		"weights.stack=" + f(c.Weights.Stack),
		"weights.lits=" + f(c.Weights.Lits),
		"weights.alpha_mp=" + f(c.Weights.AlphaMP),
		"weights.pen_leaf=" + f(c.Weights.PenLeaf),
		"weights.pen_recur=" + f(c.Weights.PenRecur),
		"legacy_opcodes=" + strconv.FormatBool(c.LegacyOpcodes),
		"class_matcher=" + string(c.ClassMatcher),
		"hash=" + c.Hash,
		"watchdog_ms=" + strconv.Itoa(c.WatchdogMS),
		"lru.capacity=" + strconv.Itoa(c.LRUCapacity),
		"parallelism=" + strconv.Itoa(c.Parallelism),
	}
	slices.Sort(out)
	return out
}

// Adjustment records one value Build had to change.
type Adjustment struct {
	Key   string
	Given string
	Used  string
}

func (a Adjustment) Error() string {
	return fmt.Sprintf("%s=%s: %v, using %s", a.Key, a.Given, ErrOutOfRange, a.Used)
}

func (a Adjustment) Unwrap() error { return ErrOutOfRange }
