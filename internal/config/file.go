package config

import (
	"fmt"
	"os"
	"slices"

	yaml "gopkg.in/yaml.v3"
)

// File is the yaml form of a configuration. Absent keys keep the defaults.
type File struct {
	Tau    *float64 `yaml:"tau"`
	Margin *float64 `yaml:"margin"`

	Refine *struct {
		Enabled       *bool    `yaml:"enabled"`
		Lambda        *float64 `yaml:"lambda"`
		MaxIterations *int     `yaml:"max_iterations"`
	} `yaml:"refine"`

	Candidates *struct {
		K     *int     `yaml:"k"`
		Tiers []string `yaml:"tiers"`
	} `yaml:"candidates"`

	WL *struct {
		Rounds    *int     `yaml:"rounds"`
		RelaxedL1 *int     `yaml:"relaxed_l1"`
		SizeBand  *float64 `yaml:"size_band"`
	} `yaml:"wl"`

	Near *struct {
		L1          *int     `yaml:"l1"`
		L1Flattened *int     `yaml:"l1_flattened"`
		StackGate   *float64 `yaml:"stack_gate"`
	} `yaml:"near"`

	BlockCap      *int               `yaml:"block_cap"`
	NSFMode       *string            `yaml:"nsf_mode"`
	Weights       map[string]float64 `yaml:"weights"`
	LegacyOpcodes *bool              `yaml:"legacy_opcodes"`
	ClassMatcher  *string            `yaml:"class_matcher"`
	Hash          *string            `yaml:"hash"`
	WatchdogMS    *int               `yaml:"watchdog_ms"`
	LRUCapacity   *int               `yaml:"lru_capacity"`
	Parallelism   *int               `yaml:"parallelism"`
}

// LoadFile reads a yaml configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// Apply copies every key present in f onto b. Unknown weight names are
// returned as adjustments.
func (f *File) Apply(b *Builder) []Adjustment {
	set(f.Tau, b.Tau)
	set(f.Margin, b.Margin)
	if r := f.Refine; r != nil {
		set(r.Enabled, b.Refine)
		set(r.Lambda, b.RefineLambda)
		set(r.MaxIterations, b.RefineMaxIterations)
	}
	if c := f.Candidates; c != nil {
		set(c.K, b.CandidateK)
		if c.Tiers != nil {
			b.Tiers(c.Tiers...)
		}
	}
	if w := f.WL; w != nil {
		set(w.Rounds, b.WLRounds)
		set(w.RelaxedL1, b.WLRelaxedL1)
		set(w.SizeBand, b.WLSizeBand)
	}
	if n := f.Near; n != nil {
		set(n.L1, b.NearL1)
		set(n.L1Flattened, b.NearL1Flattened)
		set(n.StackGate, b.StackGate)
	}
	set(f.BlockCap, b.BlockCap)
	if f.NSFMode != nil {
		b.NSFMode(NSFMode(*f.NSFMode))
	}
	set(f.LegacyOpcodes, b.LegacyOpcodes)
	if f.ClassMatcher != nil {
		b.ClassMatcher(ClassMatcher(*f.ClassMatcher))
	}
	set(f.Hash, b.Hash)
	set(f.WatchdogMS, b.WatchdogMS)
	set(f.LRUCapacity, b.LRUCapacity)
	set(f.Parallelism, b.Parallelism)

	var adj []Adjustment
	if len(f.Weights) > 0 {
		w := b.c.Weights
		fields := weightFields(&w)
		for _, name := range sortedNames(f.Weights) {
			p, ok := fields[name]
			if !ok {
				adj = append(adj, Adjustment{Key: "weights." + name, Given: fmtFloat(f.Weights[name]), Used: "ignored"})
				continue
			}
			*p = f.Weights[name]
		}
		b.Weights(w)
	}
	return adj
}

func set[T any](v *T, fn func(T) *Builder) {
	if v != nil {
		fn(*v)
	}
}

func weightFields(w *ScoreWeights) map[string]*float64 {
	return map[string]*float64{
		"calls":     &w.Calls,
		"micro":     &w.Micro,
		"norm":      &w.Norm,
		"opcode":    &w.Opcode,
		"strings":   &w.Strings,
		"fields":    &w.Fields,
		"stack":     &w.Stack,
		"lits":      &w.Lits,
		"alpha_mp":  &w.AlphaMP,
		"pen_leaf":  &w.PenLeaf,
		"pen_recur": &w.PenRecur,
	}
}

func sortedNames(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
