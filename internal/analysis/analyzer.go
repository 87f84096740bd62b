package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/715d/bytemapper/internal/cfg"
	"github.com/715d/bytemapper/internal/config"
	"github.com/715d/bytemapper/internal/features"
	"github.com/715d/bytemapper/internal/stablehash"
	"github.com/715d/bytemapper/internal/wl"
	"github.com/715d/bytemapper/pkg/ir"
)

// ClassInfo holds the analysis of one class.
type ClassInfo struct {
	Class *ir.Class
	// Methods holds every declared method sorted by name, then descriptor.
	Methods     []*MethodInfo
	Fingerprint *features.ClassFingerprint
	Types       *features.TypeEvidence
}

// Matchable returns the features of methods that take part in matching, in
// method order.
func (ci *ClassInfo) Matchable() []*features.MethodFeatures {
	var out []*features.MethodFeatures
	for _, m := range ci.Methods {
		if m.Features != nil {
			out = append(out, m.Features)
		}
	}
	return out
}

// ProgramInfo holds the analysis of a program.
type ProgramInfo struct {
	// Classes is sorted by name.
	Classes []*ClassInfo
	// Failed counts methods whose control flow could not be analyzed.
	Failed int

	byName map[string]*ClassInfo
}

// Class returns the analysis of the named class, or nil.
func (p *ProgramInfo) Class(name string) *ClassInfo { return p.byName[name] }

// Methods returns the features of all matchable methods in class, then
// method order.
func (p *ProgramInfo) Methods() []*features.MethodFeatures {
	var out []*features.MethodFeatures
	for _, c := range p.Classes {
		out = append(out, c.Matchable()...)
	}
	return out
}

// Fingerprints returns the class fingerprints in class order.
func (p *ProgramInfo) Fingerprints() []*features.ClassFingerprint {
	out := make([]*features.ClassFingerprint, len(p.Classes))
	for i, c := range p.Classes {
		out[i] = c.Fingerprint
	}
	return out
}

// TypeEvidence returns the type evidence keyed by class name.
func (p *ProgramInfo) TypeEvidence() map[string]*features.TypeEvidence {
	out := make(map[string]*features.TypeEvidence, len(p.Classes))
	for _, c := range p.Classes {
		out[c.Class.Name] = c.Types
	}
	return out
}

// Analyzer extracts features from programs.
type Analyzer struct {
	cfg       config.Config
	strategy  stablehash.Strategy
	cache     *wl.Cache
	nameCache *NameCache
}

// NewAnalyzer creates an analyzer. cache and nameCache are shared by every
// program analyzed in one run.
func NewAnalyzer(c config.Config, cache *wl.Cache, nameCache *NameCache) *Analyzer {
	if nameCache == nil {
		nameCache = NewNameCache()
	}
	return &Analyzer{cfg: c, strategy: c.Strategy(), cache: cache, nameCache: nameCache}
}

// AnalyzeProgram analyzes every class of p. Classes are processed by up to
// Parallelism workers; results are placed by index so the output never
// depends on scheduling.
func (a *Analyzer) AnalyzeProgram(ctx context.Context, p *ir.Program) (*ProgramInfo, error) {
	classes := slices.Clone(p.Classes)
	slices.SortFunc(classes, func(x, y *ir.Class) int { return strings.Compare(x.Name, y.Name) })

	results := make([]*ClassInfo, len(classes))
	var failed atomic.Int64

	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(max(1, a.cfg.Parallelism))
	for idx, c := range classes {
		wg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ci, n := a.analyzeClass(c)
			results[idx] = ci
			failed.Add(int64(n))
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, fmt.Errorf("analyzing program: %w", err)
	}

	info := &ProgramInfo{
		Classes: results,
		Failed:  int(failed.Load()),
		byName:  make(map[string]*ClassInfo, len(results)),
	}
	for _, ci := range results {
		info.byName[ci.Class.Name] = ci
	}
	slog.Debug("analyzed program", "classes", len(results), "methods", p.MethodCount(), "failed", info.Failed)
	return info, nil
}

func (a *Analyzer) analyzeClass(c *ir.Class) (*ClassInfo, int) {
	methods := slices.Clone(c.Methods)
	slices.SortFunc(methods, func(x, y *ir.Method) int {
		if d := strings.Compare(x.Name, y.Name); d != 0 {
			return d
		}
		return strings.Compare(x.Desc, y.Desc)
	})

	ci := &ClassInfo{Class: c, Methods: make([]*MethodInfo, len(methods))}
	failed := 0
	for i, m := range methods {
		mi := NewMethodInfo(c.Name, m, a.nameCache)
		ci.Methods[i] = mi
		if !mi.ShouldMatch() {
			continue
		}
		st, err := a.structure(c.Name, m)
		if err != nil {
			slog.Warn("analyzing method", "method", mi.Name, "error", err)
			mi.AnalysisErr = err
			failed++
		}
		mi.Features = features.ExtractMethod(a.strategy, c.Name, m, st)
	}
	ci.Fingerprint = features.NewClassFingerprint(c, ci.Matchable())
	ci.Types = features.NewTypeEvidence(c)
	return ci, failed
}

// structure runs the graph analyses of m. Signatures come from the cache
// when the same body was refined before.
func (a *Analyzer) structure(owner string, m *ir.Method) (*features.Structure, error) {
	g, err := cfg.Build(m)
	if err != nil {
		return nil, err
	}
	d, err := cfg.ComputeDominators(g)
	if err != nil {
		return nil, err
	}
	opts := wl.Options{Rounds: a.cfg.WLRounds, BlockCap: a.cfg.BlockCap, Strategy: a.strategy}
	compute := func() (wl.Signature, error) { return wl.Refine(g, d, opts) }

	var sig wl.Signature
	if a.cache != nil {
		sig, err = a.cache.Get(wl.KeyOf(opts, owner, m), compute)
	} else {
		sig, err = compute()
	}
	if err != nil {
		return nil, err
	}
	return &features.Structure{
		Graph:     g,
		Dom:       d,
		Signature: sig,
		Flattened: cfg.DetectFlattening(g, a.cfg.BlockCap),
	}, nil
}
