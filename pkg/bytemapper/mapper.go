package bytemapper

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/715d/bytemapper/internal/analysis"
	"github.com/715d/bytemapper/internal/assign"
	"github.com/715d/bytemapper/internal/candidates"
	"github.com/715d/bytemapper/internal/config"
	"github.com/715d/bytemapper/internal/features"
	"github.com/715d/bytemapper/internal/refine"
	"github.com/715d/bytemapper/internal/score"
	"github.com/715d/bytemapper/internal/weights"
	"github.com/715d/bytemapper/internal/wl"
	"github.com/715d/bytemapper/pkg/ir"
)

// Options holds configuration options for the mapper.
type Options struct {
	// Config is the run configuration. Nil uses config.Default().
	Config *config.Config

	// Weights persists the micropattern term weights. Nil keeps them in
	// memory for the lifetime of the Mapper.
	Weights weights.Store
}

// Mapper orchestrates a matching run. The signature LRU and the name cache
// live as long as the Mapper; every other cache is scoped to one Map call.
// A Mapper runs one Map at a time.
type Mapper struct {
	cfg       config.Config
	store     weights.Store
	lru       *wl.LRU
	nameCache *analysis.NameCache
}

// NewMapper creates a new mapper with the given options.
func NewMapper(opts Options) (*Mapper, error) {
	c := config.Default()
	if opts.Config != nil {
		c = *opts.Config
	}
	store := opts.Weights
	if store == nil {
		store = &weights.Memory{}
	}
	lru, err := wl.NewLRU(c.LRUCapacity)
	if err != nil {
		return nil, fmt.Errorf("create signature cache: %w", err)
	}
	return &Mapper{
		cfg:       c,
		store:     store,
		lru:       lru,
		nameCache: analysis.NewNameCache(),
	}, nil
}

// Config returns the configuration the mapper runs with.
func (m *Mapper) Config() config.Config { return m.cfg }

// Map matches oldProg against newProg. Per-method analysis failures are
// recorded and the run continues; only an unavailable weight store or a
// canceled context abort it.
func (m *Mapper) Map(ctx context.Context, oldProg, newProg *ir.Program) (*Result, error) {
	if oldProg == nil || newProg == nil {
		return nil, errors.New("both programs are required")
	}
	wd := newWatchdog(m.cfg.WatchdogMS)

	// Step 1: Load the micropattern weights.
	done := wd.phase("load weights")
	w, err := m.store.Load(ctx)
	done()
	if err != nil {
		return nil, fmt.Errorf("loading weights: %w", err)
	}
	w = w.Normalize()

	// Step 2: Extract features from both programs.
	cache := wl.NewCache(m.lru)
	an := analysis.NewAnalyzer(m.cfg, cache, m.nameCache)
	done = wd.phase("analyze")
	oldInfo, err := an.AnalyzeProgram(ctx, oldProg)
	if err != nil {
		done()
		return nil, fmt.Errorf("old program: %w", err)
	}
	newInfo, err := an.AnalyzeProgram(ctx, newProg)
	done()
	if err != nil {
		return nil, fmt.Errorf("new program: %w", err)
	}

	res := &Result{
		AnalysisFailures: oldInfo.Failed + newInfo.Failed,
		Config:           m.cfg.Echo(),
	}

	// Step 3: Match classes.
	done = wd.phase("match classes")
	classes := m.matchClasses(oldInfo, newInfo)
	done()
	for _, cm := range classes.Matches {
		res.Classes = append(res.Classes, ClassMatch(cm))
	}
	for _, a := range classes.Abstained {
		res.Abstentions = append(res.Abstentions, Abstention{
			Kind: KindClass, Old: a.Old, Reason: a.Reason, Best: a.Best, Second: a.Second,
		})
	}

	// Step 4: Match methods within matched classes.
	done = wd.phase("match methods")
	var tel candidates.Telemetry
	pairs := m.matchMethods(oldInfo, newInfo, classes, score.NewScorer(m.cfg, w), &tel, res)
	done()

	// Step 5: Match fields from the accepted method pairs.
	done = wd.phase("match fields")
	for _, fm := range assign.MatchFields(classes.Map(), pairs) {
		res.Fields = append(res.Fields, FieldMatch{
			Old:      m.nameCache.ComputeFieldName(fm.Old),
			New:      m.nameCache.ComputeFieldName(fm.New),
			Support:  fm.Support,
			RatioSim: fm.RatioSim,
		})
	}
	done()

	// Step 6: Fold the old program into the stored weights.
	done = wd.phase("save weights")
	err = m.updateWeights(ctx, w, oldInfo)
	done()
	if err != nil {
		return nil, err
	}

	slices.SortFunc(res.Abstentions, func(a, b Abstention) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Old, b.Old))
	})
	res.Telemetry = tel.Summary()
	res.Cache = cache.Stats()

	slog.Info("mapping complete",
		"classes", len(res.Classes),
		"methods", len(res.Methods),
		"fields", len(res.Fields),
		"abstained", len(res.Abstentions),
		"analysis_failures", res.AnalysisFailures)
	slog.Info("candidate telemetry",
		"near_before_gates", res.Telemetry.NearBeforeGates,
		"near_after_gates", res.Telemetry.NearAfterGates,
		"flattening_detected", res.Telemetry.FlatteningDetected,
		"wl_relaxed_hits", res.Telemetry.WLRelaxedHits,
		"exact_median", res.Telemetry.ExactMedian,
		"exact_p95", res.Telemetry.ExactP95,
		"near_median", res.Telemetry.NearMedian,
		"near_p95", res.Telemetry.NearP95)
	slog.Debug("signature cache", "session_hits", res.Cache.SessionHits, "lru_hits", res.Cache.LRUHits, "misses", res.Cache.Misses)
	return res, nil
}

func (m *Mapper) matchClasses(oldInfo, newInfo *analysis.ProgramInfo) *assign.Result {
	s := m.cfg.Strategy()
	if m.cfg.ClassMatcher == config.ClassTypes {
		return assign.MatchClassesByTypes(s, oldInfo.TypeEvidence(), newInfo.TypeEvidence())
	}
	return assign.MatchClasses(s, oldInfo.Fingerprints(), newInfo.Fingerprints())
}

// edgeInfo is what the report needs about one scored old/new pair.
type edgeInfo struct {
	target *features.MethodFeatures
	tier   config.Tier
	base   float64
	final  float64
}

// matchMethods scores, refines and assigns the methods of every matched class
// pair. It returns the accepted pairs with their raw features.
func (m *Mapper) matchMethods(
	oldInfo, newInfo *analysis.ProgramInfo,
	classes *assign.Result,
	scorer *score.Scorer,
	tel *candidates.Telemetry,
	res *Result,
) []assign.MethodPair {
	gen := candidates.NewGenerator(m.cfg, newInfo.Methods())
	mapClass := classes.Lookup

	var sets []assign.Scored
	var anchors []assign.Match
	olds := make(map[string]*features.MethodFeatures)
	edges := make(map[string][]edgeInfo)

	for _, cm := range classes.Matches {
		oc, nc := oldInfo.Class(cm.Old), newInfo.Class(cm.New)
		if oc == nil || nc == nil {
			continue
		}
		oldMethods, newMethods := oc.Matchable(), nc.Matchable()
		if len(oldMethods) == 0 {
			continue
		}
		pos := make(map[string]int, len(newMethods))
		for i, f := range newMethods {
			pos[f.Ref.String()] = i
		}

		remapped := make([]*features.MethodFeatures, len(oldMethods))
		for i, f := range oldMethods {
			remapped[i] = f.Remap(mapClass)
		}
		classAnchors := assign.MethodAnchors(remapped, newMethods)
		anchors = append(anchors, classAnchors...)
		anchoredTo := make(map[string]string, len(classAnchors))
		for _, a := range classAnchors {
			anchoredTo[a.Old] = a.New
		}

		sources := make([]refine.Source, len(oldMethods))
		tiers := make([][]config.Tier, len(oldMethods))
		for i, f := range oldMethods {
			// A method without a signature abstains.
			if !f.HasSignature() {
				continue
			}
			if n, ok := anchoredTo[f.Ref.String()]; ok {
				sources[i] = refine.Source{Targets: []int{pos[n]}, Base: []float64{1}, Frozen: true}
				tiers[i] = []config.Tier{candidates.TierAnchor}
				continue
			}
			src := remapped[i]
			set := gen.Generate(src, nc.Class.Name)
			tel.Add(&set)
			for j, sc := range scorer.Score(src, set.Methods()) {
				sources[i].Targets = append(sources[i].Targets, pos[sc.Target.Ref.String()])
				sources[i].Base = append(sources[i].Base, sc.Score)
				tiers[i] = append(tiers[i], set.Candidates[j].Tier)
			}
		}

		final := make([][]float64, len(sources))
		for i, src := range sources {
			final[i] = src.Base
		}
		if m.cfg.Refine {
			r := refine.Run(sources, refine.IntraClass(oldMethods), refine.IntraClass(newMethods), refine.Options{
				Lambda:        m.cfg.RefineLambda,
				MaxIterations: m.cfg.RefineMaxIter,
			})
			final = r.Scores
			res.Refinement = append(res.Refinement, Refinement{Class: cm.Old, Stats: r.Stats})
		}

		for i, f := range oldMethods {
			id := f.Ref.String()
			olds[id] = f
			set := assign.Scored{Old: f.Ref}
			for j, t := range sources[i].Targets {
				target := newMethods[t]
				set.Targets = append(set.Targets, target.Ref)
				set.Scores = append(set.Scores, final[i][j])
				edges[id] = append(edges[id], edgeInfo{
					target: target,
					tier:   tiers[i][j],
					base:   sources[i].Base[j],
					final:  final[i][j],
				})
			}
			sets = append(sets, set)
		}
	}

	mres := assign.MatchMethods(m.cfg.Strategy(), anchors, sets, assign.Options{Tau: m.cfg.Tau, Margin: m.cfg.Margin})

	var pairs []assign.MethodPair
	for _, mm := range mres.Matches {
		e := findEdge(edges[mm.Old], mm.New)
		tel.Accepted(e.tier)
		res.Methods = append(res.Methods, MethodMatch{
			Old:   mm.Old,
			New:   mm.New,
			Score: mm.Score,
			Base:  e.base,
			Tier:  string(e.tier),
		})
		pairs = append(pairs, assign.MethodPair{Old: olds[mm.Old], New: e.target})
	}
	for _, a := range mres.Abstained {
		res.Abstentions = append(res.Abstentions, Abstention{
			Kind:       KindMethod,
			Old:        a.Old,
			Reason:     a.Reason,
			Best:       a.Best,
			Second:     a.Second,
			Candidates: ranked(edges[a.Old]),
		})
	}
	return pairs
}

func findEdge(edges []edgeInfo, newID string) edgeInfo {
	for _, e := range edges {
		if e.target.Ref.String() == newID {
			return e
		}
	}
	return edgeInfo{}
}

// ranked lists candidates by final score descending, then by reference.
func ranked(edges []edgeInfo) []Ranked {
	sorted := slices.Clone(edges)
	slices.SortFunc(sorted, func(a, b edgeInfo) int {
		return cmp.Or(cmp.Compare(b.final, a.final), a.target.Ref.Compare(b.target.Ref))
	})
	out := make([]Ranked, len(sorted))
	for i, e := range sorted {
		out[i] = Ranked{ID: e.target.Ref.String(), Score: e.final, Tier: string(e.tier)}
	}
	return out
}

func (m *Mapper) updateWeights(ctx context.Context, w weights.Weights, oldInfo *analysis.ProgramInfo) error {
	methods := oldInfo.Methods()
	if len(methods) == 0 {
		return nil
	}
	micros := make([]features.Micro, len(methods))
	for i, f := range methods {
		micros[i] = f.Micro
	}
	df, n := weights.Frequencies(micros)
	if err := m.store.Save(ctx, w.Update(df, n)); err != nil {
		return fmt.Errorf("saving weights: %w", err)
	}
	return nil
}
