package assign

import (
	"math"
	"slices"
	"strconv"

	"github.com/715d/bytemapper/internal/features"
	"github.com/715d/bytemapper/internal/stablehash"
	"github.com/715d/bytemapper/pkg/ir"
)

// Scored is one old method's candidates with their final scores, aligned by
// index.
type Scored struct {
	Old     ir.MethodRef
	Targets []ir.MethodRef
	Scores  []float64
}

// MethodKey is the serialized fingerprint a method anchors on: its lookup
// descriptor, both normalized fingerprints and the WL bag. Methods without a
// signature have no key.
func MethodKey(f *features.MethodFeatures) (string, bool) {
	if !f.HasSignature() {
		return "", false
	}
	return f.Desc + "|" + strconv.FormatUint(f.NSF64, 16) + "|" + strconv.FormatUint(f.Surrogate, 16) +
		"|" + f.Signature.Bag.Text(), true
}

// MethodAnchors pairs the methods of one matched class pair whose keys are
// byte-identical and unique on both sides. olds must already be remapped
// through the class map.
func MethodAnchors(olds, news []*features.MethodFeatures) []Match {
	keys := func(methods []*features.MethodFeatures) map[string]string {
		out := make(map[string]string, len(methods))
		for _, f := range methods {
			if k, ok := MethodKey(f); ok {
				out[f.Ref.String()] = k
			}
		}
		return out
	}
	return Anchors(keys(olds), keys(news))
}

// MatchMethods assigns old methods to candidate targets one-to-one, anchors
// first. Ids in the result are MethodRef strings.
func MatchMethods(s stablehash.Strategy, anchors []Match, sets []Scored, opts Options) *Result {
	olds := make([]string, 0, len(sets))
	var edges []Edge
	for _, set := range sets {
		old := set.Old.String()
		olds = append(olds, old)
		for i, t := range set.Targets {
			n := t.String()
			edges = append(edges, Edge{Old: old, New: n, Score: set.Scores[i], Tie: stablehash.Pair(s, old, n)})
		}
	}
	return Greedy(olds, anchors, edges, opts)
}

// Field matching gates.
const (
	FieldMinSupport = 3
	FieldMinMargin  = 2
	FieldMinRatio   = 0.60
)

// MethodPair is an accepted method match with the features of both sides.
type MethodPair struct {
	Old, New *features.MethodFeatures
}

// FieldMatch is an accepted field pair.
type FieldMatch struct {
	Old      ir.FieldRef `json:"old"`
	New      ir.FieldRef `json:"new"`
	Support  int         `json:"support"`
	RatioSim float64     `json:"ratio_sim"`
}

type vote struct {
	support             int
	readsOld, writesOld int
	readsNew, writesNew int
}

func (v *vote) ratioSim() float64 {
	return 1 - math.Abs(readRatio(v.readsOld, v.writesOld)-readRatio(v.readsNew, v.writesNew))
}

func (v *vote) weight() float64 {
	return float64(v.support) * (0.5 + 0.5*v.ratioSim())
}

func readRatio(reads, writes int) float64 {
	if reads+writes == 0 {
		return 0.5
	}
	return float64(reads) / float64(reads+writes)
}

// MatchFields maps fields by co-usage across accepted method pairs. Every
// matched method pair votes once for each combination of an old field it uses
// and a new field used by its counterpart, restricted to new fields owned by
// the new method's class or by the class the old owner maps to. An old field
// is matched to its best-supported candidate when support, support margin,
// read/write ratio similarity and owner consistency all hold.
func MatchFields(classMap map[string]string, pairs []MethodPair) []FieldMatch {
	votes := make(map[ir.FieldRef]map[ir.FieldRef]*vote)
	for _, p := range pairs {
		mapped, hasMapped := classMap[p.Old.Ref.Owner]
		for _, fo := range p.Old.Fields {
			for _, fn := range p.New.Fields {
				if fn.Ref.Owner != p.New.Ref.Owner && (!hasMapped || fn.Ref.Owner != mapped) {
					continue
				}
				inner := votes[fo.Ref]
				if inner == nil {
					inner = make(map[ir.FieldRef]*vote)
					votes[fo.Ref] = inner
				}
				v := inner[fn.Ref]
				if v == nil {
					v = &vote{}
					inner[fn.Ref] = v
				}
				v.support++
				v.readsOld += fo.Reads
				v.writesOld += fo.Writes
				v.readsNew += fn.Reads
				v.writesNew += fn.Writes
			}
		}
	}

	var out []FieldMatch
	for _, oldF := range sortedRefs(votes) {
		cands := votes[oldF]
		var best *vote
		var bestRef ir.FieldRef
		second := 0
		for _, ref := range sortedRefs(cands) {
			v := cands[ref]
			switch {
			case best == nil || v.support > best.support || (v.support == best.support && v.weight() > best.weight()):
				if best != nil {
					second = max(second, best.support)
				}
				best, bestRef = v, ref
			default:
				second = max(second, v.support)
			}
		}
		if best.support < FieldMinSupport || best.support-second < FieldMinMargin {
			continue
		}
		sim := best.ratioSim()
		if sim < FieldMinRatio {
			continue
		}
		if mapped, ok := classMap[oldF.Owner]; !ok || mapped != bestRef.Owner {
			continue
		}
		out = append(out, FieldMatch{Old: oldF, New: bestRef, Support: best.support, RatioSim: sim})
	}
	return out
}

func sortedRefs[V any](m map[ir.FieldRef]V) []ir.FieldRef {
	refs := make([]ir.FieldRef, 0, len(m))
	for r := range m {
		refs = append(refs, r)
	}
	slices.SortFunc(refs, ir.FieldRef.Compare)
	return refs
}
