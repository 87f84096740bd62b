// Package score computes the composite similarity of a method against its
// candidates and decides whether the best one is accepted.
package score

import (
	"math"

	"github.com/715d/bytemapper/internal/config"
	"github.com/715d/bytemapper/internal/features"
	"github.com/715d/bytemapper/internal/weights"
)

// Abstention reasons.
const (
	ReasonLowMargin    = "low_margin"
	ReasonBelowTau     = "below_tau"
	ReasonNoCandidates = "no_candidates"
)

// Scored is the composite score of one candidate with its parts.
type Scored struct {
	Target *features.MethodFeatures

	Score   float64
	Calls   float64
	Micro   float64
	Opcodes float64
	Strings float64
	Stack   float64
	Lits    float64
}

// Scorer scores methods. It is safe for concurrent use.
type Scorer struct {
	w      config.ScoreWeights
	legacy bool
	idf    [features.MicroBits]float64
}

// NewScorer returns a scorer with the configured weights and the
// micropattern term weights mw.
func NewScorer(c config.Config, mw weights.Weights) *Scorer {
	return &Scorer{w: c.Weights, legacy: c.LegacyOpcodes, idf: mw.IDF}
}

// Score returns one entry per candidate, aligned with cands. The call and
// string models are built over src and its candidates only.
func (s *Scorer) Score(src *features.MethodFeatures, cands []*features.MethodFeatures) []Scored {
	if len(cands) == 0 {
		return nil
	}
	callDocs := make([][]string, 0, len(cands)+1)
	strDocs := make([][]string, 0, len(cands)+1)
	callDocs = append(callDocs, src.Calls)
	strDocs = append(strDocs, src.Strings)
	for _, t := range cands {
		callDocs = append(callDocs, t.Calls)
		strDocs = append(strDocs, t.Strings)
	}
	calls, strs := NewTFIDF(callDocs), NewTFIDF(strDocs)

	out := make([]Scored, len(cands))
	for i, t := range cands {
		sc := Scored{
			Target:  t,
			Calls:   calls.Cosine(src.Calls, t.Calls),
			Micro:   MicroSimilarity(src.Micro, t.Micro, &s.idf, s.w.AlphaMP),
			Strings: strs.Cosine(src.Strings, t.Strings),
			Stack:   features.StackCosine(src.Stack, t.Stack),
			Lits:    features.MinHashSimilarity(src.Literals, t.Literals),
		}
		opWeight := s.w.Norm
		if s.legacy {
			opWeight = s.w.Opcode
			sc.Opcodes = HistCosine(src.RawOpcodes, t.RawOpcodes)
		} else {
			sc.Opcodes = HistCosine(src.NormOpcodes, t.NormOpcodes)
		}

		// The field term is reserved and contributes nothing yet.
		v := s.w.Calls*sc.Calls +
			s.w.Micro*sc.Micro +
			opWeight*sc.Opcodes +
			s.w.Strings*sc.Strings +
			s.w.Fields*0 +
			s.w.Stack*sc.Stack +
			s.w.Lits*sc.Lits
		if src.Leaf != t.Leaf {
			v -= s.w.PenLeaf
		}
		if src.Recursive != t.Recursive {
			v -= s.w.PenRecur
		}
		sc.Score = min(max(v, 0), 1)
		out[i] = sc
	}
	return out
}

// MicroSimilarity blends the Jaccard index of the bit sets with the cosine
// of their idf-weighted vectors: alpha*jaccard + (1-alpha)*cosine.
func MicroSimilarity(a, b features.Micro, idf *[features.MicroBits]float64, alpha float64) float64 {
	alpha = min(max(alpha, 0), 1)
	return alpha*microJaccard(a, b) + (1-alpha)*microCosine(a, b, idf)
}

func microJaccard(a, b features.Micro) float64 {
	union := (a | b).Count()
	if union == 0 {
		return 0
	}
	return float64((a & b).Count()) / float64(union)
}

func microCosine(a, b features.Micro, idf *[features.MicroBits]float64) float64 {
	var dot, na, nb float64
	for i, w := range idf {
		w2 := w * w
		if a.Bit(i) {
			na += w2
		}
		if b.Bit(i) {
			nb += w2
		}
		if a.Bit(i) && b.Bit(i) {
			dot += w2
		}
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Verdict returns the abstention reason for a best score and the best
// competing score, or "" when best is accepted.
func Verdict(best, second, tau, margin float64) string {
	var reason string
	if best-max(0, second) < margin {
		reason = ReasonLowMargin
	}
	if best < tau {
		if reason != "" {
			reason += "+"
		}
		reason += ReasonBelowTau
	}
	return reason
}
