package candidates

import (
	"math"
	"slices"

	"github.com/715d/bytemapper/internal/config"
)

// Telemetry accumulates candidate statistics over a run. It is not safe for
// concurrent use.
type Telemetry struct {
	exact []int
	near  []int

	nearBefore   int
	nearAfter    int
	flattened    int
	relaxedHits  int
	acceptedTier map[config.Tier]int
}

// Summary is the reported form of Telemetry.
type Summary struct {
	ExactMedian        int            `json:"cand_count_exact_median"`
	ExactP95           int            `json:"cand_count_exact_p95"`
	NearMedian         int            `json:"cand_count_near_median"`
	NearP95            int            `json:"cand_count_near_p95"`
	NearBeforeGates    int            `json:"near_before_gates"`
	NearAfterGates     int            `json:"near_after_gates"`
	FlatteningDetected int            `json:"flattening_detected"`
	WLRelaxedHits      int            `json:"wl_relaxed_hits"`
	AcceptedByTier     map[string]int `json:"accepted_by_tier,omitempty"`
}

// Add records one generated set.
func (t *Telemetry) Add(s *Set) {
	t.exact = append(t.exact, s.Exact)
	t.near = append(t.near, s.Near)
	t.nearBefore += s.NearBeforeGates
	t.nearAfter += s.NearAfterGates
	if s.Flattened {
		t.flattened++
	}
}

// Accepted records the tier of an accepted candidate.
func (t *Telemetry) Accepted(tier config.Tier) {
	if t.acceptedTier == nil {
		t.acceptedTier = make(map[config.Tier]int)
	}
	t.acceptedTier[tier]++
	if tier == config.TierWLRelaxed {
		t.relaxedHits++
	}
}

// Summary computes the reported statistics.
func (t *Telemetry) Summary() Summary {
	s := Summary{
		ExactMedian:        Percentile(t.exact, 50),
		ExactP95:           Percentile(t.exact, 95),
		NearMedian:         Percentile(t.near, 50),
		NearP95:            Percentile(t.near, 95),
		NearBeforeGates:    t.nearBefore,
		NearAfterGates:     t.nearAfter,
		FlatteningDetected: t.flattened,
		WLRelaxedHits:      t.relaxedHits,
	}
	if len(t.acceptedTier) > 0 {
		s.AcceptedByTier = make(map[string]int, len(t.acceptedTier))
		for tier, n := range t.acceptedTier {
			s.AcceptedByTier[string(tier)] = n
		}
	}
	return s
}

// Percentile is the nearest-rank percentile of xs, or 0 for no values.
func Percentile(xs []int, p float64) int {
	if len(xs) == 0 {
		return 0
	}
	sorted := slices.Clone(xs)
	slices.Sort(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}
