// Package bytemapper matches the classes, methods and fields of two versions
// of an obfuscated program.
package bytemapper

import (
	"github.com/715d/bytemapper/internal/candidates"
	"github.com/715d/bytemapper/internal/refine"
	"github.com/715d/bytemapper/internal/wl"
)

// Abstention kinds.
const (
	KindClass  = "class"
	KindMethod = "method"
)

// ClassMatch maps an old class to a new class.
type ClassMatch struct {
	Old    string  `json:"old"`
	New    string  `json:"new"`
	Score  float64 `json:"score"`
	Anchor bool    `json:"anchor,omitempty"`
}

// MethodMatch maps an old method id to a new method id.
type MethodMatch struct {
	Old   string  `json:"old"`
	New   string  `json:"new"`
	Score float64 `json:"score"`
	// Base is the composite score before refinement.
	Base float64 `json:"base"`
	Tier string  `json:"tier"`
}

// FieldMatch maps an old field id to a new field id.
type FieldMatch struct {
	Old      string  `json:"old"`
	New      string  `json:"new"`
	Support  int     `json:"support"`
	RatioSim float64 `json:"ratio_sim"`
}

// Ranked is one candidate of an abstained method.
type Ranked struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Tier  string  `json:"tier"`
}

// Abstention is an old entity that was left unmapped.
type Abstention struct {
	Kind   string  `json:"kind"`
	Old    string  `json:"old"`
	Reason string  `json:"reason"`
	Best   float64 `json:"best"`
	Second float64 `json:"second"`
	// Candidates is sorted by score descending, then id.
	Candidates []Ranked `json:"candidates,omitempty"`
}

// Refinement reports the refiner's work on one class pair.
type Refinement struct {
	Class string `json:"class"`
	refine.Stats
}

// Result is the outcome of one run. Every slice is sorted by old id, so two
// runs over the same inputs and configuration serialize identically.
type Result struct {
	Classes     []ClassMatch  `json:"classes"`
	Methods     []MethodMatch `json:"methods"`
	Fields      []FieldMatch  `json:"fields"`
	Abstentions []Abstention  `json:"abstentions"`

	Telemetry  candidates.Summary `json:"telemetry"`
	Refinement []Refinement       `json:"refinement,omitempty"`
	Cache      wl.CacheStats      `json:"cache"`
	// AnalysisFailures counts methods whose control flow could not be
	// analyzed, over both programs.
	AnalysisFailures int `json:"analysis_failures"`

	// Config is the configuration echo.
	Config []string `json:"config"`
}

// Abstained counts the abstentions of kind.
func (r *Result) Abstained(kind string) int {
	n := 0
	for _, a := range r.Abstentions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
