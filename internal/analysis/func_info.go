// Package analysis extracts matching features from every method and class of
// a program.
package analysis

import (
	"github.com/715d/bytemapper/internal/features"
	"github.com/715d/bytemapper/pkg/ir"
)

// MethodInfo represents information about a method in the program.
type MethodInfo struct {
	// Method is the analyzed method.
	Method *ir.Method

	// Name is the canonical id, owner#name desc.
	Name string

	// Ref identifies the method.
	Ref ir.MethodRef

	// IsAbstract indicates the method has no body to compare.
	IsAbstract bool

	// IsNative indicates the method is implemented outside the program.
	IsNative bool

	// IsSynthetic indicates a compiler-generated method.
	IsSynthetic bool

	// AnalysisErr is set when the control-flow analysis failed. The method
	// then has features without a signature.
	AnalysisErr error

	// Features is nil for methods that are not matched.
	Features *features.MethodFeatures
}

// NewMethodInfo creates a new MethodInfo for method m declared in owner.
func NewMethodInfo(owner string, m *ir.Method, nameCache *NameCache) *MethodInfo {
	ref := ir.MethodRef{Owner: owner, Name: m.Name, Desc: m.Desc}
	return &MethodInfo{
		Method:      m,
		Name:        nameCache.ComputeMethodName(ref),
		Ref:         ref,
		IsAbstract:  m.Access&ir.AccAbstract != 0,
		IsNative:    m.Access&ir.AccNative != 0,
		IsSynthetic: m.Access&ir.AccSynthetic != 0,
	}
}

// ShouldMatch determines if this method takes part in matching.
// Returns true if:
// - Method is neither abstract nor native, AND
// - Method has a body
func (mi *MethodInfo) ShouldMatch() bool {
	if mi.IsAbstract || mi.IsNative {
		return false
	}
	return mi.Method.HasBody()
}

// HasSignature reports whether the method was analyzed successfully.
func (mi *MethodInfo) HasSignature() bool {
	return mi.Features != nil && mi.Features.HasSignature()
}
