package features

import (
	"slices"
	"strings"

	"github.com/715d/bytemapper/internal/cfg"
	"github.com/715d/bytemapper/internal/stablehash"
	"github.com/715d/bytemapper/internal/wl"
	"github.com/715d/bytemapper/pkg/ir"
)

// minStringLen drops one-character constants from the string bag.
const minStringLen = 2

// Structure is the graph analysis of one method body. A method whose graph
// could not be analyzed has no Structure.
type Structure struct {
	Graph     *cfg.CFG
	Dom       *cfg.Dominators
	Signature wl.Signature
	Flattened bool
}

// FieldUse counts accesses to one field from a method body.
type FieldUse struct {
	Ref    ir.FieldRef
	Reads  int
	Writes int
}

// MethodFeatures is everything the matcher knows about one method.
type MethodFeatures struct {
	Ref ir.MethodRef
	// Desc is the descriptor used for candidate lookup. On the old side it
	// is rewritten through the class map.
	Desc string

	// Signature is nil when the body could not be analyzed.
	Signature *wl.Signature
	Flattened bool

	Micro     Micro
	Leaf      bool
	Recursive bool

	RawOpcodes  map[string]int
	NormOpcodes map[string]int
	// Calls holds owner#name:desc tokens of non-library callees, sorted.
	Calls   []string
	Strings []string

	NormDescriptor string
	NSF64          uint64
	Surrogate      uint64
	CallKinds      CallKinds
	Try            TryShape
	// Stack and Literals are nil when the method yields no such signal.
	Stack    *StackHist
	Literals *Sketch

	// Callees lists distinct invoked methods, sorted.
	Callees []ir.MethodRef
	// Fields lists field accesses, sorted by reference.
	Fields []FieldUse
}

// HasSignature reports whether WL signals are available.
func (f *MethodFeatures) HasSignature() bool { return f.Signature != nil }

// ExtractMethod computes the features of m declared in owner. st may be nil.
func ExtractMethod(s stablehash.Strategy, owner string, m *ir.Method, st *Structure) *MethodFeatures {
	norm := ExtractNormalized(s, m)
	f := &MethodFeatures{
		Ref:            ir.MethodRef{Owner: owner, Name: m.Name, Desc: m.Desc},
		Desc:           m.Desc,
		RawOpcodes:     make(map[string]int),
		NormOpcodes:    norm.Opcodes,
		NormDescriptor: norm.Descriptor,
		NSF64:          norm.NSF64,
		Surrogate:      norm.Surrogate,
		CallKinds:      norm.Calls,
		Try:            norm.Try,
		Literals:       norm.Literals,
	}
	if !norm.Stack.IsZero() {
		stack := norm.Stack
		f.Stack = &stack
	}
	for _, str := range norm.Strings {
		if len(str) >= minStringLen {
			f.Strings = append(f.Strings, str)
		}
	}

	var g *cfg.CFG
	var d *cfg.Dominators
	if st != nil {
		sig := st.Signature
		f.Signature = &sig
		f.Flattened = st.Flattened
		g, d = st.Graph, st.Dom
	}
	f.Micro = ExtractMicro(owner, m, g, d)
	f.Leaf = f.Micro.Has(Leaf)
	f.Recursive = f.Micro.Has(Recursive)

	callees := make(map[ir.MethodRef]struct{})
	fields := make(map[ir.FieldRef]*FieldUse)
	for i := range m.Code {
		in := &m.Code[i]
		f.RawOpcodes[in.Op]++
		switch in.Kind {
		case ir.KindInvoke:
			callees[ir.MethodRef{Owner: in.Owner, Name: in.Name, Desc: in.Desc}] = struct{}{}
			if !ir.IsLibraryClass(in.Owner) {
				f.Calls = append(f.Calls, callToken(in.Owner, in.Name, in.Desc))
			}
		case ir.KindInvokeDynamic:
			f.Calls = append(f.Calls, callToken(indyOwner, in.Name, in.Desc))
		case ir.KindField:
			ref := ir.FieldRef{Owner: in.Owner, Name: in.Name, Desc: in.Desc}
			use, ok := fields[ref]
			if !ok {
				use = &FieldUse{Ref: ref}
				fields[ref] = use
			}
			if in.IsFieldWrite() {
				use.Writes++
			} else {
				use.Reads++
			}
		}
	}
	slices.Sort(f.Calls)

	for ref := range callees {
		f.Callees = append(f.Callees, ref)
	}
	slices.SortFunc(f.Callees, ir.MethodRef.Compare)
	for _, use := range fields {
		f.Fields = append(f.Fields, *use)
	}
	slices.SortFunc(f.Fields, func(a, b FieldUse) int { return a.Ref.Compare(b.Ref) })
	return f
}

// indyOwner is the synthetic owner of invokedynamic call tokens.
const indyOwner = "indy"

func callToken(owner, name, desc string) string {
	return owner + "#" + name + ":" + desc
}

// Remap returns a copy of f whose lookup descriptor and call tokens name
// classes through mapClass. Unmapped classes keep their names.
func (f *MethodFeatures) Remap(mapClass func(string) (string, bool)) *MethodFeatures {
	out := *f
	out.Desc = ir.MapClassRefs(f.Desc, mapClass)
	out.Calls = make([]string, 0, len(f.Calls))
	for _, tok := range f.Calls {
		out.Calls = append(out.Calls, remapCall(tok, mapClass))
	}
	slices.Sort(out.Calls)
	return &out
}

func remapCall(tok string, mapClass func(string) (string, bool)) string {
	owner, rest, ok := strings.Cut(tok, "#")
	if !ok {
		return tok
	}
	name, desc, ok := strings.Cut(rest, ":")
	if !ok {
		return tok
	}
	if owner != indyOwner {
		if mapped, ok := mapClass(owner); ok {
			owner = mapped
		}
	}
	return callToken(owner, name, ir.MapClassRefs(desc, mapClass))
}
