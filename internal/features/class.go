package features

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/715d/bytemapper/internal/wl"
	"github.com/715d/bytemapper/pkg/ir"
)

// ClassFingerprint aggregates the structural signals of one class.
type ClassFingerprint struct {
	Name  string
	Micro [MicroBits]int
	// Sigs is the multiset of WL signature hashes of the class's methods.
	Sigs    wl.Bag
	Methods int
	Fields  int
	// Super and Interfaces name library types verbatim and application
	// types by a placeholder.
	Super      string
	Interfaces []string
}

// NewClassFingerprint builds the fingerprint of c from its method features.
func NewClassFingerprint(c *ir.Class, methods []*MethodFeatures) *ClassFingerprint {
	fp := &ClassFingerprint{
		Name:    c.Name,
		Methods: len(c.Methods),
		Fields:  len(c.Fields),
		Super:   normalizeClass(c.Super),
	}
	var hashes []uint64
	for _, m := range methods {
		for i := range MicroBits {
			if m.Micro.Bit(i) {
				fp.Micro[i]++
			}
		}
		if m.Signature != nil {
			hashes = append(hashes, m.Signature.Hash)
		}
	}
	fp.Sigs = wl.NewBag(hashes)
	for _, itf := range c.Interfaces {
		fp.Interfaces = append(fp.Interfaces, normalizeClass(itf))
	}
	slices.Sort(fp.Interfaces)
	fp.Interfaces = slices.Compact(fp.Interfaces)
	return fp
}

// Key serializes everything but the class name. Equal keys make an anchor.
func (fp *ClassFingerprint) Key() string {
	var b strings.Builder
	b.WriteString("micro=")
	for i, n := range fp.Micro {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(n))
	}
	fmt.Fprintf(&b, "\nsigs=%s\ncounts=%d,%d\nsuper=%s\ninterfaces=%s\n",
		fp.Sigs.Text(), fp.Methods, fp.Fields, fp.Super, strings.Join(fp.Interfaces, ","))
	return b.String()
}

// Structural class score weights.
const (
	WeightClassWL     = 0.70
	WeightClassMicro  = 0.15
	WeightClassCounts = 0.10
	WeightClassTypes  = 0.05
)

// ClassSimilarity scores two class fingerprints in [0,1].
func ClassSimilarity(a, b *ClassFingerprint) float64 {
	return WeightClassWL*wl.Cosine(a.Sigs, b.Sigs) +
		WeightClassMicro*histCosine(a.Micro[:], b.Micro[:]) +
		WeightClassCounts*countSim(a.Methods, b.Methods, a.Fields, b.Fields) +
		WeightClassTypes*typeOverlap(a, b)
}

func histCosine(a, b []int) float64 {
	var dot, na, nb float64
	for i := range min(len(a), len(b)) {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func countSim(ma, mb, fa, fb int) float64 {
	return 0.6*closeness(ma, mb) + 0.4*closeness(fa, fb)
}

// closeness is 1/(1+|a-b|/max(1,avg)).
func closeness(a, b int) float64 {
	avg := max(1, float64(a+b)/2)
	return 1 / (1 + math.Abs(float64(a-b))/avg)
}

// typeOverlap is the Jaccard index over super and interfaces, ignoring the
// implicit root class. Two empty sets score zero.
func typeOverlap(a, b *ClassFingerprint) float64 {
	sa, sb := supertypes(a), supertypes(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := 0
	for s := range sa {
		if _, ok := sb[s]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(sa)+len(sb)-inter)
}

func supertypes(fp *ClassFingerprint) map[string]struct{} {
	out := make(map[string]struct{}, len(fp.Interfaces)+1)
	if fp.Super != "" && fp.Super != ir.ObjectClass {
		out[fp.Super] = struct{}{}
	}
	for _, itf := range fp.Interfaces {
		out[itf] = struct{}{}
	}
	return out
}

// normalizeClass keeps library names and collapses application names,
// which are not stable across obfuscated versions.
func normalizeClass(name string) string {
	if name == "" || ir.IsLibraryClass(name) {
		return name
	}
	return "obf"
}

// Type evidence weights.
const (
	WeightTypeFields      = 0.40
	WeightTypeMethodTypes = 0.30
	WeightTypeSuper       = 0.20
	WeightTypeInterfaces  = 0.10
)

// TypeEvidence summarizes the types a class declares and uses.
type TypeEvidence struct {
	Super       string
	Interfaces  []string
	FieldTypes  map[string]int
	MethodTypes map[string]int
	Fields      int
	Methods     int
}

// NewTypeEvidence collects the type evidence of c. Application class names in
// descriptors are normalized.
func NewTypeEvidence(c *ir.Class) *TypeEvidence {
	te := &TypeEvidence{
		Super:       normalizeClass(c.Super),
		FieldTypes:  make(map[string]int),
		MethodTypes: make(map[string]int),
		Fields:      len(c.Fields),
		Methods:     len(c.Methods),
	}
	for _, itf := range c.Interfaces {
		te.Interfaces = append(te.Interfaces, normalizeClass(itf))
	}
	slices.Sort(te.Interfaces)
	te.Interfaces = slices.Compact(te.Interfaces)

	for _, f := range c.Fields {
		te.FieldTypes[ir.NormalizeDescriptor(f.Desc)]++
	}
	for _, m := range c.Methods {
		args, ret, err := ir.ParseDescriptor(ir.NormalizeDescriptor(m.Desc))
		if err != nil {
			continue
		}
		for _, a := range args {
			te.MethodTypes[a]++
		}
		te.MethodTypes[ret]++
	}
	return te
}

// Bytes is the canonical serialization used for anchors and tie-breaks.
func (te *TypeEvidence) Bytes() []byte {
	var b strings.Builder
	b.WriteString("super=")
	b.WriteString(te.Super)
	b.WriteString("\ninterfaces=")
	b.WriteString(strings.Join(te.Interfaces, ","))
	b.WriteString("\nfieldTypes=")
	writeCounts(&b, te.FieldTypes)
	b.WriteString("\nmethodTypes=")
	writeCounts(&b, te.MethodTypes)
	fmt.Fprintf(&b, "\ncounts=%d,%d\n", te.Fields, te.Methods)
	return []byte(b.String())
}

func writeCounts(b *strings.Builder, m map[string]int) {
	for i, k := range sortedKeys(m) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(m[k]))
	}
}

// Similarity scores two type evidences in [0,1].
func (te *TypeEvidence) Similarity(o *TypeEvidence) float64 {
	super := 0.0
	if te.Super == o.Super {
		super = 1
	}
	return WeightTypeFields*multisetJaccard(te.FieldTypes, o.FieldTypes) +
		WeightTypeMethodTypes*multisetJaccard(te.MethodTypes, o.MethodTypes) +
		WeightTypeSuper*super +
		WeightTypeInterfaces*setJaccard(te.Interfaces, o.Interfaces)
}

// multisetJaccard is sum(min)/sum(max). Two empty multisets score one.
func multisetJaccard(a, b map[string]int) float64 {
	var inter, union int
	for k, va := range a {
		vb := b[k]
		inter += min(va, vb)
		union += max(va, vb)
	}
	for k, vb := range b {
		if _, ok := a[k]; !ok {
			union += vb
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// setJaccard expects sorted, distinct inputs. Two empty sets score one.
func setJaccard(a, b []string) float64 {
	inter, union := 0, 0
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			i++
		case i >= len(a) || b[j] < a[i]:
			j++
		default:
			inter++
			i++
			j++
		}
		union++
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
