// Package features extracts per-method and per-class matching signals from
// the IR.
package features

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/715d/bytemapper/internal/stablehash"
	"github.com/715d/bytemapper/pkg/ir"
)

// NSFVersion is the payload header of the normalized fingerprint.
const NSFVersion = "NSFv2"

// SketchBuckets is the length of a literal MinHash sketch.
const SketchBuckets = 64

// emptyBucket marks a sketch bucket no literal has hashed into.
const emptyBucket = math.MaxInt32

const (
	runtimeException  = "java/lang/RuntimeException"
	wrapperHelperDesc = "(Ljava/lang/Throwable;Ljava/lang/String;)Ljava/lang/Throwable;"
)

// StackHist counts instructions by clamped stack delta. Index 0 holds -2 and
// index 4 holds +2.
type StackHist [5]int

var stackKeys = [5]string{"-2", "-1", "0", "+1", "+2"}

// Text renders the histogram in fixed key order as "-2:a,-1:b,0:c,+1:d,+2:e".
func (h StackHist) Text() string {
	var sb strings.Builder
	for i, k := range stackKeys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(h[i]))
	}
	return sb.String()
}

// IsZero reports whether no instruction was counted.
func (h StackHist) IsZero() bool { return h == StackHist{} }

// StackCosine is the cosine similarity of two histograms over the five fixed
// keys. Either side being nil or all zero yields 0.
func StackCosine(a, b *StackHist) float64 {
	if a == nil || b == nil {
		return 0
	}
	var dot, na, nb int64
	for i := range a {
		x, y := int64(a[i]), int64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float64(dot) / (math.Sqrt(float64(na)) * math.Sqrt(float64(nb)))
}

// TryShape summarizes exception handler topology.
type TryShape struct {
	// Depth is the maximum number of simultaneously open protected ranges.
	Depth int `json:"depth"`
	// Fanout is the largest number of handlers sharing one protected range.
	Fanout int `json:"fanout"`
	// CatchHash folds the hash of the sorted caught type names; 0 when there
	// are none.
	CatchHash int32 `json:"catch_hash"`
}

// CallKinds counts invokes by dispatch: virtual, static, interface and
// constructor calls, in that order.
type CallKinds [4]int

// Sketch is a 64-bucket MinHash over numeric literals. Buckets never hit
// hold math.MaxInt32.
type Sketch [SketchBuckets]int32

// MinHashSimilarity is the share of equal non-empty buckets among buckets
// that are non-empty on either side. A nil sketch yields 0.
func MinHashSimilarity(a, b *Sketch) float64 {
	if a == nil || b == nil {
		return 0
	}
	denom, matches := 0, 0
	for i := range a {
		ae, be := a[i] == emptyBucket, b[i] == emptyBucket
		if ae && be {
			continue
		}
		denom++
		if a[i] == b[i] {
			matches++
		}
	}
	if denom == 0 {
		return 0
	}
	return float64(matches) / float64(denom)
}

// Normalized holds the signals that survive wrapper removal. They do not
// depend on the control-flow graph.
type Normalized struct {
	// Descriptor has application class names replaced by a placeholder.
	Descriptor string
	Opcodes    map[string]int
	// Invoked lists called signatures, sorted. Application owners and method
	// names are replaced by a placeholder.
	Invoked []string
	// Strings lists string constants, sorted, with repeats.
	Strings  []string
	Calls    CallKinds
	Stack    StackHist
	Try      TryShape
	Literals *Sketch

	NSF64     uint64
	Surrogate uint64
}

// ExtractNormalized computes the normalized signals of m. Instructions of a
// recognized exception-wrapper handler, along with the handler itself and
// its signature string, are left out.
func ExtractNormalized(s stablehash.Strategy, m *ir.Method) Normalized {
	if s == nil {
		s = stablehash.Default
	}
	excluded, handlers, noisy := findWrappers(m)

	n := Normalized{
		Descriptor: ir.NormalizeDescriptor(m.Desc),
		Opcodes:    make(map[string]int),
	}
	sketch := newSketch()
	sawLiteral := false
	for i := range m.Code {
		if excluded[i] {
			continue
		}
		in := &m.Code[i]
		n.Opcodes[in.Op]++
		n.Stack[stackBucket(in)]++

		switch in.Kind {
		case ir.KindConst:
			switch in.Lit {
			case ir.LitString:
				if !noisy[in.Str] {
					n.Strings = append(n.Strings, in.Str)
				}
			case ir.LitInt, ir.LitLong, ir.LitFloat, ir.LitDouble:
				if canon, ok := literalText(in); ok {
					sketch.update(s, canon)
					sawLiteral = true
				}
			}
		case ir.KindInvoke:
			n.Invoked = append(n.Invoked, invokedToken(in))
			switch {
			case in.IsConstructorCall():
				n.Calls[3]++
			case in.Invoke == ir.InvokeVirtual:
				n.Calls[0]++
			case in.Invoke == ir.InvokeStatic:
				n.Calls[1]++
			case in.Invoke == ir.InvokeInterface:
				n.Calls[2]++
			}
		case ir.KindInvokeDynamic:
			n.Invoked = append(n.Invoked, "indy:"+in.Name+ir.NormalizeDescriptor(in.Desc))
		}
	}
	slices.Sort(n.Invoked)
	slices.Sort(n.Strings)
	if sawLiteral {
		n.Literals = &sketch
	}
	n.Try = tryShape(s, handlers)
	n.NSF64 = s.Sum64String(n.Payload())
	n.Surrogate = surrogate(s, n.Descriptor, n.Opcodes)
	return n
}

// Payload is the versioned text the normalized fingerprint hashes.
func (n *Normalized) Payload() string {
	var sb strings.Builder
	sb.WriteString(NSFVersion)
	sb.WriteString("\nD|")
	sb.WriteString(n.Descriptor)
	sb.WriteString("\nO|")
	sb.WriteString(strings.Join(sortedKeys(n.Opcodes), ","))
	sb.WriteString("\nS|")
	sb.WriteString(strings.Join(n.Invoked, ","))
	sb.WriteString("\nT|")
	sb.WriteString(strings.Join(n.Strings, ","))
	sb.WriteString("\nH|")
	sb.WriteString(n.Stack.Text())
	sb.WriteString("\nY|")
	sb.WriteString(strconv.Itoa(n.Try.Depth))
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(n.Try.Fanout))
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(int(n.Try.CatchHash)))
	sb.WriteString("\nL|")
	if n.Literals == nil {
		sb.WriteString("∅")
	} else {
		for i, v := range n.Literals {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(int(v)))
		}
	}
	sb.WriteString("\nK|")
	for i, c := range n.Calls {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(c))
	}
	return sb.String()
}

func surrogate(s stablehash.Strategy, desc string, opcodes map[string]int) uint64 {
	var sb strings.Builder
	sb.WriteString("SUR|")
	sb.WriteString(desc)
	sb.WriteByte('|')
	for _, k := range sortedKeys(opcodes) {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(opcodes[k]))
		sb.WriteByte(',')
	}
	return s.Sum64String(sb.String())
}

func invokedToken(in *ir.Instruction) string {
	desc := ir.NormalizeDescriptor(in.Desc)
	if ir.IsLibraryClass(in.Owner) {
		return in.Owner + "." + in.Name + desc
	}
	if in.Name == "<init>" {
		return "obf.<init>" + desc
	}
	return "obf." + desc
}

func literalText(in *ir.Instruction) (string, bool) {
	switch in.Lit {
	case ir.LitInt:
		if in.Int >= -1 && in.Int <= 5 {
			return "", false
		}
		return strconv.FormatInt(in.Int, 10), true
	case ir.LitLong:
		return strconv.FormatInt(in.Int, 10), true
	case ir.LitFloat:
		return strconv.FormatFloat(in.Float, 'g', -1, 32), true
	case ir.LitDouble:
		return strconv.FormatFloat(in.Float, 'g', -1, 64), true
	}
	return "", false
}

func newSketch() Sketch {
	var sk Sketch
	for i := range sk {
		sk[i] = emptyBucket
	}
	return sk
}

func (sk *Sketch) update(s stablehash.Strategy, canon string) {
	h := s.Sum64String(canon)
	b := h & (SketchBuckets - 1)
	v := int32(h ^ (h >> 32))
	if v < sk[b] {
		sk[b] = v
	}
}

// stackBucket returns the histogram index of the instruction's clamped
// stack delta.
func stackBucket(in *ir.Instruction) int {
	return min(max(stackDelta(in), -2), 2) + 2
}

func stackDelta(in *ir.Instruction) int {
	switch in.Kind {
	case ir.KindConst, ir.KindLoad, ir.KindNew:
		return 1
	case ir.KindStore, ir.KindBranch, ir.KindSwitch, ir.KindThrow, ir.KindMonitor, ir.KindArrayLoad:
		return -1
	case ir.KindArrayStore:
		return -3
	case ir.KindStack:
		switch in.Op {
		case "pop":
			return -1
		case "pop2":
			return -2
		case "dup", "dup_x1", "dup_x2", "dup2_x1", "dup2_x2":
			return 1
		case "dup2":
			return 2
		}
		return 0
	case ir.KindArith:
		for _, suffix := range []string{"add", "sub", "mul", "div", "rem"} {
			if len(in.Op) == len(suffix)+1 && strings.HasSuffix(in.Op, suffix) {
				return -1
			}
		}
		return 0
	case ir.KindField:
		switch in.Op {
		case "getstatic":
			return 1
		case "putstatic":
			return -1
		case "putfield":
			return -2
		}
		return 0
	case ir.KindReturn:
		switch in.Op {
		case "ireturn", "freturn", "areturn":
			return -1
		case "lreturn", "dreturn":
			return -2
		}
		return 0
	case ir.KindNop, ir.KindConvert, ir.KindInvoke, ir.KindInvokeDynamic, ir.KindNewArray,
		ir.KindArrayLength, ir.KindTypeCheck, ir.KindJump:
		return 0
	}
	return 0
}

func tryShape(s stablehash.Strategy, handlers []ir.Handler) TryShape {
	if len(handlers) == 0 {
		return TryShape{}
	}
	type event struct{ at, delta int }
	events := make([]event, 0, 2*len(handlers))
	type span struct{ start, end int }
	shared := make(map[span]int)
	var types []string
	for _, h := range handlers {
		events = append(events, event{h.Start, 1}, event{h.End, -1})
		shared[span{h.Start, h.End}]++
		if h.Type != "" {
			types = append(types, h.Type)
		}
	}
	slices.SortFunc(events, func(a, b event) int {
		if a.at != b.at {
			return a.at - b.at
		}
		return a.delta - b.delta
	})

	var shape TryShape
	depth := 0
	for _, ev := range events {
		depth += ev.delta
		shape.Depth = max(shape.Depth, depth)
	}
	for _, c := range shared {
		shape.Fanout = max(shape.Fanout, c)
	}
	if len(types) > 0 {
		slices.Sort(types)
		h := s.Sum64String(strings.Join(types, ","))
		shape.CatchHash = int32(h ^ (h >> 32))
	}
	return shape
}

// findWrappers recognizes RuntimeException handlers of the form
// [store] load, ldc "sig(...)", invokestatic helper(Throwable,String), athrow.
// It returns the handler instructions to skip, the remaining handlers and
// the signature strings the wrappers embed.
func findWrappers(m *ir.Method) (excluded map[int]bool, kept []ir.Handler, noisy map[string]bool) {
	excluded = make(map[int]bool)
	noisy = make(map[string]bool)
	for _, h := range m.Handlers {
		end, sig, ok := matchWrapper(m.Code, h)
		if !ok {
			kept = append(kept, h)
			continue
		}
		for i := h.Target; i <= end; i++ {
			excluded[i] = true
		}
		noisy[sig] = true
	}
	return excluded, kept, noisy
}

func matchWrapper(code []ir.Instruction, h ir.Handler) (end int, sig string, ok bool) {
	if h.Type != runtimeException {
		return 0, "", false
	}
	i := skipNops(code, h.Target)
	if i < len(code) && code[i].Kind == ir.KindStore {
		i = skipNops(code, i+1)
	}
	if i >= len(code) || code[i].Kind != ir.KindLoad {
		return 0, "", false
	}
	i = skipNops(code, i+1)
	if i >= len(code) || code[i].Kind != ir.KindConst || code[i].Lit != ir.LitString ||
		!strings.Contains(code[i].Str, "(") || !strings.Contains(code[i].Str, ")") {
		return 0, "", false
	}
	sig = code[i].Str
	i = skipNops(code, i+1)
	if i >= len(code) || code[i].Kind != ir.KindInvoke || code[i].Invoke != ir.InvokeStatic ||
		code[i].Desc != wrapperHelperDesc {
		return 0, "", false
	}
	i = skipNops(code, i+1)
	if i >= len(code) || code[i].Kind != ir.KindThrow {
		return 0, "", false
	}
	return i, sig, true
}

func skipNops(code []ir.Instruction, i int) int {
	for i < len(code) && code[i].Kind == ir.KindNop {
		i++
	}
	return i
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
