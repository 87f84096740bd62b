package features

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/bytemapper/internal/cfg"
	"github.com/715d/bytemapper/internal/irtest"
	"github.com/715d/bytemapper/internal/stablehash"
	"github.com/715d/bytemapper/internal/wl"
	"github.com/715d/bytemapper/pkg/ir"
)

func structure(t *testing.T, m *ir.Method) *Structure {
	t.Helper()
	g, err := cfg.Build(m)
	require.NoError(t, err)
	d, err := cfg.ComputeDominators(g)
	require.NoError(t, err)
	sig, err := wl.Refine(g, d, wl.DefaultOptions())
	require.NoError(t, err)
	return &Structure{Graph: g, Dom: d, Signature: sig}
}

// wrapped calls a helper and guards the body with a signature-reporting
// RuntimeException wrapper.
func wrapped(helper string) *ir.Method {
	m := irtest.Method("w", "(La/X;)I",
		irtest.Load(0),
		irtest.Invoke(ir.InvokeStatic, helper, "h", "(La/X;)I"),
		irtest.Op(ir.KindReturn, "ireturn"),
		irtest.Store(1),
		irtest.Load(1),
		irtest.StrConst("w(La/X;)I"),
		irtest.Invoke(ir.InvokeStatic, "a/Z", "wrap", wrapperHelperDesc),
		irtest.Throw(),
	)
	m.Handlers = []ir.Handler{{Start: 0, End: 3, Target: 3, Type: runtimeException}}
	return m
}

func TestExtractNormalized_WrapperAndRenames(t *testing.T) {
	s := stablehash.XXH64{}
	a := ExtractNormalized(s, wrapped("a/Helper"))
	b := ExtractNormalized(s, wrapped("b/Other"))

	require.Equal(t, "(Lobf;)I", a.Descriptor)
	require.Equal(t, []string{"obf.(Lobf;)I"}, a.Invoked)
	require.Empty(t, a.Strings, "the wrapper signature string is noise")
	require.Equal(t, TryShape{}, a.Try, "wrapper handlers do not count")
	require.Equal(t, map[string]int{"iload": 1, "invokestatic": 1, "ireturn": 1}, a.Opcodes)
	require.Equal(t, a.NSF64, b.NSF64, "application renames do not move the fingerprint")
	require.Equal(t, a.Surrogate, b.Surrogate)
}

func TestExtractNormalized_Signals(t *testing.T) {
	m := irtest.Method("m", "()V",
		irtest.IntConst(3),
		irtest.IntConst(1000),
		irtest.StrConst("b"),
		irtest.StrConst("a"),
		irtest.New("java/lang/StringBuilder"),
		irtest.Invoke(ir.InvokeSpecial, "java/lang/StringBuilder", "<init>", "()V"),
		irtest.Invoke(ir.InvokeVirtual, "java/lang/Object", "hashCode", "()I"),
		irtest.Invoke(ir.InvokeInterface, "java/util/List", "size", "()I"),
		irtest.Invoke(ir.InvokeStatic, "a/B", "x", "()V"),
		irtest.Return(),
	)
	m.Handlers = []ir.Handler{
		{Start: 0, End: 4, Target: 9, Type: "java/lang/Exception"},
		{Start: 0, End: 4, Target: 9, Type: "java/lang/Error"},
		{Start: 4, End: 6, Target: 9},
	}
	n := ExtractNormalized(stablehash.XXH64{}, m)

	require.Equal(t, []string{"a", "b"}, n.Strings)
	require.Equal(t, CallKinds{1, 1, 1, 1}, n.Calls)
	require.Equal(t, 2, n.Try.Depth)
	require.Equal(t, 2, n.Try.Fanout)
	require.NotZero(t, n.Try.CatchHash)
	require.NotNil(t, n.Literals, "1000 is outside the skipped small-int range")

	filled := 0
	for _, v := range n.Literals {
		if v != emptyBucket {
			filled++
		}
	}
	require.Equal(t, 1, filled)
	require.Equal(t, 1.0, MinHashSimilarity(n.Literals, n.Literals))
	require.Equal(t, 0.0, MinHashSimilarity(n.Literals, nil))

	// const x5, new: +1; four invokes, return: 0.
	require.Equal(t, StackHist{0, 0, 5, 5, 0}, n.Stack)
	require.Contains(t, n.Payload(), "\nH|-2:0,-1:0,0:5,+1:5,+2:0\n")
}

func TestExtractNormalized_NoLiterals(t *testing.T) {
	n := ExtractNormalized(nil, irtest.Method("m", "()V", irtest.IntConst(2), irtest.Return()))
	require.Nil(t, n.Literals)
	require.Contains(t, n.Payload(), "\nL|∅\n")
}

func TestStackCosine(t *testing.T) {
	a := &StackHist{0, 1, 0, 1, 0}
	require.InDelta(t, 1.0, StackCosine(a, a), 1e-12)
	require.Equal(t, 0.0, StackCosine(a, &StackHist{}))
	require.Equal(t, 0.0, StackCosine(nil, a))
	require.Equal(t, 0.0, StackCosine(a, &StackHist{1, 0, 1, 0, 1}))
}

func TestExtractMicro(t *testing.T) {
	tests := []struct {
		name  string
		m     *ir.Method
		graph bool
		want  Micro
	}{
		{
			name:  "straight line",
			m:     irtest.StraightLine(2),
			graph: true,
			want:  NoParams | NoReturn | Leaf | StraightLine | LocalReader,
		},
		{
			name:  "loop",
			m:     irtest.Loop(),
			graph: true,
			want:  NoParams | NoReturn | Leaf | Looping | LocalReader | LocalWriter,
		},
		{
			name: "loop without graph",
			m:    irtest.Loop(),
			want: NoParams | NoReturn | Leaf | LocalReader | LocalWriter,
		},
		{
			name: "recursive field writer",
			m: irtest.Method("f", "(I)I",
				irtest.PutField("a/A", "x", "I"),
				irtest.Invoke(ir.InvokeVirtual, "a/A", "f", "(I)I"),
				irtest.Invoke(ir.InvokeVirtual, "a/B", "f", "()V"),
				irtest.New("a/A"),
				irtest.Throw(),
			),
			want: Recursive | SameName | FieldWriter | ObjectCreator | Exceptions | StraightLine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g *cfg.CFG
			var d *cfg.Dominators
			if tt.graph {
				st := structure(t, tt.m)
				g, d = st.Graph, st.Dom
			}
			require.Equal(t, tt.want.String(), ExtractMicro("a/A", tt.m, g, d).String())
		})
	}
}

func TestExtractMethod(t *testing.T) {
	m := irtest.Method("run", "(La/B;)V",
		irtest.GetField("a/A", "n", "I"),
		irtest.GetField("a/A", "n", "I"),
		irtest.PutField("a/A", "n", "I"),
		irtest.StrConst("x"),
		irtest.StrConst("hello"),
		irtest.Invoke(ir.InvokeVirtual, "a/B", "go", "(La/A;)V"),
		irtest.Invoke(ir.InvokeVirtual, "java/io/PrintStream", "println", "()V"),
		irtest.Return(),
	)
	f := ExtractMethod(stablehash.XXH64{}, "a/A", m, structure(t, m))

	require.Equal(t, ir.MethodRef{Owner: "a/A", Name: "run", Desc: "(La/B;)V"}, f.Ref)
	require.True(t, f.HasSignature())
	require.False(t, f.Leaf)
	require.Equal(t, []string{"a/B#go:(La/A;)V"}, f.Calls, "library calls are left out")
	require.Equal(t, []string{"hello"}, f.Strings)
	require.Equal(t, 2, f.RawOpcodes["getfield"])
	require.Len(t, f.Callees, 2)
	require.Equal(t, []FieldUse{{Ref: ir.FieldRef{Owner: "a/A", Name: "n", Desc: "I"}, Reads: 2, Writes: 1}}, f.Fields)
	require.NotNil(t, f.Stack)

	classMap := map[string]string{"a/B": "z/Q", "a/A": "z/P"}
	r := f.Remap(func(name string) (string, bool) {
		to, ok := classMap[name]
		return to, ok
	})
	require.Equal(t, "(Lz/Q;)V", r.Desc)
	require.Equal(t, []string{"z/Q#go:(Lz/P;)V"}, r.Calls)
	require.Equal(t, "(La/B;)V", f.Desc, "remapping leaves the receiver untouched")
	require.Equal(t, f.Ref, r.Ref)
}

func TestExtractMethod_NoStructure(t *testing.T) {
	f := ExtractMethod(stablehash.XXH64{}, "a/A", irtest.Loop(), nil)
	require.False(t, f.HasSignature())
	require.False(t, f.Micro.Has(Looping))
}

func class(name, super string, methods int, fields ...string) *ir.Class {
	c := &ir.Class{Name: name, Super: super}
	for i := range methods {
		c.Methods = append(c.Methods, &ir.Method{Name: string(rune('a' + i)), Desc: "(La/X;)I"})
	}
	for i, desc := range fields {
		c.Fields = append(c.Fields, &ir.Field{Name: string(rune('f' + i)), Desc: desc})
	}
	return c
}

func TestClassFingerprint(t *testing.T) {
	sig := func(h uint64) *MethodFeatures {
		return &MethodFeatures{Signature: &wl.Signature{Hash: h}, Micro: Leaf | NoReturn}
	}
	a := NewClassFingerprint(class("a/A", "a/Base", 2, "I"), []*MethodFeatures{sig(1), sig(2)})
	b := NewClassFingerprint(class("b/Q", "b/Other", 2, "I"), []*MethodFeatures{sig(2), sig(1)})
	require.Equal(t, a.Key(), b.Key(), "names do not enter the key")
	require.Equal(t, 2, a.Micro[4])
	require.InDelta(t, 1.0, ClassSimilarity(a, b), 1e-9)

	c := NewClassFingerprint(class("c/C", ir.ObjectClass, 5), []*MethodFeatures{sig(3)})
	require.NotEqual(t, a.Key(), c.Key())
	require.Less(t, ClassSimilarity(a, c), 0.5)
}

func TestCountSimAndOverlap(t *testing.T) {
	require.Equal(t, 1.0, countSim(3, 3, 2, 2))
	require.InDelta(t, 0.6*(1/(1+2/3.0))+0.4, countSim(2, 4, 0, 0), 1e-12)

	root := &ClassFingerprint{Super: ir.ObjectClass}
	require.Equal(t, 0.0, typeOverlap(root, root), "the implicit root does not count")
	run := &ClassFingerprint{Super: ir.ObjectClass, Interfaces: []string{"java/lang/Runnable"}}
	both := &ClassFingerprint{Super: "obf", Interfaces: []string{"java/lang/Runnable"}}
	require.Equal(t, 0.5, typeOverlap(run, both))
}

func TestTypeEvidence(t *testing.T) {
	a := NewTypeEvidence(class("a/A", ir.ObjectClass, 2, "I", "I", "La/B;"))
	require.Equal(t,
		"super=java/lang/Object\ninterfaces=\nfieldTypes=I:2,Lobf;:1\nmethodTypes=I:2,Lobf;:2\ncounts=3,2\n",
		string(a.Bytes()))

	b := NewTypeEvidence(class("x/Y", ir.ObjectClass, 2, "I", "I", "Lx/Z;"))
	require.Equal(t, a.Bytes(), b.Bytes())
	require.InDelta(t, 1.0, a.Similarity(b), 1e-12)

	c := NewTypeEvidence(class("c/C", "c/D", 1, "J"))
	// fields 0/4, methods 2/4 (I:1 vs 2, Lobf; 1 vs 2), super differs, interfaces both empty.
	require.InDelta(t, 0.30*0.5+0.10, a.Similarity(c), 1e-12)
}

func TestJaccardEmpty(t *testing.T) {
	require.Equal(t, 1.0, multisetJaccard(nil, map[string]int{}))
	require.Equal(t, 1.0, setJaccard(nil, nil))
	require.Equal(t, 1.0/3, setJaccard([]string{"a", "b"}, []string{"b", "c"}))
}
