package cfg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/bytemapper/internal/irtest"
	"github.com/715d/bytemapper/pkg/ir"
)

func mustAnalyze(t *testing.T, m *ir.Method) (*CFG, *Dominators) {
	t.Helper()
	g, err := Build(m)
	require.NoError(t, err)
	d, err := ComputeDominators(g)
	require.NoError(t, err)
	return g, d
}

func TestDominators_Diamond(t *testing.T) {
	_, d := mustAnalyze(t, irtest.Diamond())

	for b := range 4 {
		require.Equal(t, 0, d.IDom(b), "idom of %d", b)
	}
	require.Equal(t, []int{1, 2, 3}, d.Children(0))
	require.Equal(t, 0, d.Depth(0))
	require.Equal(t, 1, d.Depth(3))
	require.True(t, d.Dominates(0, 3))
	require.False(t, d.Dominates(1, 3), "one arm does not dominate the join")
}

func TestDominators_Loop(t *testing.T) {
	g, d := mustAnalyze(t, irtest.Loop())

	require.Equal(t, 0, d.IDom(1))
	require.Equal(t, 1, d.IDom(2))
	require.Equal(t, 1, d.IDom(3))
	require.Equal(t, 2, d.Depth(3))
	require.Equal(t, []int{2, 3}, d.Children(1))

	require.True(t, d.IsLoopHeader(g, 1))
	require.False(t, d.IsLoopHeader(g, 2))
	require.Equal(t, 1, d.LoopCount(g))
	require.True(t, d.HasBackEdge(g))
}

func TestDominators_Relation(t *testing.T) {
	for _, m := range []*ir.Method{irtest.Diamond(), irtest.Loop(), irtest.StraightLine(2)} {
		t.Run(m.Name, func(t *testing.T) {
			g, d := mustAnalyze(t, m)
			n := g.Len()
			for a := range n {
				require.True(t, d.Dominates(a, a), "reflexive at %d", a)
				require.False(t, d.StrictlyDominates(a, a))
				require.True(t, d.Dominates(0, a), "entry dominates %d", a)
				for b := range n {
					for c := range n {
						if d.Dominates(a, b) && d.Dominates(b, c) {
							require.True(t, d.Dominates(a, c), "transitive %d %d %d", a, b, c)
						}
					}
				}
			}
		})
	}
}

func TestDominators_StraightLineHasNoBackEdge(t *testing.T) {
	g, d := mustAnalyze(t, irtest.StraightLine(4))
	require.False(t, d.HasBackEdge(g))
	require.Equal(t, 0, d.LoopCount(g))
	require.Equal(t, []int{0}, d.RPO())
}

func TestFrontier_Diamond(t *testing.T) {
	g, d := mustAnalyze(t, irtest.Diamond())
	df := ComputeFrontier(g, d)

	join := 3
	for _, p := range g.Blocks[join].Preds {
		require.Contains(t, df[p], join, "join must be in DF of predecessor %d", p)
	}
	require.Empty(t, df[0])
	require.Empty(t, df[join])
	require.Equal(t, df, df.Iterate(), "acyclic diamond frontier is already closed")
}

func TestFrontier_Loop(t *testing.T) {
	g, d := mustAnalyze(t, irtest.Loop())
	df := ComputeFrontier(g, d)

	require.Equal(t, Frontier{nil, {1}, {1}, nil}, df)
	require.Equal(t, Frontier{nil, {1}, {1}, nil}, df.Iterate())
}

func TestFrontier_IterateClosure(t *testing.T) {
	df := Frontier{{1}, {2}, {3}, nil}
	require.Equal(t, Frontier{{1, 2, 3}, {2, 3}, {3}, nil}, df.Iterate())
}

func TestFrontier_Definition(t *testing.T) {
	// Nested branches inside a loop.
	m := irtest.Method("m", "()V",
		irtest.Load(0),           // 0
		irtest.Branch("ifeq", 9), // 1
		irtest.Load(1),           // 2
		irtest.Branch("ifne", 6), // 3
		irtest.Load(2),           // 4
		irtest.Jump(7),           // 5
		irtest.Load(3),           // 6
		irtest.Jump(0),           // 7
		irtest.Nop(),             // 8 unreachable
		irtest.Return(),          // 9
	)
	g, d := mustAnalyze(t, m)
	df := ComputeFrontier(g, d)

	n := g.Len()
	for x := range n {
		var want []int
		for y := range n {
			inDF := false
			for _, p := range g.Blocks[y].Preds {
				if d.Dominates(x, p) && !d.StrictlyDominates(x, y) {
					inDF = true
				}
			}
			if inDF {
				want = append(want, y)
			}
		}
		require.Equal(t, want, df[x], "DF of block %d", g.Blocks[x].ID)
	}
}
