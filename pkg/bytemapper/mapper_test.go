package bytemapper

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/bytemapper/internal/config"
	"github.com/715d/bytemapper/internal/irtest"
	"github.com/715d/bytemapper/internal/weights"
	"github.com/715d/bytemapper/pkg/ir"
)

// worker builds a class whose three methods call each other in a ring and
// share one int field.
func worker(name, field string) *ir.Class {
	v := ir.InvokeVirtual
	return &ir.Class{
		Name:   name,
		Super:  ir.ObjectClass,
		Fields: []*ir.Field{{Name: field, Desc: "I"}},
		Methods: []*ir.Method{
			irtest.Method("reset", "()V",
				irtest.Load(0),
				irtest.IntConst(0),
				irtest.PutField(name, field, "I"),
				irtest.Load(0),
				irtest.Invoke(v, name, "run", "()V"),
				irtest.Return(),
			),
			irtest.Method("run", "()V",
				irtest.Load(0),
				irtest.GetField(name, field, "I"),
				irtest.Store(1),
				irtest.Load(0),
				irtest.IntConst(3),
				irtest.Invoke(v, name, "step", "(I)V"),
				irtest.Return(),
			),
			irtest.Method("step", "(I)V",
				irtest.Load(1),
				irtest.Branch("ifeq", 5),
				irtest.Load(0),
				irtest.GetField(name, field, "I"),
				irtest.Store(2),
				irtest.StrConst("tick"),
				irtest.Store(3),
				irtest.Load(0),
				irtest.Invoke(v, name, "reset", "()V"),
				irtest.Return(),
			),
		},
	}
}

// util builds a class with a single leaf method.
func util(name string) *ir.Class {
	return &ir.Class{
		Name:  name,
		Super: ir.ObjectClass,
		Methods: []*ir.Method{
			irtest.Method("twice", "(I)I",
				irtest.Load(0),
				irtest.Load(0),
				irtest.Add(),
				irtest.Op(ir.KindReturn, "ireturn"),
			),
		},
	}
}

func programs() (oldProg, newProg *ir.Program) {
	gone := &ir.Class{Name: "a/Gone", Super: ir.ObjectClass, Methods: []*ir.Method{irtest.Loop()}}
	oldProg = &ir.Program{Classes: []*ir.Class{worker("a/A", "count"), gone, util("a/Util")}}
	newProg = &ir.Program{Classes: []*ir.Class{worker("b/X", "f"), util("b/Y")}}
	return oldProg, newProg
}

func newMapper(t *testing.T, c *config.Config, store weights.Store) *Mapper {
	t.Helper()
	m, err := NewMapper(Options{Config: c, Weights: store})
	require.NoError(t, err)
	return m
}

func TestMap(t *testing.T) {
	oldProg, newProg := programs()
	res, err := newMapper(t, nil, nil).Map(context.Background(), oldProg, newProg)
	require.NoError(t, err)

	require.Equal(t, []ClassMatch{
		{Old: "a/A", New: "b/X", Score: 1, Anchor: true},
		{Old: "a/Util", New: "b/Y", Score: 1, Anchor: true},
	}, res.Classes)

	var methods []string
	for _, mm := range res.Methods {
		methods = append(methods, mm.Old+" "+mm.New)
		require.GreaterOrEqual(t, mm.Score, 0.60)
		require.NotEmpty(t, mm.Tier)
	}
	require.Equal(t, []string{
		"a/A#reset()V b/X#reset()V",
		"a/A#run()V b/X#run()V",
		"a/A#step(I)V b/X#step(I)V",
		"a/Util#twice(I)I b/Y#twice(I)I",
	}, methods)

	// The leaf scores low on its own but is byte-identical, so it anchors.
	twice := res.Methods[3]
	require.Equal(t, MethodMatch{Old: "a/Util#twice(I)I", New: "b/Y#twice(I)I", Score: 1, Base: 1, Tier: "anchor"}, twice)

	require.Equal(t, []FieldMatch{{Old: "a/A.count:I", New: "b/X.f:I", Support: 3, RatioSim: 1}}, res.Fields)

	require.Equal(t, []Abstention{{Kind: KindClass, Old: "a/Gone", Reason: "no_candidates"}}, res.Abstentions)
	require.Equal(t, 1, res.Abstained(KindClass))
	require.Zero(t, res.Abstained(KindMethod))

	require.Len(t, res.Refinement, 2)
	require.Equal(t, "a/A", res.Refinement[0].Class)
	require.Equal(t, 3, res.Refinement[0].Frozen, "strong matches are frozen")
	require.Equal(t, 1, res.Refinement[1].Frozen, "anchors are frozen")
	require.Equal(t, config.Default().Echo(), res.Config)
	require.Zero(t, res.AnalysisFailures)
	require.Positive(t, res.Cache.Misses)
}

func TestMap_Deterministic(t *testing.T) {
	run := func() []byte {
		oldProg, newProg := programs()
		c, _ := config.NewBuilder().Parallelism(4).Build()
		res, err := newMapper(t, &c, nil).Map(context.Background(), oldProg, newProg)
		require.NoError(t, err)
		out, err := json.Marshal(res)
		require.NoError(t, err)
		return out
	}
	require.Equal(t, string(run()), string(run()))
}

func TestMap_ClassMatchers(t *testing.T) {
	tests := []struct {
		name    string
		matcher config.ClassMatcher
	}{
		{name: "structural", matcher: config.ClassStructural},
		{name: "types", matcher: config.ClassTypes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := config.NewBuilder().ClassMatcher(tt.matcher).Build()
			oldProg, newProg := programs()
			res, err := newMapper(t, &c, nil).Map(context.Background(), oldProg, newProg)
			require.NoError(t, err)

			got := make(map[string]string)
			for _, cm := range res.Classes {
				got[cm.Old] = cm.New
			}
			require.Equal(t, "b/X", got["a/A"])
			require.Len(t, res.Methods, 4)
		})
	}
}

func TestMap_AnalysisFailureIsScoped(t *testing.T) {
	oldProg, newProg := programs()
	for _, p := range []*ir.Program{oldProg, newProg} {
		c := p.Classes[0]
		c.Methods = append(c.Methods, irtest.Method("broken", "()V", irtest.Load(0)))
	}

	res, err := newMapper(t, nil, nil).Map(context.Background(), oldProg, newProg)
	require.NoError(t, err)
	require.Equal(t, 2, res.AnalysisFailures)
	require.Len(t, res.Methods, 4, "sibling methods still match")

	i := slices.IndexFunc(res.Abstentions, func(a Abstention) bool { return a.Old == "a/A#broken()V" })
	require.GreaterOrEqual(t, i, 0)
	require.Equal(t, "no_candidates", res.Abstentions[i].Reason)
}

func TestMap_RefineDisabled(t *testing.T) {
	c, _ := config.NewBuilder().Refine(false).Build()
	oldProg, newProg := programs()
	res, err := newMapper(t, &c, nil).Map(context.Background(), oldProg, newProg)
	require.NoError(t, err)
	require.Empty(t, res.Refinement)
	for _, mm := range res.Methods {
		require.Equal(t, mm.Base, mm.Score)
	}
}

type failingStore struct{ loadErr, saveErr error }

func (s failingStore) Load(context.Context) (weights.Weights, error) {
	if s.loadErr != nil {
		return weights.Weights{}, s.loadErr
	}
	return weights.Default(), nil
}

func (s failingStore) Save(context.Context, weights.Weights) error { return s.saveErr }

func TestMap_Weights(t *testing.T) {
	unavailable := fmt.Errorf("%w: disk gone", weights.ErrUnavailable)

	t.Run("updated after a run", func(t *testing.T) {
		store := &weights.Memory{}
		oldProg, newProg := programs()
		_, err := newMapper(t, nil, store).Map(context.Background(), oldProg, newProg)
		require.NoError(t, err)

		w, err := store.Load(context.Background())
		require.NoError(t, err)
		require.NotEqual(t, weights.Default().IDF, w.IDF)
	})

	t.Run("load failure aborts", func(t *testing.T) {
		oldProg, newProg := programs()
		_, err := newMapper(t, nil, failingStore{loadErr: unavailable}).Map(context.Background(), oldProg, newProg)
		require.ErrorIs(t, err, weights.ErrUnavailable)
	})

	t.Run("save failure aborts", func(t *testing.T) {
		oldProg, newProg := programs()
		_, err := newMapper(t, nil, failingStore{saveErr: unavailable}).Map(context.Background(), oldProg, newProg)
		require.ErrorIs(t, err, weights.ErrUnavailable)
		require.True(t, strings.HasPrefix(err.Error(), "saving weights"))
	})
}

func TestMap_Errors(t *testing.T) {
	m := newMapper(t, nil, nil)
	_, err := m.Map(context.Background(), nil, &ir.Program{})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	oldProg, newProg := programs()
	_, err = m.Map(ctx, oldProg, newProg)
	require.ErrorIs(t, err, context.Canceled)
}
