package wl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/bytemapper/internal/cfg"
	"github.com/715d/bytemapper/internal/irtest"
	"github.com/715d/bytemapper/internal/stablehash"
	"github.com/715d/bytemapper/pkg/ir"
)

func mustSign(t *testing.T, m *ir.Method, opts Options) Signature {
	t.Helper()
	sig, _, err := Analyze(m, opts)
	require.NoError(t, err)
	return sig
}

// paddedDiamond is Diamond with nops that shift instruction indices but not
// block structure.
func paddedDiamond() *ir.Method {
	return irtest.Method("padded", "(I)V",
		irtest.Load(0),
		irtest.Nop(),
		irtest.Branch("ifeq", 5),
		irtest.Load(1),
		irtest.Jump(7),
		irtest.Nop(),
		irtest.Load(2),
		irtest.Return(),
	)
}

func diamondWithConst(v int64) *ir.Method {
	return irtest.Method("c", "(I)V",
		irtest.Load(0),
		irtest.Branch("ifeq", 4),
		irtest.IntConst(v),
		irtest.Jump(5),
		irtest.Load(2),
		irtest.Return(),
	)
}

func TestRefine_Deterministic(t *testing.T) {
	opts := DefaultOptions()
	a := mustSign(t, irtest.Diamond(), opts)
	b := mustSign(t, irtest.Diamond(), opts)
	require.Equal(t, a.Hash, b.Hash)
	require.True(t, a.Bag.Equal(b.Bag))

	padded := mustSign(t, paddedDiamond(), opts)
	require.Equal(t, a.Hash, padded.Hash, "nop padding must not change the signature")
	require.True(t, a.Bag.Equal(padded.Bag))
	require.Equal(t, 0, L1(a.Bag, padded.Bag))
}

func TestRefine_Sensitive(t *testing.T) {
	opts := DefaultOptions()
	straight := mustSign(t, irtest.StraightLine(3), opts)
	diamond := mustSign(t, irtest.Diamond(), opts)
	loop := mustSign(t, irtest.Loop(), opts)

	require.NotEqual(t, straight.Hash, diamond.Hash)
	require.NotEqual(t, diamond.Hash, loop.Hash)
	require.Equal(t, 1, straight.Blocks)
	require.Equal(t, 4, diamond.Blocks)
	require.Equal(t, 0, diamond.Loops)
	require.Equal(t, 1, loop.Loops)
	require.Equal(t, loop.Blocks, loop.Bag.Size())
}

func TestRefine_MinorChange(t *testing.T) {
	opts := DefaultOptions()
	a := mustSign(t, diamondWithConst(1), opts)
	b := mustSign(t, diamondWithConst(2), opts)
	require.LessOrEqual(t, L1(a.Bag, b.Bag), 2)
}

func TestRefine_Options(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Options
		wantSame bool
	}{
		{
			name:     "rounds above max are clamped",
			a:        Options{Rounds: 100, Strategy: stablehash.XXH64{}},
			b:        Options{Rounds: MaxRounds, Strategy: stablehash.XXH64{}},
			wantSame: true,
		},
		{
			name:     "negative rounds are clamped to zero",
			a:        Options{Rounds: -3, Strategy: stablehash.XXH64{}},
			b:        Options{Rounds: 0, Strategy: stablehash.XXH64{}},
			wantSame: true,
		},
		{
			name:     "nil strategy uses the default",
			a:        Options{Rounds: 2},
			b:        Options{Rounds: 2, Strategy: stablehash.Default},
			wantSame: true,
		},
		{
			name:     "strategies produce different hashes",
			a:        Options{Rounds: 2, Strategy: stablehash.XXH64{}},
			b:        Options{Rounds: 2, Strategy: stablehash.FNV1a{}},
			wantSame: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := mustSign(t, irtest.Loop(), tt.a)
			b := mustSign(t, irtest.Loop(), tt.b)
			require.Equal(t, tt.wantSame, a.Hash == b.Hash)
		})
	}
}

func TestRefine_Lite(t *testing.T) {
	full := mustSign(t, irtest.Loop(), Options{Rounds: 4, BlockCap: 800})
	lite := mustSign(t, irtest.Loop(), Options{Rounds: 4, BlockCap: 2})
	require.False(t, full.Lite)
	require.True(t, lite.Lite)
	require.Equal(t, full.Blocks, lite.Blocks)
	require.Equal(t, full.Loops, lite.Loops)
	require.NotEqual(t, full.Hash, lite.Hash)

	oneRound := mustSign(t, irtest.Loop(), Options{Rounds: 1, BlockCap: 2})
	require.Equal(t, oneRound.Hash, lite.Hash, "lite mode runs a single round")
}

func TestRefine_EmptyGraph(t *testing.T) {
	_, err := Refine(&cfg.CFG{}, nil, DefaultOptions())
	require.True(t, errors.Is(err, cfg.ErrAnalysis))
}

func TestAnalyze_Error(t *testing.T) {
	_, _, err := Analyze(irtest.Method("m", "()V", irtest.Load(0)), DefaultOptions())
	require.ErrorIs(t, err, cfg.ErrAnalysis)
}
