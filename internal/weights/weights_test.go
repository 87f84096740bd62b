package weights

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/bytemapper/internal/features"
)

func TestUpdate(t *testing.T) {
	var df [features.MicroBits]int
	df[0] = 9 // set everywhere
	df[1] = 0 // never set
	df[2] = 4

	w := Default().Update(df, 9)
	require.Equal(t, 1.0, w.IDF[0], "0.9*1 + 0.1*1")
	require.Equal(t, round4(0.9+0.1*(math.Log(10)+1)), w.IDF[1])
	require.Equal(t, round4(0.9+0.1*(math.Log(2)+1)), w.IDF[2])
	require.Equal(t, DefaultLambda, w.Lambda)

	for _, v := range w.IDF {
		require.GreaterOrEqual(t, v, MinWeight)
		require.LessOrEqual(t, v, MaxWeight)
		require.Equal(t, v, round4(v))
	}
}

func TestUpdate_Clamps(t *testing.T) {
	w := Weights{Lambda: 0.5}
	w.IDF[0] = 10
	w.IDF[1] = 0
	var df [features.MicroBits]int
	df[1] = 100

	out := w.Update(df, 100)
	require.Equal(t, MaxWeight, out.IDF[0])
	require.Equal(t, MinWeight, out.IDF[1])
}

func TestFrequencies(t *testing.T) {
	df, n := Frequencies([]features.Micro{
		features.NoParams | features.Leaf,
		features.Leaf,
		0,
	})
	require.Equal(t, 3, n)
	require.Equal(t, 1, df[0])
	require.Equal(t, 2, df[4])
	require.Equal(t, 0, df[16])
}

func TestOpen(t *testing.T) {
	require.IsType(t, &Memory{}, Open(""))
	require.IsType(t, &SQLiteStore{}, Open("w.db"))
	require.IsType(t, &SQLiteStore{}, Open("w.SQLite"))
	require.IsType(t, &FileStore{}, Open("w.yaml"))
	require.IsType(t, &FileStore{}, Open("weights"))
}

func TestStores_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		store Store
	}{
		{name: "memory", store: &Memory{}},
		{name: "yaml", store: &FileStore{Path: filepath.Join(dir, "sub", "weights.yaml")}},
		{name: "sqlite", store: &SQLiteStore{Path: filepath.Join(dir, "weights.db")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			first, err := tt.store.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, Default(), first, "an empty store yields defaults")

			var df [features.MicroBits]int
			df[3] = 2
			updated := first.Update(df, 20)
			require.NoError(t, tt.store.Save(ctx, updated))

			loaded, err := tt.store.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, updated, loaded)

			// Saving twice replaces rather than appends.
			require.NoError(t, tt.store.Save(ctx, Default()))
			loaded, err = tt.store.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, Default(), loaded)
		})
	}
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weights: [1, 2"), 0o644))

	_, err := (&FileStore{Path: path}).Load(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestFileStore_OutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weights:\n  Leaf: 7.123456\n  NoParams: 0.1\n"), 0o644))

	w, err := (&FileStore{Path: path}).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, MaxWeight, w.IDF[4])
	require.Equal(t, MinWeight, w.IDF[0])
	require.Equal(t, 1.0, w.IDF[1])
}

func TestSQLiteStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.db")
	require.NoError(t, os.WriteFile(path, []byte("not a database"), 0o644))

	_, err := (&SQLiteStore{Path: path}).Load(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}
