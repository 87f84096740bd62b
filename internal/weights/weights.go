// Package weights persists the micropattern term weights used by the
// method scorer.
//
// Each of the 17 micropattern bits carries an IDF-like weight. A run loads the
// stored weights, scores with them, folds the old program's document
// frequencies in with an exponential moving average and saves the result.
package weights

import (
	"context"
	"errors"
	"math"

	"github.com/715d/bytemapper/internal/features"
)

// ErrUnavailable is returned when a store cannot be read or written. It is
// fatal for the run.
var ErrUnavailable = errors.New("weight store unavailable")

const (
	// DefaultLambda is the share of the stored weight kept by an update.
	DefaultLambda = 0.90

	MinWeight = 0.5
	MaxWeight = 3.0
)

// Weights are per-micropattern term weights.
type Weights struct {
	IDF    [features.MicroBits]float64
	Lambda float64
}

// Default returns unit weights.
func Default() Weights {
	w := Weights{Lambda: DefaultLambda}
	for i := range w.IDF {
		w.IDF[i] = 1
	}
	return w
}

// Store loads and saves weights.
type Store interface {
	// Load returns the stored weights, or Default when nothing was stored yet.
	Load(ctx context.Context) (Weights, error)
	Save(ctx context.Context, w Weights) error
}

// Frequencies counts, per micropattern bit, how many methods set it.
func Frequencies(micros []features.Micro) (df [features.MicroBits]int, n int) {
	for _, m := range micros {
		for i := range features.MicroBits {
			if m.Bit(i) {
				df[i]++
			}
		}
	}
	return df, len(micros)
}

// Update blends fresh weights for n methods with document frequencies df
// into w. Every weight stays in [MinWeight, MaxWeight] with four decimals.
func (w Weights) Update(df [features.MicroBits]int, n int) Weights {
	lambda := w.Lambda
	if lambda <= 0 || lambda > 1 {
		lambda = DefaultLambda
	}
	out := Weights{Lambda: lambda}
	for i := range out.IDF {
		fresh := math.Log(float64(n+1)/float64(df[i]+1)) + 1
		out.IDF[i] = round4(clamp(lambda*w.IDF[i] + (1-lambda)*fresh))
	}
	return out
}

// Normalize clamps and rounds every weight. Loaded weights go through it so
// a hand-edited store cannot push values out of range.
func (w Weights) Normalize() Weights {
	for i := range w.IDF {
		w.IDF[i] = round4(clamp(w.IDF[i]))
	}
	if w.Lambda <= 0 || w.Lambda > 1 {
		w.Lambda = DefaultLambda
	}
	return w
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 1
	}
	return min(max(v, MinWeight), MaxWeight)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// Memory keeps weights in process. The zero value starts from Default.
type Memory struct {
	w     Weights
	saved bool
}

func (m *Memory) Load(context.Context) (Weights, error) {
	if !m.saved {
		return Default(), nil
	}
	return m.w, nil
}

func (m *Memory) Save(_ context.Context, w Weights) error {
	m.w, m.saved = w, true
	return nil
}
