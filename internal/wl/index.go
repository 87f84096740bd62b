package wl

import (
	"sync"

	"github.com/715d/bytemapper/internal/stablehash"
)

// Index answers exact bag-equality lookups over a fixed list of bags. The
// bucket map is built on first use and never modified afterwards.
type Index struct {
	strategy stablehash.Strategy
	bags     []Bag

	once    sync.Once
	buckets map[uint64][]int
}

// NewIndex indexes bags by position. bags must not be modified afterwards.
func NewIndex(s stablehash.Strategy, bags []Bag) *Index {
	if s == nil {
		s = stablehash.Default
	}
	return &Index{strategy: s, bags: bags}
}

func (x *Index) build() {
	x.buckets = make(map[uint64][]int, len(x.bags))
	for i, b := range x.bags {
		if b.Size() == 0 {
			continue
		}
		k := b.Key(x.strategy)
		x.buckets[k] = append(x.buckets[k], i)
	}
}

// Lookup returns the ascending positions of bags equal to b. Empty bags
// never match.
func (x *Index) Lookup(b Bag) []int {
	x.once.Do(x.build)
	if b.Size() == 0 {
		return nil
	}
	var out []int
	for _, i := range x.buckets[b.Key(x.strategy)] {
		if x.bags[i].Equal(b) {
			out = append(out, i)
		}
	}
	return out
}

// Buckets returns the number of distinct keys.
func (x *Index) Buckets() int {
	x.once.Do(x.build)
	return len(x.buckets)
}
