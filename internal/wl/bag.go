package wl

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/715d/bytemapper/internal/stablehash"
)

// Bag is a sorted multiset of 64-bit labels. Keys ascend as unsigned
// integers; counts are aligned with keys. A Bag is immutable.
type Bag struct {
	keys   []uint64
	counts []int
	size   int
	norm2  float64
}

// NewBag counts labels into a bag.
func NewBag(labels []uint64) Bag {
	sorted := slices.Clone(labels)
	slices.Sort(sorted)
	var b Bag
	for i, l := range sorted {
		if i > 0 && sorted[i-1] == l {
			b.counts[len(b.counts)-1]++
			continue
		}
		b.keys = append(b.keys, l)
		b.counts = append(b.counts, 1)
	}
	b.size = len(sorted)
	for _, c := range b.counts {
		b.norm2 += float64(c) * float64(c)
	}
	return b
}

// Len returns the number of distinct labels.
func (b Bag) Len() int { return len(b.keys) }

// Size returns the total count over all labels.
func (b Bag) Size() int { return b.size }

// Norm2 returns the squared L2 norm of the bag as a count vector.
func (b Bag) Norm2() float64 { return b.norm2 }

// Count returns the multiplicity of label.
func (b Bag) Count(label uint64) int {
	i, ok := slices.BinarySearch(b.keys, label)
	if !ok {
		return 0
	}
	return b.counts[i]
}

// Each calls fn for every label in ascending order.
func (b Bag) Each(fn func(label uint64, count int)) {
	for i, k := range b.keys {
		fn(k, b.counts[i])
	}
}

// Equal reports whether both bags hold the same labels with the same counts.
func (b Bag) Equal(o Bag) bool {
	return b.size == o.size && slices.Equal(b.keys, o.keys) && slices.Equal(b.counts, o.counts)
}

// Text serializes the bag as "k1:c1,k2:c2,...," in key order.
func (b Bag) Text() string {
	var sb strings.Builder
	sb.Grow(len(b.keys) * 24)
	for i, k := range b.keys {
		sb.WriteString(strconv.FormatUint(k, 10))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(b.counts[i]))
		sb.WriteByte(',')
	}
	return sb.String()
}

// Key hashes the serialized bag. Equal bags have equal keys; callers must
// still compare with Equal to rule out collisions.
func (b Bag) Key(s stablehash.Strategy) uint64 {
	return s.Sum64String("BAG|" + b.Text())
}

// L1 returns the sum of absolute count differences, merging both sorted key
// lists in one pass.
func L1(a, b Bag) int {
	d := 0
	i, j := 0, 0
	for i < len(a.keys) || j < len(b.keys) {
		switch {
		case j >= len(b.keys) || (i < len(a.keys) && a.keys[i] < b.keys[j]):
			d += a.counts[i]
			i++
		case i >= len(a.keys) || b.keys[j] < a.keys[i]:
			d += b.counts[j]
			j++
		default:
			d += abs(a.counts[i] - b.counts[j])
			i++
			j++
		}
	}
	return d
}

// bandEpsilon absorbs float error so that 10·1.1 rounds up to 11, not 12.
const bandEpsilon = 1e-9

// WithinBand reports whether b's total size lies within ±pct of a's:
// floor(|a|·(1−pct)) ≤ |b| ≤ ceil(|a|·(1+pct)).
func WithinBand(a, b Bag, pct float64) bool {
	lo := int(math.Floor(float64(a.size)*(1-pct) + bandEpsilon))
	hi := int(math.Ceil(float64(a.size)*(1+pct) - bandEpsilon))
	return b.size >= lo && b.size <= hi
}

// Cosine returns dot(a,b)/(‖a‖·‖b‖) over the bags as sparse count vectors.
func Cosine(a, b Bag) float64 {
	if a.norm2 == 0 || b.norm2 == 0 {
		return 0
	}
	dot := 0.0
	i, j := 0, 0
	for i < len(a.keys) && j < len(b.keys) {
		switch {
		case a.keys[i] < b.keys[j]:
			i++
		case a.keys[i] > b.keys[j]:
			j++
		default:
			dot += float64(a.counts[i]) * float64(b.counts[j])
			i++
			j++
		}
	}
	return dot / (math.Sqrt(a.norm2) * math.Sqrt(b.norm2))
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
