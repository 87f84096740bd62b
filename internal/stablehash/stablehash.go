// Package stablehash provides the versioned 64-bit hash strategies used for
// every persisted or compared signature.
//
// A signature is only comparable with signatures produced by the same
// strategy version. Encoders build a canonical text form first and hash it,
// so the byte layout fed to a strategy never depends on platform endianness.
package stablehash

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Strategy is a deterministic 64-bit hash over bytes.
type Strategy interface {
	// Version names the algorithm and its encoding revision.
	Version() string
	Sum64(data []byte) uint64
	Sum64String(s string) uint64
}

const (
	VersionFNV1a  = "fnv1a64-v1"
	VersionXXH64  = "xxh64-v1"
	VersionBlake3 = "blake3-64-v1"
)

// Default is the strategy used when none is configured.
var Default Strategy = XXH64{}

// ByName returns the strategy with the given version string.
func ByName(version string) (Strategy, error) {
	switch version {
	case "", VersionXXH64:
		return XXH64{}, nil
	case VersionFNV1a:
		return FNV1a{}, nil
	case VersionBlake3:
		return Blake3{}, nil
	}
	return nil, fmt.Errorf("unknown hash strategy %q", version)
}

// Versions lists the supported strategy versions.
func Versions() []string {
	return []string{VersionBlake3, VersionFNV1a, VersionXXH64}
}

// XXH64 is xxHash64 with seed 0.
type XXH64 struct{}

func (XXH64) Version() string { return VersionXXH64 }
func (XXH64) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }
func (XXH64) Sum64String(s string) uint64 { return xxhash.Sum64String(s) }

// FNV1a is 64-bit FNV-1a (offset basis 0xcbf29ce484222325, prime 0x100000001b3).
type FNV1a struct{}

func (FNV1a) Version() string { return VersionFNV1a }

func (FNV1a) Sum64(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}

func (f FNV1a) Sum64String(s string) uint64 {
	return f.Sum64([]byte(s))
}

// Blake3 truncates a BLAKE3-256 digest to its first 8 bytes, little endian.
type Blake3 struct{}

func (Blake3) Version() string { return VersionBlake3 }

func (Blake3) Sum64(data []byte) uint64 {
	sum := blake3.Sum256(data)
	return binary.LittleEndian.Uint64(sum[:8])
}

func (b Blake3) Sum64String(s string) uint64 {
	return b.Sum64([]byte(s))
}

// Ints hashes a sorted int list encoded as "I:x0,x1,...,".
func Ints(s Strategy, xs []int) uint64 {
	buf := make([]byte, 0, 2+len(xs)*4)
	buf = append(buf, 'I', ':')
	for _, x := range xs {
		buf = strconv.AppendInt(buf, int64(x), 10)
		buf = append(buf, ',')
	}
	return s.Sum64(buf)
}

// Tuple hashes fields encoded as "T|a|b|...".
func Tuple(s Strategy, fields ...uint64) uint64 {
	buf := make([]byte, 0, 2+len(fields)*8)
	buf = append(buf, 'T')
	for _, f := range fields {
		buf = append(buf, '|')
		buf = strconv.AppendUint(buf, f, 10)
	}
	return s.Sum64(buf)
}

// Multiset hashes the sorted multiset of vals encoded as "MS|v1,v2,...,".
// vals is not modified. The empty multiset hashes "MS|".
func Multiset(s Strategy, vals []uint64) uint64 {
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	buf := make([]byte, 0, 3+len(sorted)*21)
	buf = append(buf, 'M', 'S', '|')
	for _, v := range sorted {
		buf = strconv.AppendUint(buf, v, 10)
		buf = append(buf, ',')
	}
	return s.Sum64(buf)
}

// Concat hashes an ordered list encoded as "C|p1|p2|...|".
func Concat(s Strategy, parts ...uint64) uint64 {
	buf := make([]byte, 0, 2+len(parts)*21)
	buf = append(buf, 'C', '|')
	for _, p := range parts {
		buf = strconv.AppendUint(buf, p, 10)
		buf = append(buf, '|')
	}
	return s.Sum64(buf)
}

// Pair hashes an ordered "a->b" pair. It is the tie-break key for every
// ranking of (source, target) pairs.
func Pair(s Strategy, a, b string) uint64 {
	return s.Sum64String(a + "->" + b)
}
