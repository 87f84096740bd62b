package features

import (
	"math/bits"
	"strings"

	"github.com/715d/bytemapper/internal/cfg"
	"github.com/715d/bytemapper/pkg/ir"
)

// Micro is a set of micropattern bits. The bit order is frozen; persisted
// term weights are indexed by it.
type Micro uint32

const (
	NoParams Micro = 1 << iota
	NoReturn
	Recursive
	SameName
	Leaf
	ObjectCreator
	FieldReader
	FieldWriter
	TypeManipulator
	StraightLine
	Looping
	Exceptions
	LocalReader
	LocalWriter
	ArrayCreator
	ArrayReader
	ArrayWriter
)

// MicroBits is the number of micropatterns.
const MicroBits = 17

var microNames = [MicroBits]string{
	"NoParams", "NoReturn", "Recursive", "SameName", "Leaf", "ObjectCreator",
	"FieldReader", "FieldWriter", "TypeManipulator", "StraightLine", "Looping",
	"Exceptions", "LocalReader", "LocalWriter", "ArrayCreator", "ArrayReader",
	"ArrayWriter",
}

// Has reports whether every bit of p is set.
func (m Micro) Has(p Micro) bool { return m&p == p }

// Bit reports whether the i-th micropattern is set.
func (m Micro) Bit(i int) bool { return m&(1<<i) != 0 }

// Count returns the number of set micropatterns.
func (m Micro) Count() int { return bits.OnesCount32(uint32(m)) }

func (m Micro) String() string {
	var parts []string
	for i, name := range microNames {
		if m.Bit(i) {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// ExtractMicro computes the micropatterns of m declared in owner. g and d
// may be nil when the method has no graph; Looping is then left unset.
func ExtractMicro(owner string, m *ir.Method, g *cfg.CFG, d *cfg.Dominators) Micro {
	var out Micro
	if ir.ArgCount(m.Desc) == 0 {
		out |= NoParams
	}
	if ir.ReturnsVoid(m.Desc) {
		out |= NoReturn
	}
	leaf, straight := true, true
	for i := range m.Code {
		in := &m.Code[i]
		switch in.Kind {
		case ir.KindInvoke:
			leaf = false
			switch {
			case in.Owner == owner && in.Name == m.Name && in.Desc == m.Desc:
				out |= Recursive
			case in.Name == m.Name && in.Name != "<init>" && in.Name != "<clinit>":
				out |= SameName
			}
		case ir.KindInvokeDynamic:
			leaf = false
		case ir.KindJump, ir.KindBranch, ir.KindSwitch:
			straight = false
		case ir.KindLoad:
			out |= LocalReader
		case ir.KindStore:
			out |= LocalWriter
		case ir.KindField:
			if in.IsFieldWrite() {
				out |= FieldWriter
			} else {
				out |= FieldReader
			}
		case ir.KindNewArray:
			out |= ArrayCreator
		case ir.KindArrayLoad:
			out |= ArrayReader
		case ir.KindArrayStore:
			out |= ArrayWriter
		case ir.KindTypeCheck:
			out |= TypeManipulator
		case ir.KindThrow:
			out |= Exceptions
		case ir.KindNew:
			out |= ObjectCreator
		case ir.KindNop, ir.KindConst, ir.KindArith, ir.KindConvert, ir.KindStack,
			ir.KindArrayLength, ir.KindReturn, ir.KindMonitor:
		}
	}
	if leaf {
		out |= Leaf
	}
	if straight {
		out |= StraightLine
	}
	if g != nil && d != nil && d.HasBackEdge(g) {
		out |= Looping
	}
	return out
}
