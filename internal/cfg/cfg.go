// Package cfg builds reduced control-flow graphs over normalized method
// bodies and computes dominators and dominance frontiers on them.
//
// Blocks are stored in an arena ordered by their first instruction; every
// edge, dominator and frontier refers to a block by its dense index in that
// arena. Index 0 is always the entry block.
package cfg

import (
	"errors"
	"fmt"
	"slices"

	"github.com/715d/bytemapper/pkg/ir"
)

// ErrAnalysis marks a method whose control flow cannot be analyzed. It is
// scoped to that one method.
var ErrAnalysis = errors.New("analysis failed")

// Block is a basic block.
type Block struct {
	// ID is the index of the block's first instruction. It is stable for one
	// CFG instance.
	ID int

	// Start and End delimit the instruction span, both inclusive.
	Start, End int

	// Preds and Succs are sorted, distinct dense block indices.
	Preds, Succs []int

	// HandlerStart is set when an exception handler enters at this block.
	HandlerStart bool
}

// CFG is the reduced control-flow graph of one method. It is immutable after
// Build returns.
type CFG struct {
	Blocks []Block
}

// Len returns the number of blocks.
func (g *CFG) Len() int { return len(g.Blocks) }

// IndexOf returns the dense index of the block with the given ID.
func (g *CFG) IndexOf(id int) (int, bool) {
	return slices.BinarySearchFunc(g.Blocks, id, func(b Block, id int) int {
		return b.ID - id
	})
}

// Validate checks that predecessor and successor lists mirror each other and
// reference existing blocks.
func (g *CFG) Validate() error {
	n := len(g.Blocks)
	if n == 0 {
		return fmt.Errorf("%w: no blocks", ErrAnalysis)
	}
	for i, b := range g.Blocks {
		for _, s := range b.Succs {
			if s < 0 || s >= n {
				return fmt.Errorf("%w: block %d has successor %d out of range", ErrAnalysis, b.ID, s)
			}
			if _, ok := slices.BinarySearch(g.Blocks[s].Preds, i); !ok {
				return fmt.Errorf("%w: edge %d->%d missing from predecessor list", ErrAnalysis, b.ID, g.Blocks[s].ID)
			}
		}
		for _, p := range b.Preds {
			if p < 0 || p >= n {
				return fmt.Errorf("%w: block %d has predecessor %d out of range", ErrAnalysis, b.ID, p)
			}
			if _, ok := slices.BinarySearch(g.Blocks[p].Succs, i); !ok {
				return fmt.Errorf("%w: edge %d->%d missing from successor list", ErrAnalysis, g.Blocks[p].ID, b.ID)
			}
		}
	}
	return nil
}

// node is a block under construction, keyed by its first instruction.
type node struct {
	start, end int
	handler    bool
	succs      []int // first-instruction ids
}

// Build reduces a method body into basic blocks.
//
// Leaders are the first instruction, every branch target, every instruction
// following a control transfer, and every handler entry. Blocks overlapping a
// protected range get an edge to the handler. Blocks unreachable from the
// entry are dropped and single-entry fallthrough chains are merged.
func Build(m *ir.Method) (*CFG, error) {
	code := m.Code
	n := len(code)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrAnalysis)
	}

	leader := make([]bool, n)
	leader[0] = true
	for i, in := range code {
		for _, t := range in.Targets {
			if t < 0 || t >= n {
				return nil, fmt.Errorf("%w: instruction %d targets %d outside [0,%d)", ErrAnalysis, i, t, n)
			}
			leader[t] = true
		}
		if in.Kind.IsControlTransfer() && i+1 < n {
			leader[i+1] = true
		}
	}
	handlerAt := make([]bool, n)
	for i, h := range m.Handlers {
		if h.Target < 0 || h.Target >= n || h.Start < 0 || h.End > n || h.Start >= h.End {
			return nil, fmt.Errorf("%w: handler %d has invalid range [%d,%d) -> %d", ErrAnalysis, i, h.Start, h.End, h.Target)
		}
		leader[h.Target] = true
		handlerAt[h.Target] = true
	}

	nodes := make(map[int]*node)
	var order []int
	for i := 0; i < n; {
		j := i + 1
		for j < n && !leader[j] {
			j++
		}
		nodes[i] = &node{start: i, end: j - 1, handler: handlerAt[i]}
		order = append(order, i)
		i = j
	}

	for idx, id := range order {
		nd := nodes[id]
		last := code[nd.end]
		fall := -1
		if idx+1 < len(order) {
			fall = order[idx+1]
		}
		if (last.Kind == ir.KindJump || last.Kind == ir.KindBranch || last.Kind == ir.KindSwitch) && len(last.Targets) == 0 {
			return nil, fmt.Errorf("%w: %s at %d has no target", ErrAnalysis, last.Op, nd.end)
		}
		switch last.Kind {
		case ir.KindJump:
			nd.succs = append(nd.succs, last.Targets[0])
		case ir.KindBranch:
			nd.succs = append(nd.succs, last.Targets[0])
			if fall < 0 {
				return nil, fmt.Errorf("%w: conditional branch at %d falls off the end", ErrAnalysis, nd.end)
			}
			nd.succs = append(nd.succs, fall)
		case ir.KindSwitch:
			nd.succs = append(nd.succs, last.Targets...)
		case ir.KindReturn, ir.KindThrow:
		default:
			if fall < 0 {
				return nil, fmt.Errorf("%w: control falls off the end after %q", ErrAnalysis, last.Op)
			}
			nd.succs = append(nd.succs, fall)
		}
	}

	for _, h := range m.Handlers {
		for _, id := range order {
			nd := nodes[id]
			if nd.start < h.End && h.Start <= nd.end {
				nd.succs = append(nd.succs, h.Target)
			}
		}
	}

	order = dropUnreachable(nodes, order)
	order = mergeChains(code, nodes, order)
	return finish(nodes, order), nil
}

func dropUnreachable(nodes map[int]*node, order []int) []int {
	seen := map[int]bool{order[0]: true}
	work := []int{order[0]}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		for _, s := range nodes[id].succs {
			if !seen[s] {
				seen[s] = true
				work = append(work, s)
			}
		}
	}
	kept := order[:0:0]
	for _, id := range order {
		if seen[id] {
			kept = append(kept, id)
			continue
		}
		delete(nodes, id)
	}
	return kept
}

// mergeChains folds a block into its unique successor's position when the
// successor has no other predecessor and the block ends by falling through.
// Handler entries keep their identity. Restarts after every merge so the
// result only depends on block order.
func mergeChains(code []ir.Instruction, nodes map[int]*node, order []int) []int {
	for {
		preds := predCounts(nodes)
		merged := false
		for _, id := range order {
			b := nodes[id]
			succs := distinct(b.succs)
			if len(succs) != 1 || succs[0] == id {
				continue
			}
			s := nodes[succs[0]]
			if preds[s.start] != 1 || b.handler || s.handler {
				continue
			}
			if code[b.end].Kind.IsControlTransfer() {
				continue
			}
			b.end = s.end
			b.succs = b.succs[:0]
			for _, x := range s.succs {
				if x == s.start {
					x = id
				}
				b.succs = append(b.succs, x)
			}
			delete(nodes, s.start)
			order = slices.DeleteFunc(order, func(x int) bool { return x == s.start })
			merged = true
			break
		}
		if !merged {
			return order
		}
	}
}

func predCounts(nodes map[int]*node) map[int]int {
	counts := make(map[int]int, len(nodes))
	for _, nd := range nodes {
		for _, s := range distinct(nd.succs) {
			counts[s]++
		}
	}
	return counts
}

func distinct(xs []int) []int {
	out := slices.Clone(xs)
	slices.Sort(out)
	return slices.Compact(out)
}

func finish(nodes map[int]*node, order []int) *CFG {
	index := make(map[int]int, len(order))
	for i, id := range order {
		index[id] = i
	}
	g := &CFG{Blocks: make([]Block, len(order))}
	for i, id := range order {
		nd := nodes[id]
		b := Block{ID: id, Start: nd.start, End: nd.end, HandlerStart: nd.handler}
		for _, s := range distinct(nd.succs) {
			b.Succs = append(b.Succs, index[s])
		}
		slices.Sort(b.Succs)
		g.Blocks[i] = b
	}
	for i := range g.Blocks {
		for _, s := range g.Blocks[i].Succs {
			g.Blocks[s].Preds = append(g.Blocks[s].Preds, i)
		}
	}
	return g
}
