package cfg

import (
	"fmt"
	"slices"
)

// Dominators holds the dominator tree of a CFG.
type Dominators struct {
	idom     []int
	depth    []int
	children [][]int
	rpo      []int

	// pre/post numbering of the dominator tree answers Dominates in O(1).
	pre, post []int
}

// ComputeDominators runs the iterative Cooper-Harvey-Kennedy algorithm over
// reverse postorder. Every block must be reachable from the entry.
func ComputeDominators(g *CFG) (*Dominators, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	n := g.Len()

	rpo := reversePostorder(g)
	if len(rpo) != n {
		return nil, fmt.Errorf("%w: %d of %d blocks unreachable from entry", ErrAnalysis, n-len(rpo), n)
	}
	rpoPos := make([]int, n)
	for i, b := range rpo {
		rpoPos[b] = i
	}

	idom := make([]int, n)
	for i := range idom {
		idom[i] = -1
	}
	idom[0] = 0

	for changed := true; changed; {
		changed = false
		for _, b := range rpo[1:] {
			newIdom := -1
			for _, p := range g.Blocks[b].Preds {
				if idom[p] == -1 {
					continue
				}
				if newIdom == -1 {
					newIdom = p
					continue
				}
				newIdom = intersect(idom, rpoPos, p, newIdom)
			}
			if newIdom == -1 {
				return nil, fmt.Errorf("%w: block %d has no processed predecessor", ErrAnalysis, g.Blocks[b].ID)
			}
			if idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}

	d := &Dominators{
		idom:     idom,
		depth:    make([]int, n),
		children: make([][]int, n),
		rpo:      rpo,
		pre:      make([]int, n),
		post:     make([]int, n),
	}
	for b := 1; b < n; b++ {
		d.children[idom[b]] = append(d.children[idom[b]], b)
	}
	d.number()
	return d, nil
}

func intersect(idom, rpoPos []int, a, b int) int {
	for a != b {
		for rpoPos[a] > rpoPos[b] {
			a = idom[a]
		}
		for rpoPos[b] > rpoPos[a] {
			b = idom[b]
		}
	}
	return a
}

// reversePostorder walks successors in ascending index order from the entry.
func reversePostorder(g *CFG) []int {
	n := g.Len()
	visited := make([]bool, n)
	post := make([]int, 0, n)

	type frame struct{ b, next int }
	stack := []frame{{b: 0}}
	visited[0] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := g.Blocks[top.b].Succs
		if top.next < len(succs) {
			s := succs[top.next]
			top.next++
			if !visited[s] {
				visited[s] = true
				stack = append(stack, frame{b: s})
			}
			continue
		}
		post = append(post, top.b)
		stack = stack[:len(stack)-1]
	}
	slices.Reverse(post)
	return post
}

// number assigns depth and pre/post order over the dominator tree.
func (d *Dominators) number() {
	clock := 0
	type frame struct{ b, next int }
	stack := []frame{{b: 0}}
	d.pre[0] = clock
	clock++
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		kids := d.children[top.b]
		if top.next < len(kids) {
			c := kids[top.next]
			top.next++
			d.depth[c] = d.depth[top.b] + 1
			d.pre[c] = clock
			clock++
			stack = append(stack, frame{b: c})
			continue
		}
		d.post[top.b] = clock
		clock++
		stack = stack[:len(stack)-1]
	}
}

// IDom returns the immediate dominator of b. The entry is its own idom.
func (d *Dominators) IDom(b int) int { return d.idom[b] }

// Depth returns the depth of b in the dominator tree; the entry has depth 0.
func (d *Dominators) Depth(b int) int { return d.depth[b] }

// Children returns b's dominator-tree children in ascending order.
func (d *Dominators) Children(b int) []int { return d.children[b] }

// RPO returns the reverse postorder used for the fixpoint.
func (d *Dominators) RPO() []int { return d.rpo }

// Dominates reports whether a dominates b. Every block dominates itself.
func (d *Dominators) Dominates(a, b int) bool {
	return d.pre[a] <= d.pre[b] && d.post[b] <= d.post[a]
}

// StrictlyDominates reports whether a dominates b and a != b.
func (d *Dominators) StrictlyDominates(a, b int) bool {
	return a != b && d.Dominates(a, b)
}

// IsLoopHeader reports whether some predecessor of b is dominated by b.
func (d *Dominators) IsLoopHeader(g *CFG, b int) bool {
	for _, p := range g.Blocks[b].Preds {
		if d.Dominates(b, p) {
			return true
		}
	}
	return false
}

// LoopCount returns the number of loop headers.
func (d *Dominators) LoopCount(g *CFG) int {
	n := 0
	for b := range g.Blocks {
		if d.IsLoopHeader(g, b) {
			n++
		}
	}
	return n
}

// HasBackEdge reports whether any edge u->v with u != v has v dominating u.
func (d *Dominators) HasBackEdge(g *CFG) bool {
	for u, blk := range g.Blocks {
		for _, v := range blk.Succs {
			if u != v && d.Dominates(v, u) {
				return true
			}
		}
	}
	return false
}
