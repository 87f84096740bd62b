package cfg

import "slices"

// Frontier maps each block to its sorted dominance frontier.
type Frontier [][]int

// ComputeFrontier computes DF(n) = {m : n dominates a predecessor of m and n
// does not strictly dominate m}. For every edge p->m the runner climbs the
// dominator tree from p until it reaches a strict dominator of m, adding m to
// the frontier of every block it passes.
func ComputeFrontier(g *CFG, d *Dominators) Frontier {
	n := g.Len()
	sets := make([]map[int]struct{}, n)
	for m := range g.Blocks {
		for _, p := range g.Blocks[m].Preds {
			runner := p
			for !d.StrictlyDominates(runner, m) {
				if sets[runner] == nil {
					sets[runner] = make(map[int]struct{})
				}
				sets[runner][m] = struct{}{}
				if runner == 0 {
					break
				}
				runner = d.IDom(runner)
			}
		}
	}

	df := make(Frontier, n)
	for b, set := range sets {
		df[b] = sortedKeys(set)
	}
	return df
}

// Iterate returns the iterated frontier: for each block, the closure of its
// frontier under DF until no new block is added.
func (df Frontier) Iterate() Frontier {
	n := len(df)
	out := make(Frontier, n)
	for b := range df {
		seen := make([]bool, n)
		work := slices.Clone(df[b])
		for _, x := range work {
			seen[x] = true
		}
		for len(work) > 0 {
			x := work[len(work)-1]
			work = work[:len(work)-1]
			for _, y := range df[x] {
				if !seen[y] {
					seen[y] = true
					work = append(work, y)
				}
			}
		}
		for x, ok := range seen {
			if ok {
				out[b] = append(out[b], x)
			}
		}
	}
	return out
}

func sortedKeys(set map[int]struct{}) []int {
	if len(set) == 0 {
		return nil
	}
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
