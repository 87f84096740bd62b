package cfg

// Flattened control flow funnels most blocks through one dispatcher that
// branches to most other blocks.
const (
	minFlattenBlocks   = 8
	dispatchFanoutRate = 0.5
	dispatchFaninRate  = 0.25
)

// DetectFlattening reports whether g looks like a flattened dispatcher loop:
// either it exceeds blockCap blocks, or a single block has successors to at
// least half of the blocks and receives edges from at least a quarter.
func DetectFlattening(g *CFG, blockCap int) bool {
	n := g.Len()
	if blockCap > 0 && n > blockCap {
		return true
	}
	if n < minFlattenBlocks {
		return false
	}
	for _, b := range g.Blocks {
		if float64(len(b.Succs)) >= dispatchFanoutRate*float64(n) &&
			float64(len(b.Preds)) >= dispatchFaninRate*float64(n) {
			return true
		}
	}
	return false
}
