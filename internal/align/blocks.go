package align

import "binalign/internal/analyze"

// BlockEntryKind classifies one entry of a BlockAlignment.
type BlockEntryKind string

const (
	BlockMatched  BlockEntryKind = "matched"
	BlockInserted BlockEntryKind = "inserted-in-B"
	BlockDeleted  BlockEntryKind = "deleted-from-A"
	BlockMoved    BlockEntryKind = "moved"
)

// BlockEntry is one block-pair or block-gap entry. AID/BID are block IDs in
// the respective function; -1 marks the absent side of a gap.
type BlockEntry struct {
	Kind BlockEntryKind
	AID  int
	BID  int
}

// BlockAlignment covers every block of both aligned functions exactly once.
type BlockAlignment struct {
	Entries []BlockEntry
}

// Alignment costs. A substitution of completely unrelated blocks costs more
// than a deletion plus an insertion, so unrelated content becomes gaps.
const (
	gapCost     = 1.0
	subCostSpan = 2.2
)

// alignBlocks computes the block-level correspondence for a matched function
// pair. Blocks are compared in reverse post-order and aligned with an
// edit-distance dynamic program; on equal cost the alignment preserving more
// consistent successor edges wins. Zero-block functions yield an empty
// alignment.
func alignBlocks(fa, fb *analyze.Function, identical bool) *BlockAlignment {
	if len(fa.Blocks) == 0 || len(fb.Blocks) == 0 {
		return &BlockAlignment{}
	}

	if identical {
		// Identical signatures guarantee the streams match in canonical
		// order, not that block IDs line up: physical layout may differ.
		// Pair position-by-position along both RPO sequences.
		rpoA := fa.RPO()
		rpoB := fb.RPO()
		entries := make([]BlockEntry, 0, len(rpoA))
		for i := range rpoA {
			entries = append(entries, BlockEntry{Kind: BlockMatched, AID: rpoA[i], BID: rpoB[i]})
		}
		return &BlockAlignment{Entries: entries}
	}

	seqA := fa.RPO()
	seqB := fb.RPO()
	n, m := len(seqA), len(seqB)

	// cell holds the DP objective: minimal cost, then maximal preserved edges.
	type cell struct {
		cost  float64
		edges int
	}
	better := func(x, y cell) bool {
		if x.cost != y.cost {
			return x.cost < y.cost
		}
		return x.edges > y.edges
	}

	dp := make([][]cell, n+1)
	for i := range dp {
		dp[i] = make([]cell, m+1)
	}
	for i := 1; i <= n; i++ {
		dp[i][0] = cell{cost: float64(i) * gapCost}
	}
	for j := 1; j <= m; j++ {
		dp[0][j] = cell{cost: float64(j) * gapCost}
	}

	blockDist := func(i, j int) float64 {
		ba, bb := &fa.Blocks[seqA[i]], &fb.Blocks[seqB[j]]
		if ba.Hash == bb.Hash && sameTokens(ba.Tokens, bb.Tokens) {
			return 0
		}
		d := normEditDistance(tokenSyms(ba.Tokens), tokenSyms(bb.Tokens))
		if d == 0 {
			d = 1.0 / subCostSpan // hash collision guard: still non-identical
		}
		return d
	}

	// edgeBonus: the diagonal step at (i,j) extends a run whose previous
	// RPO neighbors are connected on both sides.
	edgeBonus := func(i, j int) int {
		if i < 2 || j < 2 {
			return 0
		}
		if hasEdge(fa, seqA[i-2], seqA[i-1]) && hasEdge(fb, seqB[j-2], seqB[j-1]) {
			return 1
		}
		return 0
	}

	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			d := blockDist(i-1, j-1)
			diag := cell{
				cost:  dp[i-1][j-1].cost + d*subCostSpan,
				edges: dp[i-1][j-1].edges + edgeBonus(i, j),
			}
			up := cell{cost: dp[i-1][j].cost + gapCost, edges: dp[i-1][j].edges}
			left := cell{cost: dp[i][j-1].cost + gapCost, edges: dp[i][j-1].edges}

			best := diag
			if better(up, best) {
				best = up
			}
			if better(left, best) {
				best = left
			}
			dp[i][j] = best
		}
	}

	// Backtrack, preferring diagonal, then deletion, then insertion on ties.
	var rev []BlockEntry
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && dp[i][j] == (cell{
			cost:  dp[i-1][j-1].cost + blockDist(i-1, j-1)*subCostSpan,
			edges: dp[i-1][j-1].edges + edgeBonus(i, j),
		}):
			rev = append(rev, BlockEntry{Kind: BlockMatched, AID: seqA[i-1], BID: seqB[j-1]})
			i--
			j--
		case i > 0 && dp[i][j] == (cell{cost: dp[i-1][j].cost + gapCost, edges: dp[i-1][j].edges}):
			rev = append(rev, BlockEntry{Kind: BlockDeleted, AID: seqA[i-1], BID: -1})
			i--
		default:
			rev = append(rev, BlockEntry{Kind: BlockInserted, AID: -1, BID: seqB[j-1]})
			j--
		}
	}

	entries := make([]BlockEntry, 0, len(rev))
	for k := len(rev) - 1; k >= 0; k-- {
		entries = append(entries, rev[k])
	}

	return &BlockAlignment{Entries: markMoved(entries, fa, fb)}
}

// markMoved reclassifies delete/insert pairs with identical normalized
// streams as a single moved entry: a block whose content survives but whose
// position in the canonical traversal changed.
func markMoved(entries []BlockEntry, fa, fb *analyze.Function) []BlockEntry {
	usedIns := make(map[int]bool) // index into entries
	partner := make(map[int]int)  // deleted entry index → inserted entry index

	for di, de := range entries {
		if de.Kind != BlockDeleted {
			continue
		}
		ba := &fa.Blocks[de.AID]
		for ii, ie := range entries {
			if ie.Kind != BlockInserted || usedIns[ii] {
				continue
			}
			bb := &fb.Blocks[ie.BID]
			if ba.Hash == bb.Hash && sameTokens(ba.Tokens, bb.Tokens) {
				usedIns[ii] = true
				partner[di] = ii
				break
			}
		}
	}
	if len(partner) == 0 {
		return entries
	}

	out := make([]BlockEntry, 0, len(entries))
	for idx, e := range entries {
		if ii, ok := partner[idx]; ok {
			out = append(out, BlockEntry{Kind: BlockMoved, AID: e.AID, BID: entries[ii].BID})
			continue
		}
		if usedIns[idx] {
			continue // absorbed into its moved partner
		}
		out = append(out, e)
	}
	return out
}

func sameTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tokenSyms(tokens []string) []uint64 {
	syms := make([]uint64, len(tokens))
	for i, tok := range tokens {
		syms[i] = analyze.HashTokens([]string{tok})
	}
	return syms
}

func hasEdge(fn *analyze.Function, from, to int) bool {
	for _, s := range fn.Blocks[from].Succs {
		if s.BlockID == to {
			return true
		}
	}
	return false
}
