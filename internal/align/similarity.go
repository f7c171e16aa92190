package align

import "binalign/internal/analyze"

// Similarity scoring between two function structures. Scores are pure
// functions of the two inputs: same pair, same score, both directions.

// Weighting of the similarity components.
const (
	weightStream = 0.7
	weightBlocks = 0.2
	weightEdges  = 0.1
	calleeBonus  = 0.05

	// Above this instruction count the stream distance falls back from
	// token granularity to block-hash granularity.
	tokenLevelCap = 512
)

// similarity computes the fuzzy-match score for a function pair in [0,1].
func similarity(fa, fb *analyze.Function, sa, sb Signature) float64 {
	if sa.Degenerate() || sb.Degenerate() {
		return 0
	}

	var streamSim float64
	if sa.InstCount <= tokenLevelCap && sb.InstCount <= tokenLevelCap {
		streamSim = 1 - normEditDistance(tokenIDs(fa), tokenIDs(fb))
	} else {
		streamSim = 1 - normEditDistance(sa.BlockHashes, sb.BlockHashes)
	}

	blockSim := 1 - ratioDelta(sa.BlockCount, sb.BlockCount)
	edgeSim := 1 - ratioDelta(sa.EdgeCount, sb.EdgeCount)

	score := weightStream*streamSim + weightBlocks*blockSim + weightEdges*edgeSim
	score += calleeBonus * calleeOverlap(fa.Callees, fb.Callees)
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// tokenIDs flattens a function's normalized stream (RPO block order) into
// comparable symbols.
func tokenIDs(fn *analyze.Function) []uint64 {
	ids := make([]uint64, 0, fn.InstCount())
	for _, blockID := range fn.RPO() {
		for _, tok := range fn.Blocks[blockID].Tokens {
			ids = append(ids, analyze.HashTokens([]string{tok}))
		}
	}
	return ids
}

// normEditDistance is the Levenshtein distance between two symbol sequences,
// normalized to [0,1] by the longer length.
func normEditDistance(a, b []uint64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	return float64(editDistance(a, b)) / float64(max)
}

// editDistance computes Levenshtein distance with two rolling rows.
func editDistance(a, b []uint64) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			d := prev[j-1] + cost // substitute
			if up := prev[j] + 1; up < d {
				d = up // delete
			}
			if left := curr[j-1] + 1; left < d {
				d = left // insert
			}
			curr[j] = d
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// ratioDelta returns |a-b| / max(a,b,1).
func ratioDelta(a, b int) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	max := a
	if b > max {
		max = b
	}
	if max < 1 {
		max = 1
	}
	return float64(d) / float64(max)
}

// calleeOverlap returns the fraction of the smaller callee set shared by
// both functions. Both inputs are sorted.
func calleeOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			shared++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	return float64(shared) / float64(min)
}
