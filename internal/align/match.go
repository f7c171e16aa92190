package align

import (
	"context"
	"sort"
	"sync"

	"binalign/internal/analyze"
)

// MatchKind classifies a FunctionMatch.
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchFuzzy      MatchKind = "fuzzy"
	MatchUnmatchedA MatchKind = "unmatched-A"
	MatchUnmatchedB MatchKind = "unmatched-B"
)

// FunctionMatch pairs a function from binary A with one from binary B.
// Unmatched residuals have exactly one non-nil side.
type FunctionMatch struct {
	A, B   *analyze.Function
	Kind   MatchKind
	Score  float64
	Blocks *BlockAlignment // nil for unmatched entries

	// identical is set when the two signatures are structurally equal,
	// enabling trivial block alignment.
	identical bool
}

// candidate is one scored fuzzy pairing.
type candidate struct {
	ai, bi int
	score  float64
}

// matchFunctions computes the function-level correspondence in three passes:
// exact symbol name, exact signature, then greedy fuzzy matching over
// bucket-compatible candidates. Every function of both binaries appears in
// exactly one returned FunctionMatch.
func matchFunctions(ctx context.Context, a, b *analyze.Binary, sigsA, sigsB []Signature, opts Options) ([]*FunctionMatch, error) {
	usedA := make([]bool, len(a.Funcs))
	usedB := make([]bool, len(b.Funcs))

	type pairing struct {
		ai, bi    int
		kind      MatchKind
		score     float64
		identical bool
	}
	var pairs []pairing

	// Pass 1: exact non-synthetic name match. Name identity is the strongest
	// signal and short-circuits structural comparison, but degenerate
	// functions always go to the residual set.
	namesB := make(map[string][]int, len(b.Funcs))
	for bi, fn := range b.Funcs {
		if !fn.Synthetic {
			namesB[fn.Name] = append(namesB[fn.Name], bi)
		}
	}
	namesA := make(map[string][]int, len(a.Funcs))
	for ai, fn := range a.Funcs {
		if !fn.Synthetic {
			namesA[fn.Name] = append(namesA[fn.Name], ai)
		}
	}
	for ai, fn := range a.Funcs {
		if fn.Synthetic || sigsA[ai].Degenerate() {
			continue
		}
		if len(namesA[fn.Name]) != 1 {
			continue // ambiguous symbol, leave to structural passes
		}
		bis := namesB[fn.Name]
		if len(bis) != 1 {
			continue
		}
		bi := bis[0]
		if usedB[bi] || sigsB[bi].Degenerate() {
			continue
		}
		usedA[ai], usedB[bi] = true, true
		pairs = append(pairs, pairing{
			ai: ai, bi: bi, kind: MatchExact, score: 1.0,
			identical: sigsA[ai].Equal(sigsB[bi]),
		})
	}

	// Pass 2: exact signature match among the remainder.
	type sigKey struct {
		hash       uint64
		bc, ec, ic int
	}
	bySig := make(map[sigKey][]int)
	for bi := range b.Funcs {
		if usedB[bi] || sigsB[bi].Degenerate() {
			continue
		}
		k := sigKey{sigsB[bi].Hash, sigsB[bi].BlockCount, sigsB[bi].EdgeCount, sigsB[bi].InstCount}
		bySig[k] = append(bySig[k], bi)
	}
	for ai := range a.Funcs {
		if usedA[ai] || sigsA[ai].Degenerate() {
			continue
		}
		k := sigKey{sigsA[ai].Hash, sigsA[ai].BlockCount, sigsA[ai].EdgeCount, sigsA[ai].InstCount}
		for _, bi := range bySig[k] {
			if usedB[bi] || !sigsA[ai].Equal(sigsB[bi]) {
				continue
			}
			usedA[ai], usedB[bi] = true, true
			pairs = append(pairs, pairing{ai: ai, bi: bi, kind: MatchExact, score: 1.0, identical: true})
			break
		}
	}

	// Pass 3: greedy fuzzy matching. Candidates are pre-filtered by
	// block-count and instruction-count compatibility to bound the
	// pairwise comparison cost; scoring runs on a bounded worker pool.
	var remA, remB []int
	for ai := range a.Funcs {
		if !usedA[ai] && !sigsA[ai].Degenerate() {
			remA = append(remA, ai)
		}
	}
	for bi := range b.Funcs {
		if !usedB[bi] && !sigsB[bi].Degenerate() {
			remB = append(remB, bi)
		}
	}

	cands, err := scoreCandidates(ctx, a, b, sigsA, sigsB, remA, remB, opts)
	if err != nil {
		return nil, err
	}

	sort.Slice(cands, func(i, j int) bool {
		ci, cj := cands[i], cands[j]
		if ci.score != cj.score {
			return ci.score > cj.score
		}
		// Symmetric deterministic tie-break on the entry address pair.
		loI, hiI := entryPair(a.Funcs[ci.ai].Entry, b.Funcs[ci.bi].Entry)
		loJ, hiJ := entryPair(a.Funcs[cj.ai].Entry, b.Funcs[cj.bi].Entry)
		if loI != loJ {
			return loI < loJ
		}
		return hiI < hiJ
	})

	threshold := opts.effectiveThreshold()
	for _, c := range cands {
		if c.score < threshold {
			break
		}
		if usedA[c.ai] || usedB[c.bi] {
			continue
		}
		usedA[c.ai], usedB[c.bi] = true, true
		pairs = append(pairs, pairing{ai: c.ai, bi: c.bi, kind: MatchFuzzy, score: c.score})
	}

	// Assemble: pairs in A entry order, then residuals per side.
	sort.Slice(pairs, func(i, j int) bool {
		return a.Funcs[pairs[i].ai].Entry < a.Funcs[pairs[j].ai].Entry
	})

	matches := make([]*FunctionMatch, 0, len(a.Funcs)+len(b.Funcs))
	for _, p := range pairs {
		matches = append(matches, &FunctionMatch{
			A: a.Funcs[p.ai], B: b.Funcs[p.bi],
			Kind: p.kind, Score: p.score, identical: p.identical,
		})
	}
	for ai, fn := range a.Funcs {
		if !usedA[ai] {
			matches = append(matches, &FunctionMatch{A: fn, Kind: MatchUnmatchedA})
		}
	}
	for bi, fn := range b.Funcs {
		if !usedB[bi] {
			matches = append(matches, &FunctionMatch{B: fn, Kind: MatchUnmatchedB})
		}
	}
	return matches, nil
}

func entryPair(ea, eb uint64) (lo, hi uint64) {
	if ea <= eb {
		return ea, eb
	}
	return eb, ea
}

// bucketCompatible bounds fuzzy comparison to structurally plausible pairs.
func bucketCompatible(sa, sb Signature) bool {
	dbc := sa.BlockCount - sb.BlockCount
	if dbc < 0 {
		dbc = -dbc
	}
	maxBC := sa.BlockCount
	if sb.BlockCount > maxBC {
		maxBC = sb.BlockCount
	}
	lim := maxBC * 3 / 10
	if lim < 2 {
		lim = 2
	}
	if dbc > lim {
		return false
	}

	dic := sa.InstCount - sb.InstCount
	if dic < 0 {
		dic = -dic
	}
	maxIC := sa.InstCount
	if sb.InstCount > maxIC {
		maxIC = sb.InstCount
	}
	limIC := maxIC / 2
	if limIC < 8 {
		limIC = 8
	}
	return dic <= limIC
}

// scoreCandidates computes similarity for all bucket-compatible pairs of the
// remaining functions. Work is sharded by A-side function across a bounded
// worker pool; each worker writes only its own result slot, so no locking is
// needed beyond the final join.
func scoreCandidates(ctx context.Context, a, b *analyze.Binary, sigsA, sigsB []Signature, remA, remB []int, opts Options) ([]candidate, error) {
	if len(remA) == 0 || len(remB) == 0 {
		return nil, nil
	}

	perA := make([][]candidate, len(remA))
	jobs := make(chan int, opts.effectiveThreads()*2)

	var wg sync.WaitGroup
	wg.Add(opts.effectiveThreads())
	for w := 0; w < opts.effectiveThreads(); w++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case idx, ok := <-jobs:
					if !ok {
						return
					}
					ai := remA[idx]
					var out []candidate
					for _, bi := range remB {
						if !bucketCompatible(sigsA[ai], sigsB[bi]) {
							continue
						}
						score := similarity(a.Funcs[ai], b.Funcs[bi], sigsA[ai], sigsB[bi])
						if score > 0 {
							out = append(out, candidate{ai: ai, bi: bi, score: score})
						}
					}
					perA[idx] = out
				}
			}
		}()
	}

feed:
	for idx := range remA {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- idx:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cands []candidate
	for _, out := range perA {
		cands = append(cands, out...)
	}
	return cands, nil
}
