package align

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"binalign/internal/analyze"
)

// ErrInvariant reports an internal alignment invariant violation, e.g. a
// function appearing in zero or multiple matches. A programming-logic fault,
// not a user error.
var ErrInvariant = errors.New("align: invariant violated")

// Options tunes the alignment. The zero value selects defaults.
type Options struct {
	Threshold float64 // minimum fuzzy similarity; 0 = 0.5
	Threads   int     // worker pool size; 0 = NumCPU
}

const defaultThreshold = 0.5

func (o Options) effectiveThreshold() float64 {
	if o.Threshold > 0 {
		return o.Threshold
	}
	return defaultThreshold
}

func (o Options) effectiveThreads() int {
	if o.Threads > 0 {
		return o.Threads
	}
	return runtime.NumCPU()
}

// Result is the full alignment between two binaries: every function of both
// inputs appears in exactly one FunctionMatch, paired matches carry a
// BlockAlignment, and the residual lists collect the unmatched functions.
type Result struct {
	Matches   []*FunctionMatch
	ResidualA []*analyze.Function
	ResidualB []*analyze.Function
}

// Pairs returns only the matched (exact or fuzzy) entries.
func (r *Result) Pairs() []*FunctionMatch {
	var out []*FunctionMatch
	for _, m := range r.Matches {
		if m.Kind == MatchExact || m.Kind == MatchFuzzy {
			out = append(out, m)
		}
	}
	return out
}

// Align computes the structural correspondence between two analyzed
// binaries. Deterministic: the same inputs always produce the same result,
// and Align(a, b) mirrors Align(b, a).
func Align(ctx context.Context, a, b *analyze.Binary, opts Options) (*Result, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("%w: nil input binary", ErrInvariant)
	}

	sigsA := make([]Signature, len(a.Funcs))
	for i, fn := range a.Funcs {
		sigsA[i] = BuildSignature(fn)
	}
	sigsB := make([]Signature, len(b.Funcs))
	for i, fn := range b.Funcs {
		sigsB[i] = BuildSignature(fn)
	}

	matches, err := matchFunctions(ctx, a, b, sigsA, sigsB, opts)
	if err != nil {
		return nil, err
	}

	if err := verifyCoverage(a, b, matches); err != nil {
		return nil, err
	}

	if err := alignAllBlocks(ctx, matches, opts); err != nil {
		return nil, err
	}

	res := &Result{Matches: matches}
	for _, m := range matches {
		switch m.Kind {
		case MatchUnmatchedA:
			res.ResidualA = append(res.ResidualA, m.A)
		case MatchUnmatchedB:
			res.ResidualB = append(res.ResidualB, m.B)
		}
	}
	return res, nil
}

// alignAllBlocks computes block alignments for all paired matches. Each pair
// is independent: workers write only their own match's Blocks slot.
func alignAllBlocks(ctx context.Context, matches []*FunctionMatch, opts Options) error {
	jobs := make(chan *FunctionMatch, opts.effectiveThreads()*2)

	var wg sync.WaitGroup
	wg.Add(opts.effectiveThreads())
	for w := 0; w < opts.effectiveThreads(); w++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-jobs:
					if !ok {
						return
					}
					m.Blocks = alignBlocks(m.A, m.B, m.identical)
				}
			}
		}()
	}

feed:
	for _, m := range matches {
		if m.Kind != MatchExact && m.Kind != MatchFuzzy {
			continue
		}
		select {
		case <-ctx.Done():
			break feed
		case jobs <- m:
		}
	}
	close(jobs)
	wg.Wait()

	return ctx.Err()
}

// verifyCoverage checks the partial-bijection invariant: every function of
// both binaries in exactly one match entry.
func verifyCoverage(a, b *analyze.Binary, matches []*FunctionMatch) error {
	seenA := make(map[*analyze.Function]int, len(a.Funcs))
	seenB := make(map[*analyze.Function]int, len(b.Funcs))
	for _, m := range matches {
		if m.A != nil {
			seenA[m.A]++
		}
		if m.B != nil {
			seenB[m.B]++
		}
	}
	for _, fn := range a.Funcs {
		if seenA[fn] != 1 {
			return fmt.Errorf("%w: function %s appears in %d matches", ErrInvariant, fn.Name, seenA[fn])
		}
	}
	for _, fn := range b.Funcs {
		if seenB[fn] != 1 {
			return fmt.Errorf("%w: function %s appears in %d matches", ErrInvariant, fn.Name, seenB[fn])
		}
	}
	return nil
}
