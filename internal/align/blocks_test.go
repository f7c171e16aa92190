package align

import (
	"testing"

	"binalign/internal/analyze"
	"binalign/internal/disasm"
)

func countKinds(ba *BlockAlignment) map[BlockEntryKind]int {
	out := make(map[BlockEntryKind]int)
	for _, e := range ba.Entries {
		out[e.Kind]++
	}
	return out
}

func TestAlignBlocks_InsertedBlock(t *testing.T) {
	// A has 3 blocks; B has the same 3 plus one extra mid-sequence.
	// Expect 3 matched + 1 inserted-in-B, never a spurious substitution.
	head := []string{"stp x29,x30,stackoff", "mov x29,sp"}
	mid := []string{"ldr x0,stackoff", "add x0,x0,imm"}
	tail := []string{"ldp x29,x30,stackoff", "ret"}
	extra := []string{"mul x3,x4,x5", "eor x3,x3,x4", "lsl x3,x3,imm"}

	fa := chainFn("f", 0x1000, false, head, mid, tail)
	fb := chainFn("f", 0x5000, false, head, mid, extra, tail)

	ba := alignBlocks(fa, fb, false)
	kinds := countKinds(ba)
	if kinds[BlockMatched] != 3 || kinds[BlockInserted] != 1 {
		t.Fatalf("kinds = %v, want 3 matched + 1 inserted-in-B", kinds)
	}
	if kinds[BlockDeleted] != 0 || kinds[BlockMoved] != 0 {
		t.Errorf("kinds = %v, want no deletions or moves", kinds)
	}

	// Block coverage: every block of both sides exactly once.
	seenA := make(map[int]int)
	seenB := make(map[int]int)
	for _, e := range ba.Entries {
		if e.AID >= 0 {
			seenA[e.AID]++
		}
		if e.BID >= 0 {
			seenB[e.BID]++
		}
	}
	for id := range fa.Blocks {
		if seenA[id] != 1 {
			t.Errorf("A block %d covered %d times", id, seenA[id])
		}
	}
	for id := range fb.Blocks {
		if seenB[id] != 1 {
			t.Errorf("B block %d covered %d times", id, seenB[id])
		}
	}
}

func TestAlignBlocks_DeletedBlock(t *testing.T) {
	head := []string{"stp x29,x30,stackoff"}
	mid := []string{"ldr x0,stackoff"}
	extra := []string{"mul x3,x4,x5", "eor x3,x3,x4", "lsl x3,x3,imm"}
	tail := []string{"ret"}

	fa := chainFn("f", 0x1000, false, head, mid, extra, tail)
	fb := chainFn("f", 0x5000, false, head, mid, tail)

	kinds := countKinds(alignBlocks(fa, fb, false))
	if kinds[BlockMatched] != 3 || kinds[BlockDeleted] != 1 {
		t.Fatalf("kinds = %v, want 3 matched + 1 deleted-from-A", kinds)
	}
}

func TestAlignBlocks_SimilarBlockSubstituted(t *testing.T) {
	// A one-token tweak inside a block stays a matched (substituted) pair,
	// not a delete+insert.
	fa := chainFn("f", 0x1000, false,
		[]string{"ldr x0,stackoff", "add x0,x0,imm", "str x0,stackoff"},
		[]string{"ret"})
	fb := chainFn("f", 0x5000, false,
		[]string{"ldr x0,stackoff", "sub x0,x0,imm", "str x0,stackoff"},
		[]string{"ret"})

	kinds := countKinds(alignBlocks(fa, fb, false))
	if kinds[BlockMatched] != 2 || len(kinds) != 1 {
		t.Fatalf("kinds = %v, want 2 matched only", kinds)
	}
}

func TestAlignBlocks_MovedBlock(t *testing.T) {
	// Two middle blocks swap places between A and B; their content is
	// otherwise untouched, so they must come back as moved, not as
	// unrelated churn.
	head := []string{"stp x29,x30,stackoff"}
	p := []string{"mul x3,x4,x5", "eor x3,x3,x4"}
	q := []string{"ldr x0,stackoff", "add x0,x0,imm", "str x0,stackoff", "ldr x1,stackoff"}
	tail := []string{"ret"}

	fa := chainFn("f", 0x1000, false, head, p, q, tail)
	fb := chainFn("f", 0x5000, false, head, q, p, tail)

	ba := alignBlocks(fa, fb, false)
	kinds := countKinds(ba)
	if kinds[BlockMoved] == 0 {
		t.Fatalf("kinds = %v, want at least one moved entry", kinds)
	}
	if kinds[BlockDeleted] != 0 || kinds[BlockInserted] != 0 {
		t.Errorf("kinds = %v, moved pair left behind as delete+insert", kinds)
	}
	for _, e := range ba.Entries {
		if e.Kind == BlockMoved {
			if !sameTokens(fa.Blocks[e.AID].Tokens, fb.Blocks[e.BID].Tokens) {
				t.Errorf("moved entry %+v pairs different content", e)
			}
		}
	}
}

func TestAlignBlocks_ZeroBlocks(t *testing.T) {
	fa := &analyze.Function{Name: "empty"}
	fb := chainFn("f", 0x5000, false, []string{"ret"})
	if ba := alignBlocks(fa, fb, false); len(ba.Entries) != 0 {
		t.Errorf("entries = %+v, want empty alignment", ba.Entries)
	}
	if ba := alignBlocks(fa, &analyze.Function{Name: "empty2"}, false); len(ba.Entries) != 0 {
		t.Errorf("both-empty alignment not empty")
	}
}

func TestAlignBlocks_TrivialIdentical(t *testing.T) {
	fa := chainFn("f", 0x1000, false, prologueToks, bodyToks, epilogueToks)
	fb := copyFn(fa)
	ba := alignBlocks(fa, fb, true)
	if len(ba.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(ba.Entries))
	}
	for i, e := range ba.Entries {
		if e.Kind != BlockMatched || e.AID != i || e.BID != i {
			t.Errorf("entry %d = %+v, want matched (%d,%d)", i, e, i, i)
		}
	}
}

func TestAlignBlocks_IdenticalReorderedLayout(t *testing.T) {
	// Same chain, but A lays the blocks out 0→2→1 on disk while B is
	// sequential. Signatures compare equal (canonical streams match), so the
	// shortcut must pair canonical positions, not raw block IDs.
	fa := &analyze.Function{Name: "compute", Entry: 0x1000}
	fa.Blocks = []analyze.Block{
		analyze.NewBlock(0, prologueToks, []disasm.Succ{{BlockID: 2}}),
		analyze.NewBlock(1, epilogueToks, nil),
		analyze.NewBlock(2, bodyToks, []disasm.Succ{{BlockID: 1}}),
	}
	fa.Size = uint64(fa.InstCount() * 4)
	fb := chainFn("compute", 0x5000, false, prologueToks, bodyToks, epilogueToks)

	sa, sb := BuildSignature(fa), BuildSignature(fb)
	if !sa.Equal(sb) {
		t.Fatal("reordered layouts should produce equal signatures")
	}

	ba := alignBlocks(fa, fb, true)
	if len(ba.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(ba.Entries))
	}
	want := []BlockEntry{
		{Kind: BlockMatched, AID: 0, BID: 0},
		{Kind: BlockMatched, AID: 2, BID: 1},
		{Kind: BlockMatched, AID: 1, BID: 2},
	}
	for i, e := range ba.Entries {
		if e != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, e, want[i])
		}
		if !sameTokens(fa.Blocks[e.AID].Tokens, fb.Blocks[e.BID].Tokens) {
			t.Errorf("entry %+v pairs different content: %v vs %v",
				e, fa.Blocks[e.AID].Tokens, fb.Blocks[e.BID].Tokens)
		}
	}
}

func TestAlignBlocks_EdgeTieBreak(t *testing.T) {
	// Diamond vs diamond with one arm's content changed: the aligner must
	// keep the arms paired arm-to-arm (preserving successor consistency)
	// rather than crossing them.
	mkDiamond := func(entry uint64, left, right []string) *analyze.Function {
		fn := &analyze.Function{Name: "d", Entry: entry}
		fn.Blocks = []analyze.Block{
			analyze.NewBlock(0, []string{"cmp x0,imm", "b.eq breltarget"},
				[]disasm.Succ{{BlockID: 1, Cond: "T"}, {BlockID: 2, Cond: "F"}}),
			analyze.NewBlock(1, left, []disasm.Succ{{BlockID: 3}}),
			analyze.NewBlock(2, right, []disasm.Succ{{BlockID: 3}}),
			analyze.NewBlock(3, []string{"ret"}, nil),
		}
		return fn
	}

	fa := mkDiamond(0x1000,
		[]string{"mov x0,imm", "b breltarget"},
		[]string{"mvn x0,x1", "b breltarget"})
	fb := mkDiamond(0x5000,
		[]string{"mov x0,imm", "b breltarget"},
		[]string{"neg x0,x1", "b breltarget"})

	ba := alignBlocks(fa, fb, false)
	kinds := countKinds(ba)
	if kinds[BlockMatched] != 4 {
		t.Fatalf("kinds = %v, want all 4 matched", kinds)
	}
	for _, e := range ba.Entries {
		if e.Kind == BlockMatched && e.AID != e.BID {
			t.Errorf("entry %+v crosses the diamond arms", e)
		}
	}
}
