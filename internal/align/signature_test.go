package align

import "testing"

func TestBuildSignature(t *testing.T) {
	fn := chainFn("f", 0x1000, false, prologueToks, bodyToks, epilogueToks)
	sig := BuildSignature(fn)
	if sig.BlockCount != 3 || sig.EdgeCount != 2 || sig.InstCount != 7 {
		t.Errorf("sig = %+v, want 3 blocks / 2 edges / 7 insts", sig)
	}
	if sig.Degenerate() {
		t.Error("non-empty function reported degenerate")
	}
	if len(sig.BlockHashes) != 3 {
		t.Errorf("block hashes = %d, want 3", len(sig.BlockHashes))
	}
}

func TestBuildSignature_SameStructureSameHash(t *testing.T) {
	fa := chainFn("left", 0x1000, false, prologueToks, bodyToks, epilogueToks)
	fb := chainFn("right", 0x8800, false, prologueToks, bodyToks, epilogueToks)
	sa, sb := BuildSignature(fa), BuildSignature(fb)
	if !sa.Equal(sb) {
		t.Error("identical structures produced unequal signatures")
	}
}

func TestBuildSignature_ContentChangesHash(t *testing.T) {
	fa := chainFn("f", 0x1000, false, bodyToks, epilogueToks)
	fb := chainFn("f", 0x1000, false, bodyToks, []string{"ldp x29,x30,stackoff", "br x16"})
	if BuildSignature(fa).Equal(BuildSignature(fb)) {
		t.Error("different streams produced equal signatures")
	}
}

func TestBuildSignature_Degenerate(t *testing.T) {
	sig := BuildSignature(chainFn("empty", 0x1000, false))
	if !sig.Degenerate() {
		t.Error("zero-block function not degenerate")
	}
	if sig.BlockCount != 0 || sig.InstCount != 0 {
		t.Errorf("degenerate sig = %+v", sig)
	}
}

func TestSimilarity_SymmetricAndDeterministic(t *testing.T) {
	fa := chainFn("a", 0x1000, false, prologueToks, bodyToks, epilogueToks)
	fb := chainFn("b", 0x5000, false, prologueToks,
		[]string{"ldr x0,stackoff", "add x0,x0,imm", "str x1,stackoff"}, epilogueToks)
	sa, sb := BuildSignature(fa), BuildSignature(fb)

	ab := similarity(fa, fb, sa, sb)
	ba := similarity(fb, fa, sb, sa)
	if ab != ba {
		t.Errorf("similarity not symmetric: %v vs %v", ab, ba)
	}
	if ab2 := similarity(fa, fb, sa, sb); ab2 != ab {
		t.Errorf("similarity not deterministic: %v vs %v", ab2, ab)
	}
	if ab <= 0 || ab >= 1 {
		t.Errorf("similarity = %v, want strictly between 0 and 1 for a near-match", ab)
	}
}

func TestSimilarity_UnrelatedScoresLow(t *testing.T) {
	fa := chainFn("a", 0x1000, false, prologueToks, bodyToks, bodyToks, epilogueToks)
	fb := chainFn("b", 0x5000, false,
		[]string{"fmov d0,imm"},
		[]string{"fadd d0,d0,d1", "fcvtzs x0,d0", "ret"})
	sa, sb := BuildSignature(fa), BuildSignature(fb)
	if got := similarity(fa, fb, sa, sb); got >= defaultThreshold {
		t.Errorf("unrelated similarity = %v, want below default threshold %v", got, defaultThreshold)
	}
}

func TestEditDistance(t *testing.T) {
	a := []uint64{1, 2, 3, 4}
	if d := editDistance(a, a); d != 0 {
		t.Errorf("self distance = %d", d)
	}
	if d := editDistance(a, []uint64{1, 2, 4}); d != 1 {
		t.Errorf("deletion distance = %d, want 1", d)
	}
	if d := editDistance(a, []uint64{1, 9, 3, 4}); d != 1 {
		t.Errorf("substitution distance = %d, want 1", d)
	}
	if d := editDistance(nil, a); d != 4 {
		t.Errorf("empty distance = %d, want 4", d)
	}
}

func TestBucketCompatible(t *testing.T) {
	mk := func(bc, ic int) Signature { return Signature{BlockCount: bc, InstCount: ic} }
	if !bucketCompatible(mk(10, 100), mk(12, 110)) {
		t.Error("near sizes rejected")
	}
	if bucketCompatible(mk(10, 100), mk(40, 400)) {
		t.Error("4x size accepted")
	}
	// Small functions get slack: delta 2 blocks always allowed.
	if !bucketCompatible(mk(1, 4), mk(3, 8)) {
		t.Error("small-function slack missing")
	}
}
