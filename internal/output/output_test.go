package output

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"binalign/internal/align"
	"binalign/internal/analyze"
	"binalign/internal/disasm"
)

func fixtures(t *testing.T) (*analyze.Binary, *analyze.Binary, *align.Result) {
	t.Helper()
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.bin")
	pathB := filepath.Join(dir, "b.bin")
	if err := os.WriteFile(pathA, []byte("image-bytes-for-a"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pathB, []byte("image-bytes-for-b-longer"), 0755); err != nil {
		t.Fatal(err)
	}

	fa := &analyze.Function{Name: "f", Entry: 0x1000, Blocks: []analyze.Block{
		analyze.NewBlock(0, []string{"mov x0,imm"}, []disasm.Succ{{BlockID: 1}}),
		analyze.NewBlock(1, []string{"ret"}, nil),
	}}
	fb := &analyze.Function{Name: "f", Entry: 0x2000, Blocks: []analyze.Block{
		analyze.NewBlock(0, []string{"mov x0,imm"}, []disasm.Succ{{BlockID: 1}}),
		analyze.NewBlock(1, []string{"ret"}, nil),
	}}
	onlyA := &analyze.Function{Name: "gone", Entry: 0x1800}

	binA := &analyze.Binary{Path: pathA, Arch: disasm.ArchARM64, Funcs: []*analyze.Function{fa, onlyA}}
	binB := &analyze.Binary{Path: pathB, Arch: disasm.ArchARM64, Funcs: []*analyze.Function{fb}}

	res := &align.Result{
		Matches: []*align.FunctionMatch{
			{A: fa, B: fb, Kind: align.MatchExact, Score: 1.0, Blocks: &align.BlockAlignment{
				Entries: []align.BlockEntry{
					{Kind: align.BlockMatched, AID: 0, BID: 0},
					{Kind: align.BlockMatched, AID: 1, BID: 1},
				},
			}},
			{A: onlyA, Kind: align.MatchUnmatchedA},
		},
		ResidualA: []*analyze.Function{onlyA},
	}
	return binA, binB, res
}

func TestEmitAnnotated_RoundTrip(t *testing.T) {
	binA, binB, res := fixtures(t)
	out := filepath.Join(t.TempDir(), "a.out")

	if err := EmitAnnotated(binA, binB, res, SideA, out); err != nil {
		t.Fatal(err)
	}

	// Original image bytes are preserved verbatim at the front.
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	orig, _ := os.ReadFile(binA.Path)
	if !bytes.HasPrefix(raw, orig) {
		t.Fatal("annotated output does not begin with the original image")
	}

	ann, err := ReadAnnotation(out)
	if err != nil {
		t.Fatal(err)
	}
	if ann.Side != SideA || ann.Source != binA.Path || ann.Counterpart != binB.Path {
		t.Errorf("annotation header = %+v", ann)
	}
	if len(ann.Funcs) != 2 {
		t.Fatalf("funcs = %d, want 2", len(ann.Funcs))
	}
	if ann.Funcs[0].Kind != "exact" || ann.Funcs[0].Counterpart != "f" {
		t.Errorf("func 0 = %+v", ann.Funcs[0])
	}
	if len(ann.Funcs[0].Blocks) != 2 {
		t.Errorf("blocks = %d, want 2", len(ann.Funcs[0].Blocks))
	}
	if ann.Funcs[1].Kind != "unmatched-A" || len(ann.Funcs[1].Blocks) != 0 {
		t.Errorf("func 1 = %+v", ann.Funcs[1])
	}
}

func TestEmitAnnotated_SidesIndependent(t *testing.T) {
	binA, binB, res := fixtures(t)
	dir := t.TempDir()

	// B can be emitted without A ever having been written.
	outB := filepath.Join(dir, "b.out")
	if err := EmitAnnotated(binB, binA, res, SideB, outB); err != nil {
		t.Fatal(err)
	}
	ann, err := ReadAnnotation(outB)
	if err != nil {
		t.Fatal(err)
	}
	if ann.Side != SideB {
		t.Errorf("side = %s, want B", ann.Side)
	}
	// The unmatched-A function must not appear on side B.
	for _, fa := range ann.Funcs {
		if fa.Name == "gone" {
			t.Error("side B annotation contains an A-only function")
		}
	}
}

func TestEmitAnnotated_UnwritablePath(t *testing.T) {
	binA, binB, res := fixtures(t)
	err := EmitAnnotated(binA, binB, res, SideA, "/nonexistent-dir/a.out")
	if err == nil {
		t.Fatal("expected error for unwritable output path")
	}
}

func TestReadAnnotation_RejectsPlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(path, []byte("no trailer here, just bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadAnnotation(path); err == nil {
		t.Fatal("expected error for file without trailer")
	}
}

func TestWriteReport(t *testing.T) {
	binA, binB, res := fixtures(t)
	// Add a fuzzy pair so the CFG DOT path is exercised.
	res.Matches = append(res.Matches, &align.FunctionMatch{
		A:     binA.Funcs[0],
		B:     binB.Funcs[0],
		Kind:  align.MatchFuzzy,
		Score: 0.8,
		Blocks: &align.BlockAlignment{Entries: []align.BlockEntry{
			{Kind: align.BlockMatched, AID: 0, BID: 0},
			{Kind: align.BlockMatched, AID: 1, BID: 1},
		}},
	})

	dir := filepath.Join(t.TempDir(), "report")
	if err := WriteReport(dir, binA, binB, res); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"matches.jsonl", "residual.jsonl", "alignment.dot"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, "cfg"))
	if err != nil || len(entries) == 0 {
		t.Errorf("cfg dir empty or missing: %v", err)
	}
}
