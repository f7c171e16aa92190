package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"binalign/internal/align"
	"binalign/internal/analyze"
)

// MatchRecord is one line in matches.jsonl.
type MatchRecord struct {
	AlignID  int     `json:"align_id"`
	Kind     string  `json:"kind"`
	Score    float64 `json:"score"`
	AName    string  `json:"a_name,omitempty"`
	APC      string  `json:"a_pc,omitempty"`
	BName    string  `json:"b_name,omitempty"`
	BPC      string  `json:"b_pc,omitempty"`
	Matched  int     `json:"blocks_matched,omitempty"`
	Inserted int     `json:"blocks_inserted,omitempty"`
	Deleted  int     `json:"blocks_deleted,omitempty"`
	Moved    int     `json:"blocks_moved,omitempty"`
}

// ResidualRecord is one line in residual.jsonl.
type ResidualRecord struct {
	Side string `json:"side"`
	Name string `json:"name"`
	PC   string `json:"pc"`
}

// WriteReport writes the alignment report: matches.jsonl, residual.jsonl,
// alignment.dot (the function correspondence graph), and per-pair CFG DOT
// files for fuzzy matches under cfg/.
func WriteReport(dir string, a, b *analyze.Binary, res *align.Result) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("output: mkdir report: %w", err)
	}

	if err := writeMatchesJSONL(filepath.Join(dir, "matches.jsonl"), res); err != nil {
		return err
	}
	if err := writeResidualJSONL(filepath.Join(dir, "residual.jsonl"), res); err != nil {
		return err
	}

	// Function correspondence graph: one edge per matched pair.
	g := &lattice.Graph{}
	for _, m := range res.Pairs() {
		g.Nodes = append(g.Nodes, m.A.Name)
		g.Edges = append(g.Edges, lattice.Edge{Caller: m.A.Name, Callee: m.B.Name})
	}
	g.Dedup()
	dot := render.DOT(g, "alignment")
	if err := os.WriteFile(filepath.Join(dir, "alignment.dot"), []byte(dot), 0644); err != nil {
		return fmt.Errorf("output: write alignment.dot: %w", err)
	}

	// Side-by-side CFGs for fuzzy pairs, where the structural diff is
	// worth eyeballing.
	cfgDir := filepath.Join(dir, "cfg")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("output: mkdir cfg: %w", err)
	}
	for id, m := range res.Matches {
		if m.Kind != align.MatchFuzzy {
			continue
		}
		pair := &lattice.CFGGraph{Funcs: []*lattice.FuncCFG{
			funcToLattice(m.A, filepath.Base(a.Path)),
			funcToLattice(m.B, filepath.Base(b.Path)),
		}}
		dot := render.DOTCFG(pair, fmt.Sprintf("%s ~ %s (%.2f)", m.A.Name, m.B.Name, m.Score))
		name := fmt.Sprintf("%04d_%s.dot", id, sanitize(m.A.Name))
		if err := os.WriteFile(filepath.Join(cfgDir, name), []byte(dot), 0644); err != nil {
			return fmt.Errorf("output: write %s: %w", name, err)
		}
	}
	return nil
}

func writeMatchesJSONL(path string, res *align.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for id, m := range res.Matches {
		if m.A == nil || m.B == nil {
			continue
		}
		rec := MatchRecord{
			AlignID: id,
			Kind:    string(m.Kind),
			Score:   m.Score,
			AName:   m.A.Name,
			APC:     fmt.Sprintf("0x%x", m.A.Entry),
			BName:   m.B.Name,
			BPC:     fmt.Sprintf("0x%x", m.B.Entry),
		}
		if m.Blocks != nil {
			for _, e := range m.Blocks.Entries {
				switch e.Kind {
				case align.BlockMatched:
					rec.Matched++
				case align.BlockInserted:
					rec.Inserted++
				case align.BlockDeleted:
					rec.Deleted++
				case align.BlockMoved:
					rec.Moved++
				}
			}
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("output: encode %s: %w", path, err)
		}
	}
	return nil
}

func writeResidualJSONL(path string, res *align.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	write := func(side string, fns []*analyze.Function) error {
		for _, fn := range fns {
			rec := ResidualRecord{Side: side, Name: fn.Name, PC: fmt.Sprintf("0x%x", fn.Entry)}
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("output: encode %s: %w", path, err)
			}
		}
		return nil
	}
	if err := write("A", res.ResidualA); err != nil {
		return err
	}
	return write("B", res.ResidualB)
}

// funcToLattice maps an analyzed function to the renderer's CFG model.
// Callee names are attached to the entry block as call sites.
func funcToLattice(fn *analyze.Function, origin string) *lattice.FuncCFG {
	lcfg := &lattice.FuncCFG{Name: fn.Name + " [" + origin + "]"}
	offset := 0
	for _, b := range fn.Blocks {
		lb := &lattice.BasicBlock{
			ID:    b.ID,
			Start: offset,
			End:   offset + len(b.Tokens),
			Term:  len(b.Succs) == 0,
		}
		offset += len(b.Tokens)
		for _, s := range b.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{BlockID: s.BlockID, Cond: s.Cond})
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	if len(lcfg.Blocks) > 0 {
		for i, callee := range fn.Callees {
			lcfg.Blocks[0].Calls = append(lcfg.Blocks[0].Calls, lattice.CallSite{Offset: i, Callee: callee})
		}
	}
	return lcfg
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
