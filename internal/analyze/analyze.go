// Package analyze recovers per-function structure from a binary image:
// function boundaries, control-flow graphs, and normalized instruction
// streams. Two binaries are analyzed as fully independent sessions so the
// driver can run them concurrently.
package analyze

import (
	"debug/elf"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"binalign/internal/disasm"
	"binalign/internal/elfx"
)

// Binary is one fully analyzed input image.
type Binary struct {
	Path  string
	Arch  disasm.Arch
	Funcs []*Function
}

// Function is a recovered function with its control-flow graph.
type Function struct {
	Name      string
	Synthetic bool // true for gap-recovered sub_<hex> names
	Entry     uint64
	Size      uint64
	Blocks    []Block
	Callees   []string // sorted unique direct-call target names
}

// Block is a basic block reduced to what alignment needs: the normalized
// instruction stream and successor edges.
type Block struct {
	ID     int
	Tokens []string // normalized instructions, in order
	Succs  []disasm.Succ
	Hash   uint64 // FNV-1a over Tokens
}

// NewBlock builds a Block and computes its stream hash.
func NewBlock(id int, tokens []string, succs []disasm.Succ) Block {
	return Block{ID: id, Tokens: tokens, Succs: succs, Hash: HashTokens(tokens)}
}

// HashTokens computes an FNV-1a hash over a token stream.
func HashTokens(tokens []string) uint64 {
	h := fnv.New64a()
	for _, tok := range tokens {
		h.Write([]byte(tok))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// InstCount returns the total normalized instruction count.
func (f *Function) InstCount() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Tokens)
	}
	return n
}

// EdgeCount returns the total successor edge count.
func (f *Function) EdgeCount() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Succs)
	}
	return n
}

// RPO returns block IDs in reverse post-order from block 0, successors
// visited in ascending ID. Unreachable blocks follow in ID order.
// Deterministic for a given graph.
func (f *Function) RPO() []int {
	if len(f.Blocks) == 0 {
		return nil
	}
	visited := make([]bool, len(f.Blocks))
	var post []int
	var dfs func(id int)
	dfs = func(id int) {
		visited[id] = true
		succs := make([]int, 0, len(f.Blocks[id].Succs))
		for _, s := range f.Blocks[id].Succs {
			if s.BlockID >= 0 && s.BlockID < len(f.Blocks) {
				succs = append(succs, s.BlockID)
			}
		}
		sort.Ints(succs)
		for _, s := range succs {
			if !visited[s] {
				dfs(s)
			}
		}
		post = append(post, id)
	}
	dfs(0)

	order := make([]int, 0, len(f.Blocks))
	for i := len(post) - 1; i >= 0; i-- {
		order = append(order, post[i])
	}
	for id := range f.Blocks {
		if !visited[id] {
			order = append(order, id)
		}
	}
	return order
}

// minGapFunc is the smallest uncovered code region treated as a synthetic function.
const minGapFunc = 16

// Analyze loads the binary at path and recovers its function structure.
func Analyze(path string) (*Binary, error) {
	f, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	arch := disasm.ArchARM64
	if f.ELF.Machine == elf.EM_X86_64 {
		arch = disasm.ArchAMD64
	}

	syms, err := f.FuncSymbols()
	if err != nil {
		return nil, fmt.Errorf("analyze: %s: %w", path, err)
	}
	secs := f.ExecSections()
	if len(secs) == 0 {
		return nil, fmt.Errorf("analyze: %s: no executable sections", path)
	}

	ranges := elfx.FunctionRanges(syms, secs)
	ranges = fillGaps(ranges, secs)

	// Entry → name map for direct-call resolution.
	nameAt := make(map[uint64]string, len(ranges))
	for _, r := range ranges {
		nameAt[r.Entry] = r.Name
	}

	bin := &Binary{Path: path, Arch: arch}
	for _, r := range ranges {
		fn, err := buildFunction(f, arch, r, nameAt)
		if err != nil {
			return nil, fmt.Errorf("analyze: %s: %s: %w", path, r.Name, err)
		}
		bin.Funcs = append(bin.Funcs, fn)
	}
	return bin, nil
}

// buildFunction disassembles one function range and assembles its CFG.
// A range that yields no instructions produces a degenerate zero-block
// Function, not an error.
func buildFunction(f *elfx.File, arch disasm.Arch, r elfx.FuncRange, nameAt map[uint64]string) (*Function, error) {
	fn := &Function{
		Name:      r.Name,
		Synthetic: strings.HasPrefix(r.Name, "sub_"),
		Entry:     r.Entry,
		Size:      r.Size,
	}
	if r.Size == 0 {
		return fn, nil
	}

	data, err := f.ReadBytesAtVA(r.Entry, int(r.Size))
	if err != nil {
		return nil, err
	}

	insts := disasm.Disassemble(arch, data, disasm.Options{BaseAddr: r.Entry})
	if len(insts) == 0 {
		return fn, nil
	}
	disasm.Normalize(arch, insts)

	cfg := disasm.BuildCFG(arch, r.Name, insts)
	for _, b := range cfg.Blocks {
		tokens := make([]string, 0, b.End-b.Start)
		for i := b.Start; i < b.End && i < len(insts); i++ {
			tokens = append(tokens, insts[i].Norm)
		}
		fn.Blocks = append(fn.Blocks, NewBlock(b.ID, tokens, b.Succs))
	}

	// Direct-call neighborhood, used as a fuzzy-match hint.
	seen := make(map[string]bool)
	for _, inst := range insts {
		target, ok := disasm.Call(arch, inst)
		if !ok {
			continue
		}
		name, ok := nameAt[target]
		if !ok || name == "" || strings.HasPrefix(name, "sub_") {
			continue
		}
		if !seen[name] {
			seen[name] = true
			fn.Callees = append(fn.Callees, name)
		}
	}
	sort.Strings(fn.Callees)

	return fn, nil
}

// fillGaps adds synthetic sub_<hex> ranges for uncovered executable regions,
// so code without symbol coverage still participates in alignment.
func fillGaps(ranges []elfx.FuncRange, secs []elfx.ExecRange) []elfx.FuncRange {
	out := append([]elfx.FuncRange(nil), ranges...)
	for _, sec := range secs {
		cursor := sec.Addr
		for _, r := range ranges {
			if r.Entry < sec.Addr || r.Entry >= sec.Addr+sec.Size {
				continue
			}
			if r.Entry > cursor && r.Entry-cursor >= minGapFunc {
				out = append(out, elfx.FuncRange{
					Name:  fmt.Sprintf("sub_%x", cursor),
					Entry: cursor,
					Size:  r.Entry - cursor,
				})
			}
			if end := r.Entry + r.Size; end > cursor {
				cursor = end
			}
		}
		secEnd := sec.Addr + sec.Size
		if secEnd > cursor && secEnd-cursor >= minGapFunc {
			out = append(out, elfx.FuncRange{
				Name:  fmt.Sprintf("sub_%x", cursor),
				Entry: cursor,
				Size:  secEnd - cursor,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry < out[j].Entry })
	return out
}
