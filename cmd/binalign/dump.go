package main

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"binalign/internal/disasm"
	"binalign/internal/elfx"
)

// writeDump disassembles every recovered function range of the binary at
// path and writes an annotated listing to <dir>/<base>.asm. Blocks are
// separated by blank lines; branch targets resolving to known symbols are
// labeled.
func writeDump(dir, path string) error {
	f, err := elfx.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	arch := disasm.ArchARM64
	if f.ELF.Machine == elf.EM_X86_64 {
		arch = disasm.ArchAMD64
	}

	syms, err := f.FuncSymbols()
	if err != nil {
		return err
	}
	names := make(map[uint64]string, len(syms))
	for _, s := range syms {
		if _, ok := names[s.Value]; !ok {
			names[s.Value] = s.Name
		}
	}
	lookup := func(addr uint64) (string, bool) {
		name, ok := names[addr]
		return name, ok
	}

	var b strings.Builder
	fmt.Fprintf(&b, "; %s  arch=%s  size=%d\n", path, arch, f.FileSize())
	for _, r := range elfx.FunctionRanges(syms, f.ExecSections()) {
		data, err := f.ReadBytesAtVA(r.Entry, int(r.Size))
		if err != nil {
			fmt.Fprintf(&b, "\n%s: ; unreadable: %v\n", r.Name, err)
			continue
		}
		insts := disasm.Disassemble(arch, data, disasm.Options{BaseAddr: r.Entry})
		fmt.Fprintf(&b, "\n%s:\n", r.Name)
		b.WriteString(listing(arch, insts, lookup))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("dump dir %s: %w", dir, err)
	}
	out := filepath.Join(dir, filepath.Base(path)+".asm")
	if err := os.WriteFile(out, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("dump %s: %w", out, err)
	}
	return nil
}

// listing renders instructions with a blank line after each block
// terminator, so listings read block-by-block.
func listing(arch disasm.Arch, insts []disasm.Inst, lookup disasm.SymbolLookup) string {
	var b strings.Builder
	start := 0
	for i, inst := range insts {
		if disasm.IsBranchTerminator(arch, inst) {
			b.WriteString(disasm.Format(insts[start:i+1], lookup))
			b.WriteByte('\n')
			start = i + 1
		}
	}
	if start < len(insts) {
		b.WriteString(disasm.Format(insts[start:], lookup))
	}
	return b.String()
}
