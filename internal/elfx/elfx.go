// Package elfx provides ELF loading helpers for binary alignment:
// machine validation, symbol-driven function boundary recovery, and
// VA-to-file-offset mapping.
package elfx

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

var (
	ErrNotELF     = errors.New("elfx: not an ELF file")
	ErrNot64Bit   = errors.New("elfx: not 64-bit ELF")
	ErrBadMachine = errors.New("elfx: unsupported machine (want AArch64 or x86-64)")
	ErrBadType    = errors.New("elfx: not an executable or shared object")
	ErrNoSymbols  = errors.New("elfx: no symbol table")
	ErrNoSegment  = errors.New("elfx: no PT_LOAD segment covers address")
)

// File wraps a debug/elf.File with convenience methods for alignment analysis.
type File struct {
	ELF  *elf.File
	Path string
	raw  io.ReaderAt
	size int64
}

// Open opens an ELF file and validates it is a 64-bit AArch64 or x86-64
// executable or shared object.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfx: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("elfx: stat: %w", err)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}

	if ef.Class != elf.ELFCLASS64 {
		ef.Close()
		return nil, ErrNot64Bit
	}
	if ef.Machine != elf.EM_AARCH64 && ef.Machine != elf.EM_X86_64 {
		ef.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadMachine, ef.Machine)
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		ef.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadType, ef.Type)
	}

	return &File{ELF: ef, Path: path, raw: f, size: info.Size()}, nil
}

// Close releases resources.
func (f *File) Close() error {
	return f.ELF.Close()
}

// FileSize returns the size of the underlying file.
func (f *File) FileSize() int64 { return f.size }

// FuncSymbols returns STT_FUNC symbols with non-zero value, preferring
// .symtab and falling back to .dynsym.
func (f *File) FuncSymbols() ([]elf.Symbol, error) {
	syms, err := f.ELF.Symbols()
	if err != nil {
		syms, err = f.ELF.DynamicSymbols()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoSymbols, err)
		}
	}

	var funcs []elf.Symbol
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		if s.Value == 0 || s.Name == "" {
			continue
		}
		funcs = append(funcs, s)
	}
	if len(funcs) == 0 {
		return nil, ErrNoSymbols
	}
	return funcs, nil
}

// ExecRange describes one executable section.
type ExecRange struct {
	Name  string
	Addr  uint64
	Size  uint64
	Align uint64
}

// ExecSections returns all SHF_EXECINSTR progbits sections (.text and friends).
func (f *File) ExecSections() []ExecRange {
	var out []ExecRange
	for _, s := range f.ELF.Sections {
		if s.Type != elf.SHT_PROGBITS || s.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		out = append(out, ExecRange{Name: s.Name, Addr: s.Addr, Size: s.Size, Align: s.Addralign})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// VAToFileOffset converts a virtual address to a file offset using PT_LOAD segments.
func (f *File) VAToFileOffset(va uint64) (uint64, error) {
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if va >= p.Vaddr && va < p.Vaddr+p.Memsz {
			offset := va - p.Vaddr + p.Off
			if offset >= uint64(f.size) {
				return 0, fmt.Errorf("elfx: VA 0x%x maps to offset 0x%x beyond file size 0x%x", va, offset, f.size)
			}
			return offset, nil
		}
	}
	return 0, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, va)
}

// ReadBytesAtVA reads n bytes starting at the given virtual address.
// Reads short at end of file rather than failing.
func (f *File) ReadBytesAtVA(va uint64, n int) ([]byte, error) {
	off, err := f.VAToFileOffset(va)
	if err != nil {
		return nil, err
	}
	avail := f.size - int64(off)
	if avail <= 0 {
		return nil, fmt.Errorf("elfx: offset 0x%x at or past end of file", off)
	}
	if int64(n) > avail {
		n = int(avail)
	}
	buf := make([]byte, n)
	_, err = f.raw.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("elfx: read at 0x%x: %w", off, err)
	}
	return buf, nil
}

// FuncRange is a recovered function boundary.
type FuncRange struct {
	Name  string
	Entry uint64
	Size  uint64
}

// FunctionRanges computes function boundaries from symbols and executable
// sections. Symbols outside any executable section are dropped; duplicate
// entries keep the first name in symbol-table order; zero-size symbols are
// bounded by the next function entry or the end of their section. The result
// is sorted by entry address.
func FunctionRanges(syms []elf.Symbol, secs []ExecRange) []FuncRange {
	secEnd := func(va uint64) (uint64, bool) {
		for _, s := range secs {
			if va >= s.Addr && va < s.Addr+s.Size {
				return s.Addr + s.Size, true
			}
		}
		return 0, false
	}

	seen := make(map[uint64]bool, len(syms))
	var ranges []FuncRange
	for _, s := range syms {
		if seen[s.Value] {
			continue
		}
		if _, ok := secEnd(s.Value); !ok {
			continue
		}
		seen[s.Value] = true
		ranges = append(ranges, FuncRange{Name: s.Name, Entry: s.Value, Size: s.Size})
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Entry < ranges[j].Entry })

	for i := range ranges {
		end, _ := secEnd(ranges[i].Entry)
		limit := end
		if i+1 < len(ranges) && ranges[i+1].Entry < limit {
			limit = ranges[i+1].Entry
		}
		if ranges[i].Size == 0 || ranges[i].Entry+ranges[i].Size > limit {
			ranges[i].Size = limit - ranges[i].Entry
		}
	}
	return ranges
}
