// Package disasm provides ARM64 and x86-64 disassembly, control-flow
// recovery, and instruction normalization for binary alignment.
package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Arch selects the instruction set to decode.
type Arch string

const (
	ArchARM64 Arch = "arm64"
	ArchAMD64 Arch = "amd64"
)

// Inst is a decoded instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Raw      []byte
	Size     int // 4 for ARM64, variable for x86-64
	Mnemonic string
	Operands string
	Text     string // full disassembly line

	// Norm is the normalized form of the instruction: opcode class plus
	// operand shape tags, address-dependent values stripped. Filled by
	// Normalize.
	Norm string
}

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Options controls disassembly behavior.
type Options struct {
	BaseAddr uint64 // VA of the first byte in Data
	MaxSteps int    // maximum instructions to decode; 0 = 10M
}

const defaultMaxSteps = 10_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Disassemble decodes instructions from a byte region.
// Undecodable bytes become .word/.byte filler records, never errors.
func Disassemble(arch Arch, data []byte, opts Options) []Inst {
	switch arch {
	case ArchAMD64:
		return disassembleAMD64(data, opts)
	default:
		return disassembleARM64(data, opts)
	}
}

func disassembleARM64(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	n := len(data) / 4
	if n > maxSteps {
		n = maxSteps
	}

	result := make([]Inst, 0, n)
	for i := 0; i < n; i++ {
		off := i * 4
		raw := data[off : off+4]
		word := binary.LittleEndian.Uint32(raw)
		addr := opts.BaseAddr + uint64(off)

		inst, err := arm64asm.Decode(raw)
		var mnemonic, operands, text string
		if err != nil {
			mnemonic = ".word"
			operands = fmt.Sprintf("0x%08x", word)
			text = fmt.Sprintf(".word 0x%08x", word)
		} else {
			text = inst.String()
			parts := strings.SplitN(text, " ", 2)
			mnemonic = parts[0]
			if len(parts) > 1 {
				operands = parts[1]
			}
		}

		result = append(result, Inst{
			Addr:     addr,
			Raw:      raw,
			Size:     4,
			Mnemonic: mnemonic,
			Operands: operands,
			Text:     text,
		})
	}
	return result
}

func disassembleAMD64(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()

	var result []Inst
	off := 0
	for off < len(data) && len(result) < maxSteps {
		addr := opts.BaseAddr + uint64(off)
		inst, err := x86asm.Decode(data[off:], 64)
		if err != nil || inst.Len == 0 {
			// Resync one byte at a time.
			result = append(result, Inst{
				Addr:     addr,
				Raw:      data[off : off+1],
				Size:     1,
				Mnemonic: ".byte",
				Operands: fmt.Sprintf("0x%02x", data[off]),
				Text:     fmt.Sprintf(".byte 0x%02x", data[off]),
			})
			off++
			continue
		}

		text := x86asm.GNUSyntax(inst, addr, nil)
		parts := strings.SplitN(text, " ", 2)
		mnemonic := parts[0]
		var operands string
		if len(parts) > 1 {
			operands = strings.TrimSpace(parts[1])
		}

		result = append(result, Inst{
			Addr:     addr,
			Raw:      data[off : off+inst.Len],
			Size:     inst.Len,
			Mnemonic: mnemonic,
			Operands: operands,
			Text:     text,
		})
		off += inst.Len
	}
	return result
}

// Format renders a slice of instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <symbol>
func Format(insts []Inst, lookup SymbolLookup) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%08x  ", inst.Addr)
		for _, by := range inst.Raw {
			fmt.Fprintf(&b, "%02x ", by)
		}
		b.WriteByte(' ')
		b.WriteString(inst.Text)
		if lookup != nil {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "  ; <%s>", name)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
