package disasm

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"
)

// Branch instruction detection. These functions identify basic-block
// terminators and extract branch targets for both supported arches.

// BranchInfo describes a decoded branch instruction.
type BranchInfo struct {
	Target   uint64 // absolute target address (0 if RET or indirect)
	Cond     bool   // true if conditional (has fallthrough)
	IsRet    bool   // true if RET
	Indirect bool   // true for register-indirect jumps (target unknown)
}

// Branch classifies an instruction as a block terminator.
// Returns nil if the instruction is not a branch/ret. Calls (BL/BLR/CALL)
// are not branches: they return to the next instruction.
func Branch(arch Arch, inst Inst) *BranchInfo {
	switch arch {
	case ArchAMD64:
		return branchAMD64(inst)
	default:
		if len(inst.Raw) != 4 {
			return nil
		}
		return DecodeBranchARM64(binary.LittleEndian.Uint32(inst.Raw), inst.Addr)
	}
}

// DecodeBranchARM64 attempts to decode a branch from a raw ARM64 encoding at
// the given PC.
func DecodeBranchARM64(raw uint32, pc uint64) *BranchInfo {
	// RET (0xD65F03C0 exactly, or RET Xn = 0xD65F0000 | Rn<<5)
	if raw&0xFFFFFC1F == 0xD65F0000 {
		return &BranchInfo{IsRet: true}
	}

	// BR Xn: 1101011 0000 11111 000000 Rn 00000
	if raw&0xFFFFFC1F == 0xD61F0000 {
		return &BranchInfo{Indirect: true}
	}

	// B (unconditional): 000101 imm26
	if raw&0xFC000000 == 0x14000000 {
		imm26 := raw & 0x03FFFFFF
		offset := signExtend(imm26, 26) * 4
		return &BranchInfo{Target: uint64(int64(pc) + int64(offset))}
	}

	// B.cond: 01010100 imm19 0 cond
	if raw&0xFF000010 == 0x54000000 {
		imm19 := (raw >> 5) & 0x7FFFF
		offset := signExtend(imm19, 19) * 4
		return &BranchInfo{Target: uint64(int64(pc) + int64(offset)), Cond: true}
	}

	// CBZ: 0 sf 110100 imm19 Rt
	if raw&0x7F000000 == 0x34000000 {
		imm19 := (raw >> 5) & 0x7FFFF
		offset := signExtend(imm19, 19) * 4
		return &BranchInfo{Target: uint64(int64(pc) + int64(offset)), Cond: true}
	}

	// CBNZ: 0 sf 110101 imm19 Rt
	if raw&0x7F000000 == 0x35000000 {
		imm19 := (raw >> 5) & 0x7FFFF
		offset := signExtend(imm19, 19) * 4
		return &BranchInfo{Target: uint64(int64(pc) + int64(offset)), Cond: true}
	}

	// TBZ: 0 b5 110110 b40 imm14 Rt
	if raw&0x7F000000 == 0x36000000 {
		imm14 := (raw >> 5) & 0x3FFF
		offset := signExtend(imm14, 14) * 4
		return &BranchInfo{Target: uint64(int64(pc) + int64(offset)), Cond: true}
	}

	// TBNZ: 0 b5 110111 b40 imm14 Rt
	if raw&0x7F000000 == 0x37000000 {
		imm14 := (raw >> 5) & 0x3FFF
		offset := signExtend(imm14, 14) * 4
		return &BranchInfo{Target: uint64(int64(pc) + int64(offset)), Cond: true}
	}

	return nil
}

func branchAMD64(inst Inst) *BranchInfo {
	dec, err := x86asm.Decode(inst.Raw, 64)
	if err != nil {
		return nil
	}

	switch dec.Op {
	case x86asm.RET, x86asm.LRET:
		return &BranchInfo{IsRet: true}
	case x86asm.JMP:
		if rel, ok := dec.Args[0].(x86asm.Rel); ok {
			return &BranchInfo{Target: uint64(int64(inst.Addr) + int64(dec.Len) + int64(rel))}
		}
		return &BranchInfo{Indirect: true}
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS:
		if rel, ok := dec.Args[0].(x86asm.Rel); ok {
			return &BranchInfo{Target: uint64(int64(inst.Addr) + int64(dec.Len) + int64(rel)), Cond: true}
		}
		return nil
	}
	return nil
}

// Call returns the direct-call target of an instruction (BL on ARM64, CALL
// with a relative operand on x86-64). Returns (0, false) for non-calls and
// indirect calls.
func Call(arch Arch, inst Inst) (uint64, bool) {
	switch arch {
	case ArchAMD64:
		dec, err := x86asm.Decode(inst.Raw, 64)
		if err != nil || dec.Op != x86asm.CALL {
			return 0, false
		}
		if rel, ok := dec.Args[0].(x86asm.Rel); ok {
			return uint64(int64(inst.Addr) + int64(dec.Len) + int64(rel)), true
		}
		return 0, false
	default:
		if len(inst.Raw) != 4 {
			return 0, false
		}
		raw := binary.LittleEndian.Uint32(inst.Raw)
		// BL: 100101 imm26
		if raw&0xFC000000 == 0x94000000 {
			imm26 := raw & 0x03FFFFFF
			offset := signExtend(imm26, 26) * 4
			return uint64(int64(inst.Addr) + int64(offset)), true
		}
		return 0, false
	}
}

// signExtend sign-extends a value from the given bit width to int32.
func signExtend(val uint32, bits int) int32 {
	sign := uint32(1) << (bits - 1)
	mask := sign - 1
	if val&sign != 0 {
		return int32(val | ^mask) // negative
	}
	return int32(val & mask)
}

// IsBranchTerminator returns true if the instruction terminates a basic block.
func IsBranchTerminator(arch Arch, inst Inst) bool {
	return Branch(arch, inst) != nil
}
