package disasm

// Instruction normalization. Address-dependent operand values (branch
// targets, stack displacements, loaded constants) are replaced by shape
// tags so that semantically identical code laid out at different addresses
// yields identical normalized streams.

import "strings"

// Operand shape tags.
const (
	TagBranchTarget = "breltarget"
	TagCallTarget   = "calltarget"
	TagStackOff     = "stackoff"
	TagMemOff       = "memoff"
	TagPCRel        = "pcrel"
	TagImm          = "imm"
)

// Normalize fills Inst.Norm for every instruction in the slice.
// Linear in the total operand text length.
func Normalize(arch Arch, insts []Inst) {
	for i := range insts {
		insts[i].Norm = NormalizeOne(arch, insts[i])
	}
}

// NormalizeOne computes the normalized token for a single instruction.
func NormalizeOne(arch Arch, inst Inst) string {
	mnem := strings.ToLower(inst.Mnemonic)

	// Data filler: the value is layout noise, keep only the directive.
	if mnem == ".word" || mnem == ".byte" {
		return mnem
	}

	if inst.Operands == "" {
		return mnem
	}

	isBranch := Branch(arch, inst) != nil
	_, isCall := Call(arch, inst)

	parts := splitOperands(inst.Operands)
	shapes := make([]string, 0, len(parts))
	for _, p := range parts {
		shapes = append(shapes, operandShape(p, isBranch, isCall))
	}
	return mnem + " " + strings.Join(shapes, ",")
}

// splitOperands splits an operand string on top-level commas, keeping
// bracketed and parenthesized memory operands intact.
func splitOperands(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if start < len(s) {
		parts = append(parts, strings.TrimSpace(s[start:]))
	}
	return parts
}

// operandShape classifies one operand. Registers are kept literally;
// everything address- or value-dependent collapses to a tag.
func operandShape(op string, isBranch, isCall bool) string {
	if op == "" {
		return op
	}
	lower := strings.ToLower(op)

	switch {
	// ARM64 memory operand: [base{, #off}].
	case strings.HasPrefix(lower, "["):
		base := memBase(lower)
		if base == "sp" || base == "wsp" || base == "x29" {
			return TagStackOff
		}
		return TagMemOff

	// x86 GNU-syntax memory operand: disp(%base,%index,scale).
	case strings.Contains(lower, "(%"):
		if strings.Contains(lower, "(%rip") {
			return TagPCRel
		}
		if strings.Contains(lower, "(%rsp") || strings.Contains(lower, "(%rbp") {
			return TagStackOff
		}
		return TagMemOff

	// ARM64 PC-relative operand, printed as .+0x.. / .-0x..
	case strings.HasPrefix(lower, "."):
		if isCall {
			return TagCallTarget
		}
		if isBranch {
			return TagBranchTarget
		}
		return TagPCRel

	// x86 immediate.
	case strings.HasPrefix(lower, "$"):
		return TagImm

	// ARM64 immediate.
	case strings.HasPrefix(lower, "#"):
		return TagImm

	// Bare numeric value: branch target, call target, or plain constant.
	case isNumeric(lower):
		if isCall {
			return TagCallTarget
		}
		if isBranch {
			return TagBranchTarget
		}
		return TagImm
	}

	// Registers, condition codes and shift specifiers are kept as-is.
	return lower
}

// memBase extracts the base register from an ARM64 bracketed operand.
func memBase(op string) string {
	inner := strings.TrimPrefix(op, "[")
	end := strings.IndexAny(inner, ",]")
	if end < 0 {
		return strings.TrimSpace(inner)
	}
	return strings.TrimSpace(inner[:end])
}

func isNumeric(s string) bool {
	s = strings.TrimPrefix(s, "-")
	hex := strings.HasPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			continue
		}
		if hex && c >= 'a' && c <= 'f' {
			continue
		}
		return false
	}
	return true
}
