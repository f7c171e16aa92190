// Package align computes a structural correspondence between two analyzed
// binaries: a function-level matching plus, per matched pair, a block-level
// alignment tolerant of insertions, deletions, and reordering.
package align

import (
	"hash/fnv"

	"binalign/internal/analyze"
)

// Signature is a cheap structural fingerprint of a function, used to prune
// pairwise comparison. Never mutated after creation.
type Signature struct {
	BlockCount  int
	EdgeCount   int
	InstCount   int
	Hash        uint64   // rolling hash over the full normalized stream, RPO order
	BlockHashes []uint64 // per-block stream hashes, RPO order
}

// BuildSignature derives a function's Signature in time linear in its
// instruction count. A zero-block function yields a degenerate Signature.
func BuildSignature(fn *analyze.Function) Signature {
	sig := Signature{
		BlockCount: len(fn.Blocks),
		EdgeCount:  fn.EdgeCount(),
		InstCount:  fn.InstCount(),
	}

	rpo := fn.RPO()
	h := fnv.New64a()
	sig.BlockHashes = make([]uint64, 0, len(rpo))
	for _, id := range rpo {
		blk := &fn.Blocks[id]
		sig.BlockHashes = append(sig.BlockHashes, blk.Hash)
		for _, tok := range blk.Tokens {
			h.Write([]byte(tok))
			h.Write([]byte{0})
		}
		h.Write([]byte{0xFF}) // block separator
	}
	sig.Hash = h.Sum64()
	return sig
}

// Degenerate reports whether the signature belongs to a zero-block function.
// Degenerate functions never participate in matching.
func (s Signature) Degenerate() bool { return s.BlockCount == 0 }

// Equal reports full structural equality of two signatures.
func (s Signature) Equal(o Signature) bool {
	if s.BlockCount != o.BlockCount || s.EdgeCount != o.EdgeCount ||
		s.InstCount != o.InstCount || s.Hash != o.Hash {
		return false
	}
	for i := range s.BlockHashes {
		if s.BlockHashes[i] != o.BlockHashes[i] {
			return false
		}
	}
	return true
}
