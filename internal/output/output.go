// Package output persists alignment results: annotated copies of the input
// binaries and an optional report directory.
package output

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"binalign/internal/align"
	"binalign/internal/analyze"
)

// Side identifies which input binary an emission covers.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Annotation trailer format: the original image bytes, unchanged, followed
// by a JSON payload and a fixed 16-byte footer. Appending after the section
// header table leaves every PT_LOAD segment untouched, so execution
// semantics are preserved; the correspondence rides along as additive
// metadata.
const (
	trailerMagic   = "BALN"
	trailerVersion = 1
	footerSize     = 16 // magic[4] + version u32 + payload length u64
)

// Annotation is the per-binary alignment record appended to an output image.
type Annotation struct {
	Tool        string           `json:"tool"`
	Side        Side             `json:"side"`
	Source      string           `json:"source"`
	Counterpart string           `json:"counterpart"`
	Funcs       []FuncAnnotation `json:"funcs"`
}

// FuncAnnotation ties one function to its alignment identifier.
type FuncAnnotation struct {
	AlignID     int               `json:"align_id"`
	Name        string            `json:"name"`
	PC          string            `json:"pc"`
	Kind        string            `json:"kind"`
	Score       float64           `json:"score,omitempty"`
	Counterpart string            `json:"counterpart,omitempty"`
	Blocks      []BlockAnnotation `json:"blocks,omitempty"`
}

// BlockAnnotation records one block's alignment entry from this side's view.
type BlockAnnotation struct {
	ID          int    `json:"id"`
	Kind        string `json:"kind"`
	Counterpart int    `json:"counterpart"` // block ID in the paired function; -1 for gaps
}

// EmitAnnotated writes an annotated copy of bin's image to outPath: the
// original bytes plus the alignment trailer for this side. Independent of
// the other side's emission.
func EmitAnnotated(bin *analyze.Binary, other *analyze.Binary, res *align.Result, side Side, outPath string) error {
	raw, err := os.ReadFile(bin.Path)
	if err != nil {
		return fmt.Errorf("output: read %s: %w", bin.Path, err)
	}

	ann := BuildAnnotation(bin, other, res, side)
	payload, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("output: encode annotation: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(raw) + len(payload) + footerSize)
	buf.Write(raw)
	buf.Write(payload)
	buf.WriteString(trailerMagic)
	var footer [12]byte
	binary.LittleEndian.PutUint32(footer[0:4], trailerVersion)
	binary.LittleEndian.PutUint64(footer[4:12], uint64(len(payload)))
	buf.Write(footer[:])

	if err := os.WriteFile(outPath, buf.Bytes(), 0755); err != nil {
		return fmt.Errorf("output: write %s: %w", outPath, err)
	}
	return nil
}

// BuildAnnotation assembles the per-side annotation record. Align IDs are
// the match's index in the result, identical on both sides.
func BuildAnnotation(bin *analyze.Binary, other *analyze.Binary, res *align.Result, side Side) *Annotation {
	ann := &Annotation{
		Tool:        "binalign",
		Side:        side,
		Source:      bin.Path,
		Counterpart: other.Path,
	}

	for id, m := range res.Matches {
		self, peer := m.A, m.B
		if side == SideB {
			self, peer = m.B, m.A
		}
		if self == nil {
			continue
		}

		fa := FuncAnnotation{
			AlignID: id,
			Name:    self.Name,
			PC:      fmt.Sprintf("0x%x", self.Entry),
			Kind:    string(m.Kind),
			Score:   m.Score,
		}
		if peer != nil {
			fa.Counterpart = peer.Name
		}
		if m.Blocks != nil {
			for _, e := range m.Blocks.Entries {
				ba, ok := blockFromSide(e, side)
				if ok {
					fa.Blocks = append(fa.Blocks, ba)
				}
			}
		}
		ann.Funcs = append(ann.Funcs, fa)
	}
	return ann
}

// blockFromSide projects a block alignment entry onto one side. Gap entries
// belonging entirely to the other side are skipped.
func blockFromSide(e align.BlockEntry, side Side) (BlockAnnotation, bool) {
	selfID, peerID := e.AID, e.BID
	if side == SideB {
		selfID, peerID = e.BID, e.AID
	}
	if selfID < 0 {
		return BlockAnnotation{}, false
	}
	return BlockAnnotation{ID: selfID, Kind: string(e.Kind), Counterpart: peerID}, true
}

// ReadAnnotation extracts the trailer from an annotated binary.
func ReadAnnotation(path string) (*Annotation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("output: read %s: %w", path, err)
	}
	if len(raw) < footerSize {
		return nil, fmt.Errorf("output: %s: no annotation trailer", path)
	}

	footer := raw[len(raw)-footerSize:]
	if string(footer[0:4]) != trailerMagic {
		return nil, fmt.Errorf("output: %s: bad trailer magic", path)
	}
	version := binary.LittleEndian.Uint32(footer[4:8])
	if version != trailerVersion {
		return nil, fmt.Errorf("output: %s: unsupported trailer version %d", path, version)
	}
	plen := binary.LittleEndian.Uint64(footer[8:16])
	if plen > uint64(len(raw)-footerSize) {
		return nil, fmt.Errorf("output: %s: truncated annotation payload", path)
	}

	payload := raw[uint64(len(raw)-footerSize)-plen : len(raw)-footerSize]
	var ann Annotation
	if err := json.Unmarshal(payload, &ann); err != nil {
		return nil, fmt.Errorf("output: %s: decode annotation: %w", path, err)
	}
	return &ann, nil
}
