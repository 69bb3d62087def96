package asm

import (
	"errors"
	"fmt"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

// ErrOutOfCode is returned (and, at the Compiler's call sites, panicked
// with) when a write would advance the cursor past the mapped region.
var ErrOutOfCode = errors.New("asm: out of executable code space")

const maxLabels = 32
const maxLabelRefs = 8192

type labelRef struct {
	pos      int
	labelIdx int
}

// CodeBlock is an append-only cursor over a single anonymous RWX mapping.
// It is the sole owner of that mapping: bytes are only ever appended or
// patched in place at a previously-recorded offset, never inserted or
// removed.
type CodeBlock struct {
	mem      mmap.MMap
	writePos int

	labelAddrs [maxLabels]int
	labelNames [maxLabels]string
	numLabels  int

	labelRefs [maxLabelRefs]labelRef
	numRefs   int
}

// NewCodeBlock requests a single RWX mapping of size bytes.
func NewCodeBlock(size int) (*CodeBlock, error) {
	m, err := mmap.MapRegion(nil, size, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("asm: mapping executable region: %w", err)
	}
	return &CodeBlock{mem: m}, nil
}

// Close unmaps the region. The spec's lifecycle never calls this before
// process exit; it exists so tests don't leak mappings.
func (cb *CodeBlock) Close() error {
	return cb.mem.Unmap()
}

// Len is the size of the mapped region in bytes.
func (cb *CodeBlock) Len() int { return len(cb.mem) }

func (cb *CodeBlock) checkSpace(n int) {
	if cb.writePos+n > len(cb.mem) {
		panic(fmt.Errorf("%w: pos=%d need=%d cap=%d", ErrOutOfCode, cb.writePos, n, len(cb.mem)))
	}
}

// WriteByte appends a single byte at the cursor.
func (cb *CodeBlock) WriteByte(b byte) {
	cb.checkSpace(1)
	cb.mem[cb.writePos] = b
	cb.writePos++
}

// WriteBytes appends each byte in order.
func (cb *CodeBlock) WriteBytes(bs ...byte) {
	for _, b := range bs {
		cb.WriteByte(b)
	}
}

// WriteInt appends value as a little-endian integer of numBits width.
func (cb *CodeBlock) WriteInt(value int64, numBits int) {
	switch numBits {
	case 8:
		cb.WriteByte(byte(value))
	case 16:
		v := uint16(value)
		cb.WriteByte(byte(v))
		cb.WriteByte(byte(v >> 8))
	case 32:
		v := uint32(value)
		cb.WriteByte(byte(v))
		cb.WriteByte(byte(v >> 8))
		cb.WriteByte(byte(v >> 16))
		cb.WriteByte(byte(v >> 24))
	case 64:
		v := uint64(value)
		for i := 0; i < 8; i++ {
			cb.WriteByte(byte(v >> (8 * i)))
		}
	default:
		// Byte-at-a-time fallback for odd widths, matching ujit_asm.c's
		// cb_write_int default case.
		v := uint64(value)
		nbytes := (numBits + 7) / 8
		for i := 0; i < nbytes; i++ {
			cb.WriteByte(byte(v >> (8 * i)))
		}
	}
}

// AlignPos advances the cursor to the next multiple-byte boundary. Used to
// align hot block entries to 64 bytes.
func (cb *CodeBlock) AlignPos(multiple int) {
	rem := cb.writePos % multiple
	if rem == 0 {
		return
	}
	pad := multiple - rem
	for i := 0; i < pad; i++ {
		cb.WriteByte(0x90) // single-byte nop
	}
}

// LabelID identifies a label allocated by NewLabel.
type LabelID int

// NewLabel allocates a new, as-yet-unplaced label.
func (cb *CodeBlock) NewLabel(name string) LabelID {
	if cb.numLabels >= maxLabels {
		panic("asm: too many labels")
	}
	idx := cb.numLabels
	cb.labelNames[idx] = name
	cb.labelAddrs[idx] = -1
	cb.numLabels++
	return LabelID(idx)
}

// WriteLabel records the current cursor as id's address.
func (cb *CodeBlock) WriteLabel(id LabelID) {
	cb.labelAddrs[id] = cb.writePos
}

// LabelRef reserves 4 bytes at the cursor and records a pending reference
// to id, to be resolved by LinkLabels.
func (cb *CodeBlock) LabelRef(id LabelID) {
	if cb.numRefs >= maxLabelRefs {
		panic("asm: too many label references")
	}
	cb.labelRefs[cb.numRefs] = labelRef{pos: cb.writePos, labelIdx: int(id)}
	cb.numRefs++
	cb.WriteInt(0, 32)
}

// LinkLabels resolves every pending reference recorded by LabelRef,
// replacing each reserved 32-bit placeholder with
// label_addr - (ref_pos + 4), then clears the label tables. Called once
// at block-finish.
func (cb *CodeBlock) LinkLabels() {
	savedPos := cb.writePos
	for i := 0; i < cb.numRefs; i++ {
		ref := cb.labelRefs[i]
		labelAddr := cb.labelAddrs[ref.labelIdx]
		if labelAddr < 0 {
			panic(fmt.Sprintf("asm: label %q never written", cb.labelNames[ref.labelIdx]))
		}
		offset := int64(labelAddr - (ref.pos + 4))
		cb.writePos = ref.pos
		cb.WriteInt(offset, 32)
	}
	cb.writePos = savedPos
	cb.numLabels = 0
	cb.numRefs = 0
}

// SetPos moves the write cursor, used by the patching path to rewrite a
// previously-emitted branch in place.
func (cb *CodeBlock) SetPos(offset int) {
	if offset < 0 || offset > len(cb.mem) {
		panic(fmt.Sprintf("asm: set_pos %d out of range [0,%d]", offset, len(cb.mem)))
	}
	cb.writePos = offset
}

// GetPos returns the current write cursor.
func (cb *CodeBlock) GetPos() int { return cb.writePos }

// Bytes copies out the region [start, end) of the mapping, for tests and
// disasm to read back what was actually encoded.
func (cb *CodeBlock) Bytes(start, end int) []byte {
	out := make([]byte, end-start)
	copy(out, cb.mem[start:end])
	return out
}

// GetPtr returns an executable pointer to offset within the mapping.
func (cb *CodeBlock) GetPtr(offset int) uintptr {
	if len(cb.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&cb.mem[0])) + uintptr(offset)
}
