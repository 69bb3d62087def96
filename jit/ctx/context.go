// Package ctx implements the per-block versioning key: the compile-time
// known shape of the temp stack and self at one entry to a bytecode
// region, plus the distance metric the block cache uses to pick between
// versions. Grounded on ujit_core.c's ctx_t and ctx_diff.
package ctx

const (
	// MaxTempTypes bounds how many stack slots carry a specific type tag;
	// beyond this depth types are conservatively Unknown.
	MaxTempTypes = 8
	// MaxLocalTypes bounds the same for local variable refinements.
	MaxLocalTypes = 8

	slotSize = 8
)

// TypeTag is a small enum over the run-time types the compiler can
// specialize on. Unknown is the conservative top of the lattice.
type TypeTag uint8

const (
	TUnknown TypeTag = iota
	TNil
	TFalse
	TTrue
	TFixnum
	TFlonum
	TImmSymbol
	THeapObject
	TArray
	THash
	TString
)

// MemOperand addresses one stack or local slot relative to a base
// register, in the units the Encoder understands once resolved against a
// concrete register number.
type MemOperand struct {
	BaseRegNo int
	DispBytes int32
}

// Context is the versioning key for one entry to a bytecode region,
// beyond the BlockId itself.
type Context struct {
	StackSize  uint16
	SPOffset   int16
	TempTypes  [MaxTempTypes]TypeTag
	SelfType   TypeTag
	LocalTypes [MaxLocalTypes]TypeTag
}

// Default returns the Context for a block entry at iseq index 0: empty
// stack, zero SP offset, everything else Unknown.
func Default() Context {
	return Context{}
}

// Generic widens every type tag to Unknown while preserving stack shape,
// used once BlockCache's version cap is reached (spec §4.4).
func (c Context) Generic() Context {
	g := c
	g.SelfType = TUnknown
	for i := range g.TempTypes {
		g.TempTypes[i] = TUnknown
	}
	for i := range g.LocalTypes {
		g.LocalTypes[i] = TUnknown
	}
	return g
}

// spOpnd returns [SP + sp_offset*slot_size + extra_bytes], the shared
// arithmetic behind Push/Pop/Opnd/SPOpnd.
func (c Context) spOpnd(spRegNo int, extraBytes int32) MemOperand {
	return MemOperand{BaseRegNo: spRegNo, DispBytes: int32(c.SPOffset)*slotSize + extraBytes}
}

// SPOpnd produces [SP + sp_offset*slot_size + extraBytes], used by
// callee-frame setup that addresses memory below the logical top.
func (c Context) SPOpnd(spRegNo int, extraBytes int32) MemOperand {
	return c.spOpnd(spRegNo, extraBytes)
}

// Push accounts for pushing one value of the given type: advances
// stack_size and sp_offset, records the top type, and returns the memory
// operand for the slot just written.
func (c *Context) Push(spRegNo int, t TypeTag) MemOperand {
	opnd := c.spOpnd(spRegNo, 0)
	c.shiftTempTypes(1)
	c.TempTypes[0] = t
	c.StackSize++
	c.SPOffset++
	return opnd
}

// Pop accounts for popping n values: returns the memory operand for the
// former top slot, clears the top n types, and decrements both counters.
func (c *Context) Pop(spRegNo int, n uint16) MemOperand {
	opnd := c.spOpnd(spRegNo, -int32(slotSize))
	c.shiftTempTypes(-int(n))
	c.StackSize -= n
	c.SPOffset -= int16(n)
	return opnd
}

// shiftTempTypes slides the recorded top-of-stack types after a push (by
// +1) or pop (by -n), keeping TempTypes[0] always "the current top".
func (c *Context) shiftTempTypes(by int) {
	if by > 0 {
		copy(c.TempTypes[by:], c.TempTypes[:MaxTempTypes-by])
		for i := 0; i < by && i < MaxTempTypes; i++ {
			c.TempTypes[i] = TUnknown
		}
		return
	}
	n := -by
	copy(c.TempTypes[:MaxTempTypes-n], c.TempTypes[n:])
	for i := MaxTempTypes - n; i < MaxTempTypes; i++ {
		c.TempTypes[i] = TUnknown
	}
}

// Opnd addresses the idx-th slot from the top without mutating state.
func (c Context) Opnd(spRegNo int, idx int32) MemOperand {
	return MemOperand{BaseRegNo: spRegNo, DispBytes: (int32(c.SPOffset) - 1 - idx) * slotSize}
}

// TopType returns the type tag of the current top-of-stack slot.
func (c Context) TopType() TypeTag {
	if c.StackSize == 0 {
		return TUnknown
	}
	return c.TempTypes[0]
}

// Distance is the result of Diff: 0 means identical, a positive count is
// the number of slots widened to Unknown to reach the target, and
// Infinite means no valid generalization exists.
type Distance int

// Infinite marks an unreachable target context: any mismatch other than
// widening-to-Unknown, a differing stack shape, or narrowing.
const Infinite Distance = -1

// Diff returns 0 iff src==dst, +k if dst is a strict generalization of
// src reached by widening exactly k slots to Unknown (and no narrowing,
// no stack-shape mismatch), and Infinite otherwise.
func (src Context) Diff(dst Context) Distance {
	if src.StackSize != dst.StackSize || src.SPOffset != dst.SPOffset {
		return Infinite
	}
	widened := 0

	diffTag := func(s, d TypeTag) (int, bool) {
		switch {
		case s == d:
			return 0, true
		case d == TUnknown:
			return 1, true
		default:
			return 0, false
		}
	}

	if w, ok := diffTag(src.SelfType, dst.SelfType); !ok {
		return Infinite
	} else {
		widened += w
	}

	n := int(src.StackSize)
	if n > MaxTempTypes {
		n = MaxTempTypes
	}
	for i := 0; i < n; i++ {
		w, ok := diffTag(src.TempTypes[i], dst.TempTypes[i])
		if !ok {
			return Infinite
		}
		widened += w
	}

	for i := 0; i < MaxLocalTypes; i++ {
		w, ok := diffTag(src.LocalTypes[i], dst.LocalTypes[i])
		if !ok {
			return Infinite
		}
		widened += w
	}

	return Distance(widened)
}
