// Package branch implements patchable control-transfer sites: the Branch
// record, the idempotent re-emission contract, and the shape optimization
// that omits a jump when its target lands immediately after the branch.
// Grounded on ujit_core.c's branch_t and gen_branch/gen_jump_branch.
package branch

import (
	"github.com/relblock/bbvjit/asm"
	"github.com/relblock/bbvjit/jit/ctx"
	"github.com/relblock/bbvjit/jit/ids"
)

// Shape signals that target 0 (Next0) or target 1 (Next1) lies
// immediately after the branch's emitted bytes, letting GenFn omit that
// jump entirely.
type Shape uint8

const (
	ShapeDefault Shape = iota
	ShapeNext0
	ShapeNext1
)

// GenFn emits (or re-emits) a branch's bytes at the CodeBlock's current
// cursor. It must be idempotent: called once at initial emission and
// again at every later patch, it must always produce bytes that fit in
// the range recorded at first emission. t1 is 0 when the branch is
// single-target.
type GenFn func(cb *asm.CodeBlock, t0, t1 uintptr, shape Shape)

// Branch is a patchable control-transfer site.
type Branch struct {
	ID ids.BranchID

	Start, End int // byte range in the out-of-line or main CodeBlock this branch owns

	SrcCtx ctx.Context

	Targets    [2]ids.BlockId
	TargetCtxs [2]ctx.Context
	HasTarget1 bool

	DstAddrs [2]uintptr // 0 means unresolved (still pointing at a stub)

	GenFn GenFn
	Shape Shape
}

// Table owns the Branch arena. Like cache.BlockCache, indices are never
// reused: a freed Branch's slot is simply never referenced again.
type Table struct {
	branches []Branch
}

// New returns an empty Table.
func New() *Table { return &Table{} }

// Alloc reserves the next BranchID and returns a pointer to its (still
// zero-valued) record for the caller to fill in.
func (t *Table) Alloc() (ids.BranchID, *Branch) {
	id := ids.BranchID(len(t.branches))
	t.branches = append(t.branches, Branch{ID: id})
	return id, &t.branches[id]
}

// Get returns the Branch stored at id.
func (t *Table) Get(id ids.BranchID) *Branch {
	return &t.branches[id]
}
