// Package compiler implements the BBV compiler driver: per-opcode
// codegen, side-exit generation, the branch/stub successor loop, and the
// invalidation and GC hooks that operate on compiled blocks. Grounded on
// ujit_codegen.c's ujit_compile_block/gen_* handler family and
// ujit_core.c's branch_stub_hit/gen_branch/invalidate_block_version, with
// the dependency bookkeeping from ujit_iface.c.
package compiler

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/relblock/bbvjit/asm"
	"github.com/relblock/bbvjit/bytecode"
	"github.com/relblock/bbvjit/jit/branch"
	"github.com/relblock/bbvjit/jit/cache"
	"github.com/relblock/bbvjit/jit/ctx"
	"github.com/relblock/bbvjit/jit/dep"
	"github.com/relblock/bbvjit/jit/ids"
)

// Errors recovered locally per spec.md §7; UnsupportedOpcode and
// IncompleteInlineCache never escape the Compiler (they select
// CantCompile at the handler), so no sentinel is exported for them.
var (
	ErrOutOfCode                  = asm.ErrOutOfCode
	ErrEncodingConstraintViolated = errors.New("compiler: encoding constraint violated")
)

// fixed registers, mirroring ujit_core.h's REG_CFP/REG_EC/REG_SP/REG0/REG1.
const (
	regCFP = asm.RDI
	regEC  = asm.RSI
	regSP  = asm.RDX
	reg0   = asm.RAX
	reg1   = asm.RCX
)

const slotSize = 8

// CallSiteView is the call-cache information opt_send_without_block needs:
// a populated, simple, C-function call site specialized to one receiver
// class.
type CallSiteView struct {
	Populated       bool
	Simple          bool
	RecvClassSerial int64
	CME, CC         ids.DependencyToken
	CFunc           func(recv bytecode.Value, args []bytecode.Value) bytecode.Value
	IsLeaf          bool
	Argc            int
}

// IVarView is the inline-cache information getinstancevariable /
// setinstancevariable need: a populated cache specialized to one class
// and slot, plus whether writing that slot would need a GC write
// barrier (forcing a side exit, matching ujit_codegen.c's gen_setinstancevariable).
type IVarView struct {
	Populated      bool
	ClassSerial    int64
	NeedsWriteBarrierOnSet bool
}

// Host is the interpreter-side collaborator the Compiler reads compile-time
// and run-time state through. A real interpreter backs this with its
// actual CFP/EC/inline-cache layout; the demo host backs it with static
// per-iseq call-site and instance-variable tables.
type Host interface {
	CallSite(iseq ids.IseqRef, idx uint32) (CallSiteView, bool)
	IVar(iseq ids.IseqRef, idx uint32) (IVarView, bool)
	BOPRedefined(op bytecode.Opcode) bool
	SelfClassSerial(iseq ids.IseqRef) int64

	// SideExitTarget returns the address the interpreter resumes
	// execution at when generated code bails out to bytecode index idx
	// of iseq. A side exit hands this value back in RAX when it returns.
	SideExitTarget(iseq ids.IseqRef, idx uint32) uintptr

	// InstallEntry rewrites iseq's first-opcode slot to jump to
	// codePtr, the address compile_iseq produced. RestoreEntry undoes
	// it, run by invalidation when an entry block is invalidated.
	InstallEntry(iseq ids.IseqRef, codePtr uintptr)
	RestoreEntry(iseq ids.IseqRef)
}

// Result is what a per-opcode handler reports back to the driver loop.
type Result uint8

const (
	KeepCompiling Result = iota
	EndBlock
	CantCompile
)

// HandlerFunc compiles one instruction at ctx_in's current shape. It
// returns the outgoing Context (irrelevant if Result != KeepCompiling)
// and the Result.
type HandlerFunc func(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result)

// runCtx threads per-compile_block state through handlers without needing
// a Compiler field mutated per call. pendingNext collects branches a
// handler ended its block with that still need their adjacent successor
// compiled in the same straight-line pass (jump's direct_jump miss case,
// branchunless's fallthrough edge); deps records the method-lookup
// dependency, if any, the block being compiled assumed stable.
type runCtx struct {
	cb, ocb     *asm.CodeBlock
	pendingNext []ids.BranchID
	deps        cache.DepsRef
}

// Stats accumulates the supplementary counters ujit_iface.c's
// RUBY_DEBUG stats block tracked; populated only when Options.GenStats
// is set.
type Stats struct {
	BlockCount       int
	VersionCount     int
	SideExitCount    int
	StubHitCount     int
	InvalidationCount int
}

// Compiler is the inner driver: one per JIT instance, holding every
// mutable table the spec's components describe. It assumes its caller
// holds the enclosing JIT's lock for the duration of any method call.
type Compiler struct {
	CB, OCB *asm.CodeBlock

	Blocks   *cache.BlockCache
	Branches *branch.Table
	Deps     *dep.Table

	Host Host

	GenStats bool
	Stats    Stats

	handlers map[bytecode.Opcode]HandlerFunc

	leafCFuncs map[string]bool

	// iseqs recovers a *bytecode.Iseq from just its ID, needed at
	// stub-hit time: the stub's own bytes only ever carry a BranchID and
	// a target slot, and BranchStubHit needs the owning Iseq to compile
	// the miss.
	iseqs map[ids.IseqRef]*bytecode.Iseq

	// leafCallSites is the registry opt_send_without_block's compiled
	// call sites resolve their CFunc through at run time: a Go closure
	// has no address a CALL instruction can target, so generated code
	// carries the small integer key instead and nativeCallDispatch looks
	// the closure up here.
	leafCallSites map[uint32]func(bytecode.Value, []bytecode.Value) bytecode.Value
}

// New builds a Compiler over the given main/out-of-line CodeBlocks.
func New(cb, ocb *asm.CodeBlock, host Host, genStats bool) *Compiler {
	c := &Compiler{
		CB: cb, OCB: ocb,
		Blocks:   cache.New(),
		Branches: branch.New(),
		Deps:     dep.New(),
		Host:     host,
		GenStats: genStats,
		// rb_hash_has_key is the original's one leaf-cfunc special case
		// (cfunc_needs_frame): no new callee frame is constructed for it.
		leafCFuncs:    map[string]bool{"rb_hash_has_key": true},
		iseqs:         map[ids.IseqRef]*bytecode.Iseq{},
		leafCallSites: map[uint32]func(bytecode.Value, []bytecode.Value) bytecode.Value{},
	}
	c.handlers = map[bytecode.Opcode]HandlerFunc{
		bytecode.Nop:                 genNop,
		bytecode.Pop:                 genPop,
		bytecode.Dup:                 genDup,
		bytecode.PutNil:              genPutNil,
		bytecode.PutObject:           genPutObject,
		bytecode.PutObjectInt2Fix0:   genPutObjectInt2Fix(0),
		bytecode.PutObjectInt2Fix1:   genPutObjectInt2Fix(1),
		bytecode.PutSelf:             genPutSelf,
		bytecode.GetLocalWC0:         genGetLocalWC0,
		bytecode.SetLocalWC0:         genSetLocalWC0,
		bytecode.GetInstanceVariable: genGetInstanceVariable,
		bytecode.SetInstanceVariable: genSetInstanceVariable,
		bytecode.OptLt:               genOptCompare(asm.CCL),
		bytecode.OptMinus:            genOptMinus,
		bytecode.OptPlus:             genOptPlus,
		bytecode.OptSendWithoutBlock: genOptSendWithoutBlock,
		bytecode.BranchUnless:        genBranchUnless,
		bytecode.Jump:                genJump,
	}
	return c
}

// CompileIseq runs the one-time entry compile for iseq: compiles the
// entry block at idx 0 with the default Context, then installs the
// iseq's entry trampoline. Matches ujit_iface.c's rb_ujit_compile_iseq /
// ujit_codegen.c's ujit_gen_entry.
func (c *Compiler) CompileIseq(iseq *bytecode.Iseq) (uintptr, error) {
	c.iseqs[iseq.ID] = iseq
	id, err := c.CompileBlock(iseq, ids.BlockId{Iseq: iseq.ID, Idx: 0}, ctx.Default())
	if err != nil {
		return 0, err
	}
	b := c.Blocks.Get(id)
	b.IsEntry = true
	codePtr := c.CB.GetPtr(b.Start)
	c.Host.InstallEntry(iseq.ID, codePtr)
	return codePtr, nil
}

// applyVersionCap replaces the requested context with the generic
// context once the chain has reached MaxVersions, matching BlockCache's
// documented cap (spec.md §4.4): VersionLimitReached is not an error, it
// silently guarantees a compilable version.
func (c *Compiler) applyVersionCap(bid ids.BlockId, want ctx.Context) ctx.Context {
	if c.Blocks.Count(bid) >= cache.MaxVersions {
		return want.Generic()
	}
	return want
}

// CompileBlock is the inner driver: compiles one fresh Block at bid under
// context cIn, or returns an existing matching version from the cache.
func (c *Compiler) CompileBlock(iseq *bytecode.Iseq, bid ids.BlockId, cIn ctx.Context) (ids.BlockID, error) {
	cIn = c.applyVersionCap(bid, cIn)
	if existing, ok := c.Blocks.Find(bid, cIn); ok {
		return existing, nil
	}

	c.CB.AlignPos(64)
	start := c.CB.GetPos()
	rctx := &runCtx{cb: c.CB, ocb: c.OCB}

	cur := cIn
	idx := bid.Idx
	var endIdx uint32

compileLoop:
	for {
		if int(idx) >= len(iseq.Insns) {
			c.CB.JmpPtr(c.genSideExit(iseq, idx, cur))
			endIdx = idx
			break
		}
		insn := iseq.Insns[idx]
		h, ok := c.handlers[insn.Op]
		if !ok {
			c.CB.JmpPtr(c.genSideExit(iseq, idx, cur))
			endIdx = idx
			break
		}

		nextCtx, res := h(c, iseq, idx, cur, rctx)
		switch res {
		case KeepCompiling:
			cur = nextCtx
			idx++
			// opt_send_without_block always forces EndBlock inside its
			// own handler (it returns EndBlock directly); no separate
			// call-site check is needed here.
		case EndBlock:
			endIdx = idx + 1
			break compileLoop
		case CantCompile:
			c.CB.JmpPtr(c.genSideExit(iseq, idx, cur))
			endIdx = idx
			break compileLoop
		}
	}

	end := c.CB.GetPos()

	// Successor loop (spec.md §4.5): any branch this block's own handlers
	// left pending (jump's direct_jump miss, branchunless's fallthrough
	// edge) gets its adjacent target compiled right now, writing its
	// bytes after end with only CompileBlock's 64-byte alignment nops in
	// between — so execution falls straight through into it and the
	// branch's Next0/Next1 shape needs no jmp (its 5 bytes are nops).
	// Recursion here chains straight-line runs of any
	// length; each nested CompileBlock call resolves its own pendingNext
	// before returning.
	for _, brID := range rctx.pendingNext {
		br := c.Branches.Get(brID)
		slot := 0
		if br.Shape == branch.ShapeNext1 {
			slot = 1
		}
		if br.DstAddrs[slot] != 0 {
			continue
		}
		targetID, err := c.CompileBlock(iseq, br.Targets[slot], br.TargetCtxs[slot])
		if err != nil {
			return ids.NoBlock, err
		}
		tb := c.Blocks.Get(targetID)
		br.DstAddrs[slot] = c.CB.GetPtr(tb.Start)
		tb.Incoming = append(tb.Incoming, brID)
	}

	c.CB.LinkLabels()

	block := cache.Block{
		Ident:  bid,
		CtxIn:  cIn,
		CtxOut: cur,
		Start:  start,
		End:    end,
		EndIdx: endIdx,
		Deps:   rctx.deps,
	}
	id := c.Blocks.Insert(block)
	if rctx.deps.HasCME {
		c.Deps.Add(rctx.deps.CME, id)
	}
	if rctx.deps.HasCC {
		c.Deps.Add(rctx.deps.CC, id)
	}
	if c.GenStats {
		c.Stats.BlockCount++
		c.Stats.VersionCount++
	}

	return id, nil
}

// genSideExit emits, in the out-of-line CodeBlock, a side exit to bytecode
// index idx and returns its address for callers to jump to. The sequence
// advances the SP register by sp_offset slots when that is nonzero, loads
// Host.SideExitTarget(iseq, idx) into RAX, and returns with ret to
// whatever called into the generated code. The SP value is not stored
// back into the control frame, no PC is written into the frame, and no
// registers are restored.
func (c *Compiler) genSideExit(iseq *bytecode.Iseq, idx uint32, cIn ctx.Context) uintptr {
	c.OCB.AlignPos(16)
	start := c.OCB.GetPos()
	if cIn.SPOffset != 0 {
		c.OCB.Lea(asm.Reg(64, regSP), asm.Mem(64, regSP, int32(cIn.SPOffset)*slotSize))
	}
	target := c.Host.SideExitTarget(iseq.ID, idx)
	c.OCB.Mov(asm.Reg(64, reg0), asm.UImm(uint64(target)))
	c.OCB.Ret()
	if c.GenStats {
		c.Stats.SideExitCount++
	}
	return c.OCB.GetPtr(start)
}

// GetBranchTarget resolves one edge of a branch: a cache hit returns the
// existing block's entry and records the branch as incoming; a miss emits
// a deferred-compilation stub in the out-of-line block. Matches
// ujit_core.c's get_branch_target.
func (c *Compiler) GetBranchTarget(iseq *bytecode.Iseq, bid ids.BlockId, want ctx.Context, branchID ids.BranchID, targetIdx int) uintptr {
	want = c.applyVersionCap(bid, want)
	if existing, ok := c.Blocks.Find(bid, want); ok {
		b := c.Blocks.Get(existing)
		b.Incoming = append(b.Incoming, branchID)
		return c.CB.GetPtr(b.Start)
	}
	return c.emitStub(iseq, bid, want, branchID, targetIdx)
}

// emitStub writes a stub into the out-of-line block that, on first
// execution, saves the fixed registers, calls back into BranchStubHit
// (through stubHitTrampoline, since the stub's own CALL carries a SysV
// argument layout a Go function can't be targeted by directly), restores
// the fixed registers, and jumps to whatever address BranchStubHit
// returns. Matches ujit_codegen.c's gen_branch_stub: push_regs/call
// branch_stub_hit/pop_regs/jmp_rm.
func (c *Compiler) emitStub(iseq *bytecode.Iseq, bid ids.BlockId, want ctx.Context, branchID ids.BranchID, targetIdx int) uintptr {
	c.OCB.AlignPos(16)
	start := c.OCB.GetPos()

	c.OCB.Push(asm.Reg(64, regCFP))
	c.OCB.Push(asm.Reg(64, regEC))
	c.OCB.Push(asm.Reg(64, regSP))

	c.OCB.Mov(asm.Reg(64, asm.RDI), asm.UImm(uint64(uintptr(unsafe.Pointer(c)))))
	c.OCB.Mov(asm.Reg(32, asm.RSI), asm.UImm(uint64(branchID)))
	c.OCB.Mov(asm.Reg(32, asm.RDX), asm.UImm(uint64(targetIdx)))
	c.OCB.CallPtr(asm.Reg(64, reg0), stubHitTrampolineAddr())

	c.OCB.Pop(asm.Reg(64, regSP))
	c.OCB.Pop(asm.Reg(64, regEC))
	c.OCB.Pop(asm.Reg(64, regCFP))
	c.OCB.JmpRM(asm.Reg(64, asm.RAX))

	_ = iseq
	_ = bid
	_ = want
	return c.OCB.GetPtr(start)
}

// BranchStubHit is called by the stub shim on first execution. Matches
// ujit_core.c's branch_stub_hit.
func (c *Compiler) BranchStubHit(iseq *bytecode.Iseq, branchID ids.BranchID, targetIdx int) uintptr {
	if c.GenStats {
		c.Stats.StubHitCount++
	}
	br := c.Branches.Get(branchID)
	bid := br.Targets[targetIdx]
	want := c.applyVersionCap(bid, br.TargetCtxs[targetIdx])

	targetID, err := c.CompileBlock(iseq, bid, want)
	if err != nil {
		panic(err)
	}
	tb := c.Blocks.Get(targetID)
	tb.Incoming = append(tb.Incoming, branchID)

	dst := c.CB.GetPtr(tb.Start)
	br.DstAddrs[targetIdx] = dst

	// If the freshly compiled block landed immediately after the
	// branch's own bytes, downgrade to the adjacency-optimized shape
	// before re-emitting; this can only shrink the branch, never grow it.
	if tb.Start == br.End {
		if targetIdx == 0 {
			br.Shape = branch.ShapeNext0
		} else {
			br.Shape = branch.ShapeNext1
		}
	}
	c.reemit(br)
	return dst
}

// reemit re-runs a branch's GenFn at its recorded start, asserting the
// result never exceeds the originally recorded end (spec.md's branch
// size monotonicity invariant).
func (c *Compiler) reemit(br *branch.Branch) {
	saved := c.CB.GetPos()
	c.CB.SetPos(br.Start)
	br.GenFn(c.CB, br.DstAddrs[0], br.DstAddrs[1], br.Shape)
	if c.CB.GetPos() > br.End {
		panic(fmt.Errorf("%w: branch %d grew on re-emission", ErrEncodingConstraintViolated, br.ID))
	}
	c.CB.SetPos(saved)
}

// GenBranch allocates a Branch, resolves both targets (compiling or
// stubbing each), and emits the branch's initial bytes. Matches
// ujit_core.c's gen_branch.
func (c *Compiler) GenBranch(iseq *bytecode.Iseq, srcCtx ctx.Context, id0 ids.BlockId, ctx0 ctx.Context, hasID1 bool, id1 ids.BlockId, ctx1 ctx.Context, genFn branch.GenFn) ids.BranchID {
	branchID, br := c.Branches.Alloc()
	br.SrcCtx = srcCtx
	br.Targets[0] = id0
	br.TargetCtxs[0] = ctx0
	br.HasTarget1 = hasID1
	if hasID1 {
		br.Targets[1] = id1
		br.TargetCtxs[1] = ctx1
	}
	br.GenFn = genFn

	dst0 := c.GetBranchTarget(iseq, id0, ctx0, branchID, 0)
	var dst1 uintptr
	if hasID1 {
		dst1 = c.GetBranchTarget(iseq, id1, ctx1, branchID, 1)
	}
	br.DstAddrs[0], br.DstAddrs[1] = dst0, dst1

	start := c.CB.GetPos()
	genFn(c.CB, dst0, dst1, branch.ShapeDefault)
	end := c.CB.GetPos()
	br.Start, br.End = start, end
	return branchID
}

// DirectJump is the constrained gen_branch form used when a successor is
// known and straight-line adjacency is wanted: on a cache hit it emits a
// plain jmp; on a miss it records the branch as Next0-shaped, emits only
// the 5-byte nop placeholder in place of the jmp, and reports
// needsFollowup=true, telling the
// caller to queue it on rctx.pendingNext so CompileBlock's successor loop
// compiles the target immediately afterward. Matches ujit_core.c's
// gen_direct_jump / gen_jump_branch.
func (c *Compiler) DirectJump(iseq *bytecode.Iseq, srcCtx ctx.Context, id0 ids.BlockId, ctx0 ctx.Context) (branchID ids.BranchID, needsFollowup bool) {
	genFn := func(cb *asm.CodeBlock, t0, t1 uintptr, shape branch.Shape) {
		if shape == branch.ShapeNext0 {
			// jmp rel32 is always 5 bytes; reserve the space with nops so
			// a later invalidation can rewrite this branch back to the
			// Default shape without growing past its recorded end.
			cb.Nop(5)
			return
		}
		cb.JmpPtr(t0)
	}
	if existing, ok := c.Blocks.Find(id0, c.applyVersionCap(id0, ctx0)); ok {
		b := c.Blocks.Get(existing)
		id, br := c.Branches.Alloc()
		br.SrcCtx = srcCtx
		br.Targets[0] = id0
		br.TargetCtxs[0] = ctx0
		br.GenFn = genFn
		dst := c.CB.GetPtr(b.Start)
		br.DstAddrs[0] = dst
		b.Incoming = append(b.Incoming, id)
		br.Start = c.CB.GetPos()
		genFn(c.CB, dst, 0, branch.ShapeDefault)
		br.End = c.CB.GetPos()
		return id, false
	}

	id, br := c.Branches.Alloc()
	br.SrcCtx = srcCtx
	br.Targets[0] = id0
	br.TargetCtxs[0] = ctx0
	br.Shape = branch.ShapeNext0
	br.GenFn = genFn
	br.Start = c.CB.GetPos()
	genFn(c.CB, 0, 0, branch.ShapeNext0)
	br.End = c.CB.GetPos()
	return id, true
}
