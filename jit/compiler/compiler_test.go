package compiler

import (
	"testing"
	"unsafe"

	"github.com/relblock/bbvjit/asm"
	"github.com/relblock/bbvjit/bytecode"
	"github.com/relblock/bbvjit/jit/branch"
	"github.com/relblock/bbvjit/jit/cache"
	"github.com/relblock/bbvjit/jit/ctx"
	"github.com/relblock/bbvjit/jit/ids"
)

// fakeHost is a minimal Host for driving the Compiler in tests: call sites
// and ivar caches are preloaded maps, entries/exits are just recorded
// rather than acted on, matching cmd/bbvjitdemo's demoHost but kept local
// so this package's tests don't depend on package main.
type fakeHost struct {
	callSites map[uint32]CallSiteView
	ivars     map[uint32]IVarView
	selfClass int64
	redefined map[bytecode.Opcode]bool

	entries  map[ids.IseqRef]uintptr
	restored []ids.IseqRef
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		callSites: map[uint32]CallSiteView{},
		ivars:     map[uint32]IVarView{},
		redefined: map[bytecode.Opcode]bool{},
		entries:   map[ids.IseqRef]uintptr{},
	}
}

func (h *fakeHost) CallSite(iseq ids.IseqRef, idx uint32) (CallSiteView, bool) {
	v, ok := h.callSites[idx]
	return v, ok
}

func (h *fakeHost) IVar(iseq ids.IseqRef, idx uint32) (IVarView, bool) {
	v, ok := h.ivars[idx]
	return v, ok
}

func (h *fakeHost) BOPRedefined(op bytecode.Opcode) bool { return h.redefined[op] }

func (h *fakeHost) SelfClassSerial(iseq ids.IseqRef) int64 { return h.selfClass }

func (h *fakeHost) SideExitTarget(iseq ids.IseqRef, idx uint32) uintptr {
	return uintptr(iseq)<<32 | uintptr(idx)
}

func (h *fakeHost) InstallEntry(iseq ids.IseqRef, codePtr uintptr) {
	h.entries[iseq] = codePtr
}

func (h *fakeHost) RestoreEntry(iseq ids.IseqRef) {
	h.restored = append(h.restored, iseq)
	delete(h.entries, iseq)
}

func newTestCodeBlock(t *testing.T) *asm.CodeBlock {
	t.Helper()
	cb, err := asm.NewCodeBlock(1 << 16)
	if err != nil {
		t.Fatalf("NewCodeBlock: %v", err)
	}
	t.Cleanup(func() { cb.Close() })
	return cb
}

func newTestCompiler(t *testing.T, host Host) *Compiler {
	t.Helper()
	cb := newTestCodeBlock(t)
	ocb := newTestCodeBlock(t)
	return New(cb, ocb, host, true)
}

func TestCompileIseqFixnumArithmetic(t *testing.T) {
	host := newFakeHost()
	host.selfClass = 100
	host.ivars[0] = IVarView{Populated: true, ClassSerial: 100}

	iseq := &bytecode.Iseq{ID: 1, Insns: []bytecode.Insn{
		{Op: bytecode.GetInstanceVariable, A0: 0},
		{Op: bytecode.PutObjectInt2Fix1},
		{Op: bytecode.OptPlus},
		{Op: bytecode.Leave},
	}}

	c := newTestCompiler(t, host)
	codePtr, err := c.CompileIseq(iseq)
	if err != nil {
		t.Fatalf("CompileIseq: %v", err)
	}
	if codePtr == 0 {
		t.Fatal("CompileIseq returned a nil code pointer")
	}
	if host.entries[1] != codePtr {
		t.Fatalf("InstallEntry recorded %#x, want %#x", host.entries[1], codePtr)
	}
	if c.Stats.BlockCount != 1 {
		t.Fatalf("BlockCount = %d, want 1", c.Stats.BlockCount)
	}
}

func TestUnsupportedOpcodeEndsInSideExit(t *testing.T) {
	host := newFakeHost()
	iseq := &bytecode.Iseq{ID: 1, Insns: []bytecode.Insn{
		{Op: bytecode.Leave}, // Leave is deliberately not in the handler table
	}}

	c := newTestCompiler(t, host)
	if _, err := c.CompileIseq(iseq); err != nil {
		t.Fatalf("CompileIseq: %v", err)
	}
	if c.Stats.SideExitCount != 1 {
		t.Fatalf("SideExitCount = %d, want 1 for an unhandled opcode", c.Stats.SideExitCount)
	}
}

func TestMissingIVarCacheForcesSideExit(t *testing.T) {
	host := newFakeHost() // no ivar cache populated
	iseq := &bytecode.Iseq{ID: 1, Insns: []bytecode.Insn{
		{Op: bytecode.GetInstanceVariable, A0: 0},
		{Op: bytecode.Leave},
	}}

	c := newTestCompiler(t, host)
	if _, err := c.CompileIseq(iseq); err != nil {
		t.Fatalf("CompileIseq: %v", err)
	}
	if c.Stats.SideExitCount == 0 {
		t.Fatal("an uncached ivar read should have forced a side exit")
	}
}

func TestBranchUnlessAdjacencyShape(t *testing.T) {
	host := newFakeHost()
	host.selfClass = 1
	iseq := &bytecode.Iseq{ID: 1, Insns: []bytecode.Insn{
		{Op: bytecode.PutObjectInt2Fix0},
		{Op: bytecode.BranchUnless, A0: 3},
		{Op: bytecode.PutObjectInt2Fix1},
		{Op: bytecode.Leave},
	}}

	c := newTestCompiler(t, host)
	if _, err := c.CompileIseq(iseq); err != nil {
		t.Fatalf("CompileIseq: %v", err)
	}
	if c.Stats.BlockCount < 1 {
		t.Fatal("expected at least one compiled block")
	}
	br := c.Branches.Get(0)
	if br.Shape != branch.ShapeNext1 {
		t.Fatalf("branchunless shape = %v, want ShapeNext1 (fallthrough laid out next)", br.Shape)
	}
	if c.Blocks.Count(ids.BlockId{Iseq: 1, Idx: 2}) != 1 || br.DstAddrs[1] == 0 {
		t.Fatal("the fallthrough target at idx 2 was not compiled and linked in the same pass")
	}
}

func TestVersionCapAppliesGenericContext(t *testing.T) {
	host := newFakeHost()
	bid := ids.BlockId{Iseq: 1, Idx: 0}

	c := newTestCompiler(t, host)
	for i := 0; i < cache.MaxVersions; i++ {
		var c2 ctx.Context
		c2.Push(0, ctx.TypeTag(i+1))
		c.Blocks.Insert(cache.Block{Ident: bid, CtxIn: c2})
	}

	var want ctx.Context
	want.Push(0, ctx.TFixnum)
	got := c.applyVersionCap(bid, want)
	if got != want.Generic() {
		t.Fatalf("applyVersionCap at the cap = %+v, want the generic context", got)
	}
}

func TestInvalidateForDependencyRemovesBlockAndRestoresEntry(t *testing.T) {
	host := newFakeHost()
	host.selfClass = 200
	host.callSites[1] = CallSiteView{
		Populated: true, Simple: true, RecvClassSerial: 200, Argc: 0,
		CME: 111, CC: 222,
		CFunc: func(recv bytecode.Value, args []bytecode.Value) bytecode.Value { return bytecode.NewFixnum(1) },
	}

	iseq := &bytecode.Iseq{ID: 1, Insns: []bytecode.Insn{
		{Op: bytecode.PutSelf},
		{Op: bytecode.OptSendWithoutBlock, A1: 0},
		{Op: bytecode.Leave},
	}}

	c := newTestCompiler(t, host)
	if _, err := c.CompileIseq(iseq); err != nil {
		t.Fatalf("CompileIseq: %v", err)
	}
	if c.Blocks.Count(ids.BlockId{Iseq: 1, Idx: 0}) != 1 {
		t.Fatal("expected exactly one compiled entry block before invalidation")
	}

	var token ids.DependencyToken
	found := false
	c.Deps.Iter(func(tok ids.DependencyToken, blocks []ids.BlockID) bool {
		token = tok
		found = true
		return true
	})
	if !found {
		t.Fatal("opt_send_without_block should have recorded a dependency token")
	}

	c.InvalidateForDependency(token)

	if c.Blocks.Count(ids.BlockId{Iseq: 1, Idx: 0}) != 0 {
		t.Fatal("invalidation should have unlinked the entry block from the cache")
	}
	if len(host.restored) != 1 || host.restored[0] != 1 {
		t.Fatalf("RestoreEntry calls = %v, want [1]", host.restored)
	}
	if c.Stats.InvalidationCount != 1 {
		t.Fatalf("InvalidationCount = %d, want 1", c.Stats.InvalidationCount)
	}
}

func TestOnIseqFreeSweepsEveryBlockForThatIseq(t *testing.T) {
	host := newFakeHost()
	iseq := &bytecode.Iseq{ID: 1, Insns: []bytecode.Insn{
		{Op: bytecode.PutObjectInt2Fix0},
		{Op: bytecode.Leave},
	}}

	c := newTestCompiler(t, host)
	if _, err := c.CompileIseq(iseq); err != nil {
		t.Fatalf("CompileIseq: %v", err)
	}
	if c.Blocks.Count(ids.BlockId{Iseq: 1, Idx: 0}) == 0 {
		t.Fatal("expected at least one block before OnIseqFree")
	}

	c.OnIseqFree(1)

	if c.Blocks.Count(ids.BlockId{Iseq: 1, Idx: 0}) != 0 {
		t.Fatal("OnIseqFree should have unlinked every block belonging to that iseq")
	}
}

func TestMarkForGCReportsOnlyNonEmptyTokens(t *testing.T) {
	host := newFakeHost()
	c := newTestCompiler(t, host)
	c.Deps.Add(1, 10)

	var marked []ids.DependencyToken
	c.MarkForGC(func(tok ids.DependencyToken) { marked = append(marked, tok) })

	if len(marked) != 1 || marked[0] != 1 {
		t.Fatalf("MarkForGC reported %v, want [1]", marked)
	}
}

func TestUpdateReferencesForGCRekeysDeps(t *testing.T) {
	host := newFakeHost()
	c := newTestCompiler(t, host)
	c.Deps.Add(1, 10)

	c.UpdateReferencesForGC(map[ids.DependencyToken]ids.DependencyToken{1: 2})

	blocks, ok := c.Deps.Take(2)
	if !ok || len(blocks) != 1 || blocks[0] != 10 {
		t.Fatalf("after UpdateReferencesForGC, Deps.Take(2) = %v, %v", blocks, ok)
	}
	if _, ok := c.Deps.Take(1); ok {
		t.Fatal("old token should no longer resolve after a GC rekey")
	}
}

// vmMemory is a throwaway stand-in for a real interpreter's CFP/EC/VM
// stack: three plain buffers a test points a compiled block's fixed
// registers at before actually calling into it through
// enterCompiledCode. The cfp buffer is allocated with headroom below its
// reported pointer so a synthesized callee frame (opt_send_without_block
// with needsFrame) has somewhere to write without corrupting unrelated
// memory.
type vmMemory struct {
	cfpStack []byte
	cfpPtr   uintptr
	ec       []byte
	ecPtr    uintptr
	sp       []int64
	spPtr    uintptr
	self     []byte // kept here only to hold setSelf's object alive
}

func newVMMemory() *vmMemory {
	m := &vmMemory{
		cfpStack: make([]byte, 256),
		ec:       make([]byte, 16),
		sp:       make([]int64, 16),
	}
	m.cfpPtr = uintptr(unsafe.Pointer(&m.cfpStack[128]))
	m.ecPtr = uintptr(unsafe.Pointer(&m.ec[0]))
	m.spPtr = uintptr(unsafe.Pointer(&m.sp[0]))
	*(*int64)(unsafe.Pointer(m.ecPtr + ecCFPOffset)) = int64(m.cfpPtr)
	return m
}

func (m *vmMemory) setSelf(classSerial int32) {
	m.self = make([]byte, 16)
	*(*int32)(unsafe.Pointer(&m.self[classSerialOffset])) = classSerial
	*(*int64)(unsafe.Pointer(m.cfpPtr + cfpSelfOffset)) = int64(uintptr(unsafe.Pointer(&m.self[0])))
}

func (m *vmMemory) ecCFP() int64 {
	return *(*int64)(unsafe.Pointer(m.ecPtr + ecCFPOffset))
}

// TestCompiledEntryExecutesFixnumArithmetic drives spec.md §8 scenario 1
// through real machine code: "putobject 1; putobject 2; opt_plus; leave"
// compiled once and then actually called 100 times must return the
// literal fixnum 3 every time, compiling only the one block.
func TestCompiledEntryExecutesFixnumArithmetic(t *testing.T) {
	host := newFakeHost()
	iseq := &bytecode.Iseq{ID: 1, Insns: []bytecode.Insn{
		{Op: bytecode.PutObject, A0: int32(bytecode.NewFixnum(1).Raw)},
		{Op: bytecode.PutObject, A0: int32(bytecode.NewFixnum(2).Raw)},
		{Op: bytecode.OptPlus},
		{Op: bytecode.Leave},
	}}

	c := newTestCompiler(t, host)
	codePtr, err := c.CompileIseq(iseq)
	if err != nil {
		t.Fatalf("CompileIseq: %v", err)
	}

	mem := newVMMemory()
	wantExit := host.SideExitTarget(iseq.ID, 3)
	for i := 0; i < 100; i++ {
		mem.sp[0], mem.sp[1] = 0, 0
		ret := enterCompiledCode(codePtr, mem.cfpPtr, mem.ecPtr, mem.spPtr)
		if ret != wantExit {
			t.Fatalf("invocation %d: enterCompiledCode returned %#x, want side-exit target %#x", i, ret, wantExit)
		}
		got := bytecode.Value{Raw: mem.sp[0]}
		if !got.IsFixnum() || got.FixnumVal() != 3 {
			t.Fatalf("invocation %d: sp[0] = %#x, want fixnum 3", i, mem.sp[0])
		}
	}

	if c.Stats.BlockCount != 1 {
		t.Fatalf("BlockCount = %d, want 1 (no recompilation across repeated calls)", c.Stats.BlockCount)
	}
	if c.Stats.StubHitCount != 0 {
		t.Fatalf("StubHitCount = %d, want 0 (a straight-line block hits no stub)", c.Stats.StubHitCount)
	}
}

// TestCompiledCallSiteInvokesRealCFunc addresses gen_opt_send_without_block's
// call contract directly: the compiled call site must reach the actual
// CFunc and push its actual return value, not a hardcoded Qnil.
func TestCompiledCallSiteInvokesRealCFunc(t *testing.T) {
	host := newFakeHost()
	host.selfClass = 300
	host.callSites[1] = CallSiteView{
		Populated: true, Simple: true, RecvClassSerial: 300, Argc: 0,
		CME: 1, CC: 2,
		CFunc: func(recv bytecode.Value, args []bytecode.Value) bytecode.Value {
			return bytecode.NewFixnum(7)
		},
	}

	iseq := &bytecode.Iseq{ID: 1, Insns: []bytecode.Insn{
		{Op: bytecode.PutSelf},
		{Op: bytecode.OptSendWithoutBlock, A1: 0},
		{Op: bytecode.Leave},
	}}

	c := newTestCompiler(t, host)
	codePtr, err := c.CompileIseq(iseq)
	if err != nil {
		t.Fatalf("CompileIseq: %v", err)
	}

	mem := newVMMemory()
	mem.setSelf(300)
	savedCFP := mem.ecCFP()

	ret := enterCompiledCode(codePtr, mem.cfpPtr, mem.ecPtr, mem.spPtr)

	wantExit := host.SideExitTarget(iseq.ID, 2)
	if ret != wantExit {
		t.Fatalf("enterCompiledCode returned %#x, want side-exit target %#x", ret, wantExit)
	}
	got := bytecode.Value{Raw: mem.sp[0]}
	if !got.IsFixnum() || got.FixnumVal() != 7 {
		t.Fatalf("sp[0] = %#x, want the CFunc's real fixnum 7 return value", mem.sp[0])
	}
	if mem.ecCFP() != savedCFP {
		t.Fatalf("EC's cfp pointer = %#x after the call, want it restored to %#x", mem.ecCFP(), savedCFP)
	}
}

// TestCompiledBranchStubHitReentersAndJumps runs the deferred-compilation
// stub path end to end: a branch target with no cached version must
// compile through a real stub hit — the stub's own generated bytes
// calling back into BranchStubHit and jumping to what it compiles —
// rather than that path going untested because nothing ever branches
// into generated code.
func TestCompiledBranchStubHitReentersAndJumps(t *testing.T) {
	host := newFakeHost()
	iseq := &bytecode.Iseq{ID: 1, Insns: []bytecode.Insn{
		/*0*/ {Op: bytecode.PutNil},
		/*1*/ {Op: bytecode.BranchUnless, A0: 3},
		/*2*/ {Op: bytecode.PutObjectInt2Fix1},
		/*3*/ {Op: bytecode.PutObjectInt2Fix0},
		/*4*/ {Op: bytecode.Leave},
	}}

	c := newTestCompiler(t, host)
	codePtr, err := c.CompileIseq(iseq)
	if err != nil {
		t.Fatalf("CompileIseq: %v", err)
	}

	if c.Blocks.Count(ids.BlockId{Iseq: 1, Idx: 3}) != 0 {
		t.Fatal("the branch-unless jump target should still be a stub, not yet compiled")
	}
	if c.Blocks.Count(ids.BlockId{Iseq: 1, Idx: 2}) != 1 {
		t.Fatal("the fallthrough target should already be compiled, adjacent to the entry block")
	}

	mem := newVMMemory()
	ret := enterCompiledCode(codePtr, mem.cfpPtr, mem.ecPtr, mem.spPtr)

	if c.Stats.StubHitCount != 1 {
		t.Fatalf("StubHitCount = %d, want 1 (put_nil is always falsy, so the jump edge always runs)", c.Stats.StubHitCount)
	}
	if c.Blocks.Count(ids.BlockId{Iseq: 1, Idx: 3}) != 1 {
		t.Fatal("the stub hit should have compiled its target block for real")
	}

	wantExit := host.SideExitTarget(iseq.ID, 4)
	if ret != wantExit {
		t.Fatalf("enterCompiledCode returned %#x, want side-exit target %#x", ret, wantExit)
	}
	got := bytecode.Value{Raw: mem.sp[0]}
	if !got.IsFixnum() || got.FixnumVal() != 0 {
		t.Fatalf("sp[0] = %#x, want fixnum 0 from the stub-compiled block", mem.sp[0])
	}
}
