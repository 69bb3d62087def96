package compiler

// This file bridges JIT-generated machine code to and from ordinary Go
// code on amd64: entering a compiled block from Go (enterCompiledCode),
// and the two directions generated code itself calls back into Go — a
// real leaf-cfunc invocation from genOptSendWithoutBlock, and a
// lazy-compilation stub reaching BranchStubHit. Grounded on
// ujit_asm.c's C_ARG_REGS (rdi, rsi, rdx, rcx, r8) for the System V
// integer-argument order generated code itself already uses throughout
// this package (regCFP/regEC/regSP/reg0/reg1), bridged into Go via a
// small hand-written assembly shim: nothing in the pack calls raw
// machine code from Go (there is no cgo anywhere in it, and this module
// uses none either), so the trampolines in native_amd64.s are original
// infrastructure, not adapted from any example.
//
// nativeCallTrampoline, nativeCallTrampolineAddr, stubHitTrampoline,
// stubHitTrampolineAddr and enterCompiledCode are implemented in
// native_amd64.s.

import (
	"unsafe"

	"github.com/relblock/bbvjit/bytecode"
	"github.com/relblock/bbvjit/jit/ids"
)

// nativeCallTrampolineAddr returns nativeCallTrampoline's raw entry
// address, for asm.CodeBlock.CallPtr to target directly.
func nativeCallTrampolineAddr() uintptr

// stubHitTrampolineAddr returns stubHitTrampoline's raw entry address.
func stubHitTrampolineAddr() uintptr

// enterCompiledCode calls a compiled entry point, loading cfp/ec/sp into
// the registers generated code reads them from (regCFP/regEC/regSP:
// rdi/rsi/rdx) and returning whatever the block leaves in rax. Used to
// drive compiled blocks from Go: tests, and any real host's own
// interpreter-entry trampoline.
func enterCompiledCode(entry, cfp, ec, sp uintptr) uintptr

// registerLeafCall records fn under a fresh key nativeCallDispatch can
// look it up by; the key, not the Go func value itself (which has no
// stable C-callable address), is what compiled code actually carries as
// an immediate.
func (c *Compiler) registerLeafCall(fn func(bytecode.Value, []bytecode.Value) bytecode.Value) uint32 {
	key := uint32(len(c.leafCallSites))
	c.leafCallSites[key] = fn
	return key
}

// nativeCallDispatch is reached from JIT-generated code through
// nativeCallTrampoline on behalf of a compiled opt_send_without_block
// call site: compilerPtr identifies the Compiler, siteKey its resolved
// CFunc, recvRaw/argvPtr/argc the receiver and argument words the
// generated code already loaded off the VM stack. Matches
// ujit_codegen.c's call_ptr(cb, REG0, cfunc->func) in spirit: a real
// call reaching a real function, with its real return value flowing
// back into the generated code's destination slot.
func nativeCallDispatch(compilerPtr, siteKey, recvRaw, argvPtr, argc uint64) uint64 {
	c := (*Compiler)(unsafe.Pointer(uintptr(compilerPtr)))
	fn := c.leafCallSites[uint32(siteKey)]

	recv := bytecode.Value{Raw: int64(recvRaw)}
	var args []bytecode.Value
	if argc > 0 {
		words := unsafe.Slice((*int64)(unsafe.Pointer(uintptr(argvPtr))), int(argc))
		args = make([]bytecode.Value, argc)
		for i, w := range words {
			args[i] = bytecode.Value{Raw: w}
		}
	}
	ret := fn(recv, args)
	return uint64(ret.Raw)
}

// stubHitDispatch is reached from JIT-generated code through
// stubHitTrampoline on behalf of a branch stub: it recovers the
// target's owning Iseq from the Branch record and defers to
// BranchStubHit, matching ujit_core.c's branch_stub_hit being reached
// through exactly this kind of direct call from generated code.
func stubHitDispatch(compilerPtr, branchIDRaw, targetIdxRaw uint64) uint64 {
	c := (*Compiler)(unsafe.Pointer(uintptr(compilerPtr)))
	branchID := ids.BranchID(branchIDRaw)
	targetIdx := int(targetIdxRaw)

	br := c.Branches.Get(branchID)
	iseq := c.iseqs[br.Targets[targetIdx].Iseq]
	dst := c.BranchStubHit(iseq, branchID, targetIdx)
	return uint64(dst)
}
