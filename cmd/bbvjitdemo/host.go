// Command bbvjitdemo drives the jit package against a toy Host: it builds
// a JIT from DefaultOptions (plus --jit-stats), compiles each sample iseq,
// reports where its entry point landed, and prints Stats when asked. It
// never branches into the bytes it got back (jit/compiler's own tests do
// that, through the amd64 bridge in native_amd64.go/native_amd64.s), and
// it does not call the invalidation, iseq-free, GC or redefinition
// notification entry points. What it does run, at compile time, are the
// opcode handlers, side exits and branch/stub paths its sample iseqs
// reach, against synthetic call-site and instance-variable caches.
// Grounded on
// go-interpreter/wagon's cmd/wasm-run, which likewise builds one small
// host program to drive the library it ships.
package main

import (
	"github.com/relblock/bbvjit/bytecode"
	"github.com/relblock/bbvjit/jit"
	"github.com/relblock/bbvjit/jit/ids"
)

// demoHost is the toy interpreter-side collaborator: call sites and
// instance-variable caches are preloaded per iseq rather than discovered
// at run time, since this binary never itself executes the machine code
// the JIT emits (it only compiles and reports entry points).
type demoHost struct {
	callSites map[ids.IseqRef]map[uint32]jit.CallSiteView
	ivars     map[ids.IseqRef]map[uint32]jit.IVarView
	selfClass map[ids.IseqRef]int64
	redefined map[bytecode.Opcode]bool

	entries  map[ids.IseqRef]uintptr
	restored []ids.IseqRef
}

func newDemoHost() *demoHost {
	return &demoHost{
		callSites: map[ids.IseqRef]map[uint32]jit.CallSiteView{},
		ivars:     map[ids.IseqRef]map[uint32]jit.IVarView{},
		selfClass: map[ids.IseqRef]int64{},
		redefined: map[bytecode.Opcode]bool{},
		entries:   map[ids.IseqRef]uintptr{},
	}
}

func (h *demoHost) setCallSite(iseq ids.IseqRef, idx uint32, v jit.CallSiteView) {
	m, ok := h.callSites[iseq]
	if !ok {
		m = map[uint32]jit.CallSiteView{}
		h.callSites[iseq] = m
	}
	m[idx] = v
}

func (h *demoHost) setIVar(iseq ids.IseqRef, idx uint32, v jit.IVarView) {
	m, ok := h.ivars[iseq]
	if !ok {
		m = map[uint32]jit.IVarView{}
		h.ivars[iseq] = m
	}
	m[idx] = v
}

func (h *demoHost) CallSite(iseq ids.IseqRef, idx uint32) (jit.CallSiteView, bool) {
	v, ok := h.callSites[iseq][idx]
	return v, ok
}

func (h *demoHost) IVar(iseq ids.IseqRef, idx uint32) (jit.IVarView, bool) {
	v, ok := h.ivars[iseq][idx]
	return v, ok
}

func (h *demoHost) BOPRedefined(op bytecode.Opcode) bool { return h.redefined[op] }

func (h *demoHost) SelfClassSerial(iseq ids.IseqRef) int64 { return h.selfClass[iseq] }

// SideExitTarget has no real interpreter loop to resume into; the
// returned value is an opaque marker encoding (iseq, idx) so a test can
// assert which side exit a given code path reached without ever jumping
// to it.
func (h *demoHost) SideExitTarget(iseq ids.IseqRef, idx uint32) uintptr {
	return uintptr(iseq)<<32 | uintptr(idx)
}

func (h *demoHost) InstallEntry(iseq ids.IseqRef, codePtr uintptr) {
	h.entries[iseq] = codePtr
}

func (h *demoHost) RestoreEntry(iseq ids.IseqRef) {
	h.restored = append(h.restored, iseq)
	delete(h.entries, iseq)
}
