// Package jit wires the CodeBlock, Context, BlockCache, Compiler, Branch,
// and Dependency components into one host-facing instance. Grounded on
// ujit.c's rb_ujit_init / rb_ujit_compile_iseq and ujit_iface.c's
// notification entry points (rb_ujit_bop_redefined,
// rb_ujit_constant_state_changed, rb_ujit_method_lookup_change,
// rb_ujit_iseq_free, rb_ujit_root_mark, rb_ujit_root_update_references),
// matching exec.VM's role as the one type a host program constructs and
// drives.
package jit

import (
	"fmt"
	"sync"

	"github.com/caarlos0/env/v6"

	"github.com/relblock/bbvjit/asm"
	"github.com/relblock/bbvjit/bytecode"
	"github.com/relblock/bbvjit/jit/compiler"
	"github.com/relblock/bbvjit/jit/ctx"
	"github.com/relblock/bbvjit/jit/ids"
)

// Host is the interpreter-side collaborator the Compiler needs. Re-exported
// here so a caller only ever imports the jit package, not jit/compiler.
type Host = compiler.Host

// CallSiteView and IVarView are re-exported the same way.
type CallSiteView = compiler.CallSiteView
type IVarView = compiler.IVarView

// Stats is the supplementary counter block, populated only when
// Options.GenStats is set.
type Stats = compiler.Stats

// Options configures a JIT instance. Field defaults are populated by
// env.Parse from the process environment; an explicit CLI flag (the demo
// binary's --jit-stats) is applied afterward and wins, matching a
// flag-over-env precedence a flag-based CLI reader would expect.
type Options struct {
	GenStats bool `env:"BBVJIT_STATS"`
	Enabled  bool `env:"BBVJIT_ENABLED" envDefault:"true"`
	CodeSize int  `env:"BBVJIT_CODE_SIZE" envDefault:"67108864"`
}

// DefaultOptions returns an Options populated from the environment, with
// Enabled defaulting true and CodeSize defaulting to 64MiB per field tag.
func DefaultOptions() (Options, error) {
	var o Options
	if err := env.Parse(&o); err != nil {
		return Options{}, fmt.Errorf("jit: parsing options: %w", err)
	}
	return o, nil
}

// JIT is the top-level wiring type a host program constructs: one main
// CodeBlock, one out-of-line CodeBlock for side exits and stubs, and the
// Compiler driving both. Unexported fields are guarded by mu; every
// exported method acquires it, so independent *JIT instances never share
// state and tests may construct as many as they like (spec.md §5/§9: no
// package-level singleton).
type JIT struct {
	mu sync.Mutex

	opts Options
	cb   *asm.CodeBlock
	ocb  *asm.CodeBlock
	comp *compiler.Compiler
}

// New allocates a JIT's executable memory and wires its Compiler to host.
// Returns (nil, nil) without allocating anything when opts.Enabled is
// false, matching spec.md's options.enabled switch: a disabled JIT has no
// resources to clean up.
func New(opts Options, host Host) (*JIT, error) {
	if !opts.Enabled {
		return nil, nil
	}
	cb, err := asm.NewCodeBlock(opts.CodeSize)
	if err != nil {
		return nil, fmt.Errorf("jit: allocating code block: %w", err)
	}
	ocb, err := asm.NewCodeBlock(opts.CodeSize)
	if err != nil {
		cb.Close()
		return nil, fmt.Errorf("jit: allocating out-of-line code block: %w", err)
	}
	return &JIT{
		opts: opts,
		cb:   cb,
		ocb:  ocb,
		comp: compiler.New(cb, ocb, host, opts.GenStats),
	}, nil
}

// Close releases both CodeBlocks' executable memory mappings.
func (j *JIT) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.cb.Close(); err != nil {
		return err
	}
	return j.ocb.Close()
}

// CompileIseq is the compile_iseq entry point: compiles iseq's entry block
// and installs it as the iseq's interpreter entry trampoline, returning the
// code pointer a caller would jump to instead of interpreting from
// bytecode index 0.
func (j *JIT) CompileIseq(iseq *bytecode.Iseq) (uintptr, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.comp.CompileIseq(iseq)
}

// BranchStubHit is the branch_stub_hit entry point: called by a
// deferred-compilation stub the first time control reaches it, compiling
// the stub's target block on demand and returning the address execution
// should continue at.
func (j *JIT) BranchStubHit(iseq *bytecode.Iseq, branchID ids.BranchID, targetIdx int) uintptr {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.comp.BranchStubHit(iseq, branchID, targetIdx)
}

// InvalidateForDependency is the invalidate_for_dependency entry point:
// tears down every Block that assumed token would stay stable.
func (j *JIT) InvalidateForDependency(token ids.DependencyToken) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.comp.InvalidateForDependency(token)
}

// OnIseqFree is the on_iseq_free entry point: invalidates every Block
// still claiming to serve an iseq the host is about to discard.
func (j *JIT) OnIseqFree(iseq ids.IseqRef) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.comp.OnIseqFree(iseq)
}

// NotifyBOPRedefined is notify_bop_redefined: a basic operation (+, -, <)
// was overridden on some class, so every Block that compiled a
// specialized, guard-free version of it must be invalidated. This module
// does not track which receiver class a BOP guard specialized to (the
// guard is on the fixnum tag bit alone, not a class serial), so redefining
// an op invalidates every Block that used it, matching the original's
// conservative per-BOP (not per-class) invalidation granularity for the
// opcodes this module implements.
func (j *JIT) NotifyBOPRedefined(op bytecode.Opcode) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.comp.InvalidateForDependency(bopToken(op))
}

// NotifyConstantStateChanged is notify_constant_state_changed: a global
// constant's value changed, so every Block that assumed it stable must be
// invalidated. Constants aren't part of this module's opcode subset (no
// getconstant handler is registered), so no Block ever records a
// dependency on a constant-state token; this is a no-op kept to complete
// the external interface spec.md §6 names.
func (j *JIT) NotifyConstantStateChanged(ids.DependencyToken) {}

// MarkForGC is mark_for_gc: reports every dependency token this JIT's
// Compiler still references as live, for the host's GC mark phase to
// trace alongside its own roots.
func (j *JIT) MarkForGC(mark func(ids.DependencyToken)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.comp.MarkForGC(mark)
}

// UpdateReferencesForGC is update_references_for_gc: applies a compacting
// GC's old->new token relocation map to every Block that referenced a
// moved token.
func (j *JIT) UpdateReferencesForGC(relocated map[ids.DependencyToken]ids.DependencyToken) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.comp.UpdateReferencesForGC(relocated)
}

// Stats returns a snapshot of the Compiler's counters. Always returns the
// zero Stats when Options.GenStats was false at construction.
func (j *JIT) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.comp.Stats
}

// DefaultContext returns the entry Context CompileIseq's first block
// compiles under: every temp/local slot and self unspecialized. Exposed
// so a host's own tests can build contexts the same way the Compiler does
// without importing jit/ctx directly.
func DefaultContext() ctx.Context { return ctx.Default() }

// bopTokenBit mirrors jit/compiler's reserved basic-op dependency token
// namespace (see handlers.go's recordBOPDep): the top bit marks a
// synthesized token rather than a host-assigned CME/CC.
const bopTokenBit = uint64(1) << 63

func bopToken(op bytecode.Opcode) ids.DependencyToken {
	return ids.DependencyToken(bopTokenBit | uint64(op))
}
