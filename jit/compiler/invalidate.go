package compiler

// This file covers tearing a Block down once a dependency it relied on
// breaks, the per-iseq sweep run when an iseq dies, and the GC mark/update
// hooks. Recording a Block's dependency happens inline in
// genOptSendWithoutBlock (rctx.deps); this file is the other half.
// Grounded on ujit_iface.c's rb_ujit_method_lookup_change /
// rb_ujit_iseq_free_hook / rb_ujit_root_mark / rb_ujit_root_update, and
// ujit_core.c's invalidate_block_version.

import (
	"github.com/relblock/bbvjit/bytecode"
	"github.com/relblock/bbvjit/jit/branch"
	"github.com/relblock/bbvjit/jit/ids"
)

// InvalidateForDependency tears down every Block whose generated code
// assumed token would stay stable: each is unlinked from the cache so
// future lookups never choose it again, and has its entry overwritten in
// place with a jump straight to a side exit. Any already-compiled caller
// still holding a raw pointer to the old entry (a Branch's DstAddrs, or
// the iseq's installed entry trampoline) lands safely back in the
// interpreter instead of running code built on a since-broken assumption.
func (c *Compiler) InvalidateForDependency(token ids.DependencyToken) {
	blocks, ok := c.Deps.Take(token)
	if !ok {
		return
	}
	for _, id := range blocks {
		c.invalidateBlock(id)
	}
}

// OnIseqFree sweeps every live Block belonging to iseq, invalidating each.
// Matches rb_ujit_iseq_free_hook: once the host's iseq object is gone, no
// dangling Block may still claim to serve it.
func (c *Compiler) OnIseqFree(iseq ids.IseqRef) {
	for _, id := range c.Blocks.BlocksForIseq(iseq) {
		c.invalidateBlock(id)
	}
}

// invalidateBlock is the shared teardown: unlink from the cache, drop the
// block from its dependency tokens, patch the entry in place, restore the
// iseq's interpreter entry if this was the entry block, and re-point any
// incoming branch still aimed at it through a fresh stub rather than leave
// it referencing invalidated code.
func (c *Compiler) invalidateBlock(id ids.BlockID) {
	b := c.Blocks.Get(id)
	c.Blocks.Delete(id)
	if b.Deps.HasCME {
		c.Deps.Remove(b.Deps.CME, id)
	}
	if b.Deps.HasCC {
		c.Deps.Remove(b.Deps.CC, id)
	}

	iseqID := b.Ident.Iseq
	stubIseq := &bytecode.Iseq{ID: iseqID}
	exitPtr := c.genSideExit(stubIseq, b.Ident.Idx, b.CtxIn)

	entryPtr := c.CB.GetPtr(b.Start)
	saved := c.CB.GetPos()
	c.CB.SetPos(b.Start)
	c.CB.JmpPtr(exitPtr)
	c.CB.SetPos(saved)

	if b.IsEntry {
		c.Host.RestoreEntry(iseqID)
	}

	for _, brID := range b.Incoming {
		br := c.Branches.Get(brID)
		for slot := 0; slot < 2; slot++ {
			if slot == 1 && !br.HasTarget1 {
				continue
			}
			if br.DstAddrs[slot] != entryPtr {
				continue
			}
			br.DstAddrs[slot] = c.emitStub(stubIseq, br.Targets[slot], br.TargetCtxs[slot], brID, slot)
			// The adjacency a Next0/Next1 shape assumed no longer holds
			// once its target is gone; fall back to the safe default
			// encoding before re-emitting.
			if (slot == 0 && br.Shape == branch.ShapeNext0) || (slot == 1 && br.Shape == branch.ShapeNext1) {
				br.Shape = branch.ShapeDefault
			}
			c.reemit(br)
		}
	}

	if c.GenStats {
		c.Stats.InvalidationCount++
	}
}

// MarkForGC reports every dependency token this Compiler's Deps table
// still references as live, for the host's GC mark phase to trace.
// Matches rb_ujit_root_mark's walk over method_lookup_dependency.
func (c *Compiler) MarkForGC(mark func(ids.DependencyToken)) {
	c.Deps.Iter(func(token ids.DependencyToken, blocks []ids.BlockID) bool {
		if len(blocks) > 0 {
			mark(token)
		}
		return false
	})
}

// UpdateReferencesForGC applies a compacting GC's old->new token
// relocation map. Safe to call more than once with the same map entry
// (dep.Table.Rekey is itself idempotent), matching the original's
// tolerance for a single GC pass visiting a relocated key twice.
func (c *Compiler) UpdateReferencesForGC(relocated map[ids.DependencyToken]ids.DependencyToken) {
	for old, updated := range relocated {
		c.Deps.Rekey(old, updated)
	}
}
