// Package dep implements the Dependency table: a host-opaque
// DependencyToken (a method-cache entry or callable-method entry's
// identity) mapped to every Block whose generated code assumed that
// token would stay stable. Grounded on ujit_iface.c's
// method_lookup_dependency st_table and assume_method_lookup_stable /
// rb_ujit_method_lookup_change.
package dep

import (
	"github.com/dolthub/swiss"

	"github.com/relblock/bbvjit/jit/ids"
)

// Table maps each DependencyToken to the blocks that depend on it.
type Table struct {
	byToken *swiss.Map[ids.DependencyToken, []ids.BlockID]
}

// New returns an empty Table.
func New() *Table {
	return &Table{byToken: swiss.NewMap[ids.DependencyToken, []ids.BlockID](64)}
}

// Add registers block as depending on token, appending it to any existing
// entry (a block may be added under both a CME and a CC token).
func (t *Table) Add(token ids.DependencyToken, block ids.BlockID) {
	blocks, _ := t.byToken.Get(token)
	t.byToken.Put(token, append(blocks, block))
}

// Take removes and returns every block depending on token, per
// invalidate_for_dependency's "look up, remove" step.
func (t *Table) Take(token ids.DependencyToken) ([]ids.BlockID, bool) {
	blocks, ok := t.byToken.Get(token)
	if !ok {
		return nil, false
	}
	t.byToken.Delete(token)
	return blocks, true
}

// Remove drops a single block from token's list without disturbing other
// entries, used whenever a block is torn down (on_iseq_free, or
// invalidation through one of its other tokens) so that it leaves no
// dangling reference behind.
func (t *Table) Remove(token ids.DependencyToken, block ids.BlockID) {
	blocks, ok := t.byToken.Get(token)
	if !ok {
		return
	}
	for i, b := range blocks {
		if b == block {
			blocks[i] = blocks[len(blocks)-1]
			blocks = blocks[:len(blocks)-1]
			break
		}
	}
	if len(blocks) == 0 {
		t.byToken.Delete(token)
	} else {
		t.byToken.Put(token, blocks)
	}
}

// Iter visits every (token, blocks) entry, stopping early if fn returns
// true. Used by the GC mark phase to report every token this Table still
// references as live.
func (t *Table) Iter(fn func(token ids.DependencyToken, blocks []ids.BlockID) bool) {
	t.byToken.Iter(func(token ids.DependencyToken, blocks []ids.BlockID) bool {
		return fn(token, blocks)
	})
}

// Rekey moves every block registered under oldToken to newToken, used by
// UpdateReferencesForGC after the host relocates a method-cache entry.
// Idempotent if called twice with a token that has already been moved
// (oldToken then simply has no entry), matching the original's tolerance
// for a key being relocated more than once in the same GC pass.
func (t *Table) Rekey(oldToken, newToken ids.DependencyToken) {
	if oldToken == newToken {
		return
	}
	blocks, ok := t.byToken.Get(oldToken)
	if !ok {
		return
	}
	t.byToken.Delete(oldToken)
	existing, _ := t.byToken.Get(newToken)
	t.byToken.Put(newToken, append(existing, blocks...))
}
