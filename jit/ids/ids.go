// Package ids holds the small set of identifier types shared across the
// versioning, cache, branch and dependency packages, so that none of them
// need to import each other just to name a cross-reference. Per the
// arena/index design note: BlockID and BranchID are monotonically
// growing arena indices, never reused within a process's lifetime.
package ids

// IseqRef is the host-opaque identity of one compiled bytecode sequence.
type IseqRef uint64

// BlockId identifies the entry point of a bytecode region, before
// versioning: (iseq, bytecode index).
type BlockId struct {
	Iseq IseqRef
	Idx  uint32
}

// BlockID is the arena index of one compiled Block (one version of one
// BlockId).
type BlockID uint32

// NoBlock is the sentinel "no next version" / "no block" value.
const NoBlock BlockID = ^BlockID(0)

// BranchID is the arena index of one Branch record.
type BranchID uint32

// NoBranch is the sentinel "no branch" value.
const NoBranch BranchID = ^BranchID(0)

// DependencyToken is the host-opaque identity of a method-cache entry or
// callable-method entry a compiled Block's correctness relies on.
type DependencyToken uint64
