package dep

import (
	"testing"

	"github.com/relblock/bbvjit/jit/ids"
)

func TestAddThenTake(t *testing.T) {
	tbl := New()
	tbl.Add(1, 10)
	tbl.Add(1, 11)

	blocks, ok := tbl.Take(1)
	if !ok {
		t.Fatal("Take should find the token just Added")
	}
	if len(blocks) != 2 {
		t.Fatalf("Take returned %d blocks, want 2", len(blocks))
	}

	if _, ok := tbl.Take(1); ok {
		t.Fatal("Take should have removed the entry entirely")
	}
}

func TestTakeMissingToken(t *testing.T) {
	tbl := New()
	if _, ok := tbl.Take(99); ok {
		t.Fatal("Take on an unregistered token should report not-found")
	}
}

func TestRemoveSingleBlockLeavesOthers(t *testing.T) {
	tbl := New()
	tbl.Add(1, 10)
	tbl.Add(1, 11)
	tbl.Add(1, 12)

	tbl.Remove(1, 11)

	blocks, ok := tbl.Take(1)
	if !ok {
		t.Fatal("entry should still exist after removing one of three blocks")
	}
	if len(blocks) != 2 {
		t.Fatalf("remaining blocks = %v, want 2 entries", blocks)
	}
	for _, b := range blocks {
		if b == 11 {
			t.Fatal("Remove left the removed block behind")
		}
	}
}

func TestRemoveLastBlockDeletesEntry(t *testing.T) {
	tbl := New()
	tbl.Add(1, 10)
	tbl.Remove(1, 10)

	if _, ok := tbl.Take(1); ok {
		t.Fatal("Take should report not-found once the last block under a token is Removed")
	}
}

func TestRemoveOnMissingTokenIsNoop(t *testing.T) {
	tbl := New()
	tbl.Remove(42, 1) // must not panic
}

func TestRekeyMovesBlocks(t *testing.T) {
	tbl := New()
	tbl.Add(1, 10)
	tbl.Add(1, 11)
	tbl.Add(2, 20)

	tbl.Rekey(1, 2)

	if _, ok := tbl.Take(1); ok {
		t.Fatal("old token should no longer have an entry after Rekey")
	}
	blocks, ok := tbl.Take(2)
	if !ok {
		t.Fatal("new token should have an entry after Rekey")
	}
	if len(blocks) != 3 {
		t.Fatalf("Rekey should merge into existing entries: got %d blocks, want 3", len(blocks))
	}
}

func TestRekeyIdempotentOnAlreadyMovedToken(t *testing.T) {
	tbl := New()
	tbl.Add(1, 10)
	tbl.Rekey(1, 2)
	tbl.Rekey(1, 2) // second call: oldToken has no entry anymore

	blocks, ok := tbl.Take(2)
	if !ok {
		t.Fatal("Take(2) should still find the block after a repeated Rekey")
	}
	if len(blocks) != 1 {
		t.Fatalf("repeated Rekey should not duplicate entries: got %d", len(blocks))
	}
}

func TestRekeySameTokenIsNoop(t *testing.T) {
	tbl := New()
	tbl.Add(1, 10)
	tbl.Rekey(1, 1)

	blocks, ok := tbl.Take(1)
	if !ok || len(blocks) != 1 {
		t.Fatalf("Rekey(x,x) should leave the entry untouched, got %v ok=%v", blocks, ok)
	}
}

func TestIterVisitsEveryToken(t *testing.T) {
	tbl := New()
	tbl.Add(1, 10)
	tbl.Add(2, 20)
	tbl.Add(3, 30)

	seen := map[ids.DependencyToken]bool{}
	tbl.Iter(func(token ids.DependencyToken, blocks []ids.BlockID) bool {
		seen[token] = true
		return false
	})

	for _, token := range []ids.DependencyToken{1, 2, 3} {
		if !seen[token] {
			t.Fatalf("Iter did not visit token %d", token)
		}
	}
}

func TestIterStopsEarly(t *testing.T) {
	tbl := New()
	tbl.Add(1, 10)
	tbl.Add(2, 20)
	tbl.Add(3, 30)

	count := 0
	tbl.Iter(func(token ids.DependencyToken, blocks []ids.BlockID) bool {
		count++
		return true
	})

	if count != 1 {
		t.Fatalf("Iter visited %d entries after requesting early stop, want 1", count)
	}
}
