package branch

import (
	"testing"

	"github.com/relblock/bbvjit/asm"
	"github.com/relblock/bbvjit/jit/ctx"
	"github.com/relblock/bbvjit/jit/ids"
)

func TestAllocReturnsIncreasingIDs(t *testing.T) {
	tbl := New()
	id0, b0 := tbl.Alloc()
	id1, b1 := tbl.Alloc()

	if id0 != 0 || id1 != 1 {
		t.Fatalf("ids = %d, %d, want 0, 1", id0, id1)
	}
	if b0.ID != id0 || b1.ID != id1 {
		t.Fatalf("Branch.ID not set to its own Alloc id: %d, %d", b0.ID, b1.ID)
	}
}

func TestGetReturnsSameRecordAllocFilled(t *testing.T) {
	tbl := New()
	id, b := tbl.Alloc()
	b.Start = 10
	b.End = 20
	b.Shape = ShapeNext0

	got := tbl.Get(id)
	if got.Start != 10 || got.End != 20 || got.Shape != ShapeNext0 {
		t.Fatalf("Get(id) = %+v, want the fields written through Alloc's pointer", got)
	}
}

func TestGenFnIdempotentAcrossReemission(t *testing.T) {
	tbl := New()
	_, b := tbl.Alloc()

	calls := 0
	b.GenFn = func(cb *asm.CodeBlock, t0, t1 uintptr, shape Shape) {
		calls++
		cb.WriteByte(0xE9)
		cb.WriteInt(int64(int32(t0)), 32)
	}

	cb, err := asm.NewCodeBlock(64)
	if err != nil {
		t.Fatalf("NewCodeBlock: %v", err)
	}
	defer cb.Close()

	start := cb.GetPos()
	b.GenFn(cb, 1000, 0, ShapeDefault)
	firstLen := cb.GetPos() - start

	cb.SetPos(start)
	b.GenFn(cb, 2000, 0, ShapeDefault)
	secondLen := cb.GetPos() - start

	if firstLen != secondLen {
		t.Fatalf("re-emission changed length: %d vs %d", firstLen, secondLen)
	}
	if calls != 2 {
		t.Fatalf("GenFn called %d times, want 2", calls)
	}
}

func TestShapeDefaultValueIsDefault(t *testing.T) {
	var b Branch
	if b.Shape != ShapeDefault {
		t.Fatalf("zero-value Branch.Shape = %v, want ShapeDefault", b.Shape)
	}
}

func TestTargetCtxsIndependentOfSrcCtx(t *testing.T) {
	tbl := New()
	_, b := tbl.Alloc()

	b.SrcCtx = ctx.Default()
	var widened ctx.Context
	widened.Push(0, ctx.TFixnum)
	b.TargetCtxs[0] = widened
	b.Targets[0] = ids.BlockId{Iseq: 1, Idx: 3}
	b.HasTarget1 = false

	if b.SrcCtx.StackSize != 0 {
		t.Fatalf("SrcCtx mutated: %+v", b.SrcCtx)
	}
	if b.TargetCtxs[0].StackSize != 1 {
		t.Fatalf("TargetCtxs[0] not recorded: %+v", b.TargetCtxs[0])
	}
	if b.HasTarget1 {
		t.Fatal("single-target branch should have HasTarget1 == false")
	}
}
