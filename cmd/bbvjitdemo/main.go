package main

import (
	"flag"
	"log"

	"github.com/relblock/bbvjit/bytecode"
	"github.com/relblock/bbvjit/jit"
)

func init() {
	log.SetFlags(0)
	log.SetPrefix("bbvjitdemo: ")
}

// rbHashHasKey stands in for rb_hash_has_key, the one leaf cfunc
// opt_send_without_block needs no callee frame for. The Compiler's name
// allowlist does not match this Go symbol's name, so the call site below
// marks it leaf through CallSiteView.IsLeaf instead.
func rbHashHasKey(recv bytecode.Value, args []bytecode.Value) bytecode.Value {
	return bytecode.NewFixnum(1)
}

func main() {
	statsFlag := flag.Bool("jit-stats", false, "print JIT stats before exit")
	flag.Parse()

	opts, err := jit.DefaultOptions()
	if err != nil {
		log.Fatal(err)
	}
	if *statsFlag {
		opts.GenStats = true
	}

	host := newDemoHost()
	j, err := jit.New(opts, host)
	if err != nil {
		log.Fatal(err)
	}
	if j == nil {
		log.Print("disabled via BBVJIT_ENABLED=false; nothing to compile")
		return
	}
	defer j.Close()

	for _, iseq := range sampleIseqs(host) {
		codePtr, err := j.CompileIseq(iseq)
		if err != nil {
			log.Fatalf("compiling iseq %d: %v", iseq.ID, err)
		}
		log.Printf("iseq %d entry compiled at %#x (%d insns)", iseq.ID, codePtr, len(iseq.Insns))
	}

	if opts.GenStats {
		s := j.Stats()
		log.Printf("blocks=%d versions=%d side_exits=%d stub_hits=%d invalidations=%d",
			s.BlockCount, s.VersionCount, s.SideExitCount, s.StubHitCount, s.InvalidationCount)
	}
}

// sampleIseqs builds a handful of small instruction sequences that
// together exercise the opcode handlers the Compiler registers, all but
// dup, putnil, opt_minus and nop (iseq 3's nop is jumped over): fixnum
// arithmetic and comparison, a conditional branch, instance variable
// access, a specialized call site, and direct jumps.
func sampleIseqs(host *demoHost) []*bytecode.Iseq {
	var out []*bytecode.Iseq

	// iseq 1: (self.@x + 1) < 10 ? self.@x = 1 : self.@x = 0
	arith := &bytecode.Iseq{ID: 1, NLocal: 0}
	host.selfClass[1] = 100
	host.setIVar(1, 0, jit.IVarView{Populated: true, ClassSerial: 100})
	host.setIVar(1, 7, jit.IVarView{Populated: true, ClassSerial: 100})
	host.setIVar(1, 10, jit.IVarView{Populated: true, ClassSerial: 100})
	arith.Insns = []bytecode.Insn{
		/*0*/ {Op: bytecode.GetInstanceVariable, A0: 0},
		/*1*/ {Op: bytecode.PutObjectInt2Fix1},
		/*2*/ {Op: bytecode.OptPlus},
		/*3*/ {Op: bytecode.PutObject, A0: int32(bytecode.NewFixnum(10).Raw)},
		/*4*/ {Op: bytecode.OptLt},
		/*5*/ {Op: bytecode.BranchUnless, A0: 9},
		/*6*/ {Op: bytecode.PutObjectInt2Fix1},
		/*7*/ {Op: bytecode.SetInstanceVariable, A0: 0},
		/*8*/ {Op: bytecode.Jump, A0: 11},
		/*9*/ {Op: bytecode.PutObjectInt2Fix0},
		/*10*/ {Op: bytecode.SetInstanceVariable, A0: 0},
		/*11*/ {Op: bytecode.Leave},
	}
	out = append(out, arith)

	// iseq 2: self.hash_has_key?(1) — a leaf cfunc call site, no frame.
	call := &bytecode.Iseq{ID: 2, NLocal: 0}
	host.selfClass[2] = 200
	host.setCallSite(2, 2, jit.CallSiteView{
		Populated: true, Simple: true, RecvClassSerial: 200,
		Argc: 1, CFunc: rbHashHasKey, IsLeaf: true,
	})
	call.Insns = []bytecode.Insn{
		/*0*/ {Op: bytecode.PutSelf},
		/*1*/ {Op: bytecode.PutObjectInt2Fix1},
		/*2*/ {Op: bytecode.OptSendWithoutBlock, A1: 1},
		/*3*/ {Op: bytecode.Leave},
	}
	out = append(out, call)

	// iseq 3: a loop-free straight-line run ending in a direct jump past
	// a dead instruction, exercising DirectJump's adjacency shape.
	jmp := &bytecode.Iseq{ID: 3, NLocal: 1}
	jmp.Insns = []bytecode.Insn{
		/*0*/ {Op: bytecode.PutObjectInt2Fix0},
		/*1*/ {Op: bytecode.SetLocalWC0, A0: 0},
		/*2*/ {Op: bytecode.Jump, A0: 4},
		/*3*/ {Op: bytecode.Nop},
		/*4*/ {Op: bytecode.GetLocalWC0, A0: 0},
		/*5*/ {Op: bytecode.Pop},
		/*6*/ {Op: bytecode.Leave},
	}
	out = append(out, jmp)

	return out
}
