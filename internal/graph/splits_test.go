package graph

import (
	"math"
	"testing"

	"github.com/arbalest-llm/arbalest/internal/backend"
	"github.com/arbalest-llm/arbalest/internal/ggml"
)

func newCtx(t *testing.T, b backend.Backend) *backend.Context {
	t.Helper()
	buf, err := b.AllocBuffer(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	return backend.NewContext(buf, false)
}

func TestAddSameContextKeepsSplit(t *testing.T) {
	cpu := backend.NewCPU()
	ctx := newCtx(t, cpu)

	s := &Splits{}
	a := ctx.NewTensor(ggml.TypeF32, 4)
	s.AddOne(&a, ctx, "input_tokens")
	b := backend.Add(ctx, a, a)
	s.AddOne(&b, ctx, "l%d", 0)
	s.Finish(b)

	if len(s.List) != 1 {
		t.Fatalf("splits = %d, want 1", len(s.List))
	}
	if len(s.List[0].InEdges) != 0 {
		t.Fatalf("edges on a single-backend graph: %d", len(s.List[0].InEdges))
	}
	if len(s.List[0].Graph.Nodes) == 0 {
		t.Fatal("final split has no nodes")
	}
}

func TestAddCrossContextCreatesEdge(t *testing.T) {
	cpu := backend.NewCPU()
	dev := backend.NewCPUNamed("dev1", false)
	ctxA := newCtx(t, cpu)
	ctxB := newCtx(t, dev)

	s := &Splits{}
	x := ctxA.NewTensor(ggml.TypeF32, 4)
	for i := 0; i < 4; i++ {
		data := []byte{0, 0, 128, 63} // 1.0f
		cpu.TensorSet(x, uint64(i*4), data)
	}
	s.AddOne(&x, ctxA, "input_tokens")
	y := backend.Add(ctxA, x, x)

	moved := y
	s.AddOne(&moved, ctxB, "l%d", 0)
	if moved == y {
		t.Fatal("cross-context add must replace the tensor with an input copy")
	}
	if moved.Ctx != ctxB {
		t.Fatal("replacement lives in the wrong context")
	}

	z := backend.Add(ctxB, moved, moved)
	s.Finish(z)

	if len(s.List) != 2 {
		t.Fatalf("splits = %d, want 2", len(s.List))
	}
	second := s.List[1]
	if len(second.InEdges) != 1 {
		t.Fatalf("edges = %d, want 1", len(second.InEdges))
	}
	if second.InEdges[0].Name != "l0" {
		t.Errorf("edge name = %q", second.InEdges[0].Name)
	}
	if second.InEdges[0].Src != y {
		t.Error("edge source is not the producing tensor")
	}

	// the producing split must contain the op that computes y
	found := false
	for _, n := range s.List[0].Graph.Nodes {
		if n == y {
			found = true
		}
	}
	if !found {
		t.Error("producer split does not compute the transferred tensor")
	}

	Run(s, 1, 1, dev)
	out := make([]byte, 16)
	dev.TensorGet(z, 0, out)
	// x=1 -> y=2 -> z=4
	for i := 0; i < 4; i++ {
		got := float32frombytes(out[i*4:])
		if got != 4 {
			t.Fatalf("z[%d] = %f, want 4", i, got)
		}
	}
}

func float32frombytes(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}
