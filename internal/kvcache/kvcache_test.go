package kvcache

import (
	"testing"

	"github.com/arbalest-llm/arbalest/internal/backend"
	"github.com/arbalest-llm/arbalest/internal/ggml"
)

func testHParams() *ggml.HParams {
	return &ggml.HParams{NEmbd: 8, NLayer: 2, NCtx: 16}
}

func TestInitSizes(t *testing.T) {
	tests := []struct {
		name  string
		wtype ggml.TensorType
	}{
		{"f16", ggml.TypeF16},
		{"f32", ggml.TypeF32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := backend.NewCPU()
			c, err := Init(b, testHParams(), tt.wtype, 16)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Free()

			wantElems := 8 * 2 * 16
			if c.K.NElements() != wantElems || c.V.NElements() != wantElems {
				t.Errorf("k/v elements %d/%d, want %d", c.K.NElements(), c.V.NElements(), wantElems)
			}
			if c.K.Type != tt.wtype {
				t.Errorf("k type %s", c.K.Type)
			}
			if c.N != 0 {
				t.Errorf("fresh cache n = %d", c.N)
			}
		})
	}
}

func TestInitRejectsQuantized(t *testing.T) {
	b := backend.NewCPU()
	if _, err := Init(b, testHParams(), ggml.TypeQ4_0, 16); err == nil {
		t.Fatal("expected element type error")
	}
}

func TestAdvance(t *testing.T) {
	b := backend.NewCPU()
	c, err := Init(b, testHParams(), ggml.TypeF16, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Free()

	c.Advance(0, 4)
	if c.N != 4 {
		t.Errorf("n = %d, want 4", c.N)
	}
	c.Advance(4, 1)
	if c.N != 5 {
		t.Errorf("n = %d, want 5", c.N)
	}
}
