package kvcache

import (
	"fmt"

	"github.com/arbalest-llm/arbalest/internal/backend"
	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/logger"
	"github.com/arbalest-llm/arbalest/internal/metrics"
)

const headroom = 2 * 1024 * 1024

// Cache is the self-attention key/value store: two flat tensors of
// n_layer*n_ctx*n_embd elements each. Layer l occupies element slots
// [l*n_ctx, (l+1)*n_ctx) along the sequence axis of both k and v;
// entries beyond N are undefined. Eval is the only writer.
type Cache struct {
	K *backend.Tensor
	V *backend.Tensor

	// N is the number of tokens currently in the cache.
	N int

	Backend backend.Backend
	buf     *backend.Buffer
}

// Init allocates the cache on the given backend in wtype (f16 or f32).
func Init(b backend.Backend, hparams *ggml.HParams, wtype ggml.TensorType, nCtx int) (*Cache, error) {
	if wtype != ggml.TypeF16 && wtype != ggml.TypeF32 {
		return nil, fmt.Errorf("kv cache: unsupported element type %s", wtype)
	}
	nEmbd := int(hparams.NEmbd)
	nLayer := int(hparams.NLayer)

	nMem := nLayer * nCtx
	nElements := nEmbd * nMem

	size := 2*uint64(nElements)*uint64(wtype.ElementSize()) + headroom

	buf, err := b.AllocBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("kv cache: %w", err)
	}
	ctx := backend.NewContext(buf, false)

	k, err := ctx.NewTensorE(wtype, nElements)
	if err != nil {
		return nil, err
	}
	v, err := ctx.NewTensorE(wtype, nElements)
	if err != nil {
		return nil, err
	}
	k.SetName("cache_k")
	v.SetName("cache_v")

	logger.Log.Info("kv self size",
		"mb", float64(k.NBytes()+v.NBytes())/1024.0/1024.0,
		"type", wtype.String(), "backend", b.Name())

	return &Cache{K: k, V: v, Backend: b, buf: buf}, nil
}

// Advance records that a batch of n tokens was written at nPast.
// Callers supply a monotone nPast; the cache does not enforce it.
func (c *Cache) Advance(nPast, n int) {
	c.N = nPast + n
	metrics.KVCacheTokens.Set(float64(c.N))
}

func (c *Cache) Free() {
	if c.buf != nil {
		c.Backend.FreeBuffer(c.buf)
		c.buf = nil
	}
}
