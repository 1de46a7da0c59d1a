package graph

import (
	"math"

	"github.com/arbalest-llm/arbalest/internal/backend"
	"github.com/arbalest-llm/arbalest/internal/ggml"
	"github.com/arbalest-llm/arbalest/internal/kvcache"
	"github.com/arbalest-llm/arbalest/internal/metrics"
	"github.com/arbalest-llm/arbalest/internal/model"
)

// EvalState is the per-context memory the builder works against:
// compute scratch per backend and the pinned graph I/O tensors.
type EvalState struct {
	ComputeBufs map[backend.Backend]*backend.Buffer

	TokensIn      *backend.Tensor // i32 [n_ctx]
	EmbeddingsIn  *backend.Tensor // f32 [n_embd, n_ctx]
	Logits        *backend.Tensor // f32 [n_vocab, 1 or n_ctx]
	EmbeddingsOut *backend.Tensor // f32 [n_embd], nil unless configured

	LogitsAll bool
}

// BuildParams selects the batch geometry of one forward pass.
type BuildParams struct {
	N               int
	NPast           int
	EmbeddingsInput bool
	ComputeType     ggml.TensorType
}

// Build constructs the split forward graph of the model over the KV
// cache: embedding lookup, n_layer decoder layers with RoPE
// self-attention against the cache, final RMSNorm and the vocab
// projection, partitioned into per-backend sub-graphs with named
// transfer edges.
func Build(m *model.Model, kv *kvcache.Cache, st *EvalState, p BuildParams) (*Splits, error) {
	N := p.N
	hparams := &m.HParams

	nEmbd := int(hparams.NEmbd)
	nLayer := int(hparams.NLayer)
	nCtx := int(hparams.NCtx)
	nHead := int(hparams.NHead)
	nRot := nEmbd / nHead
	nVocab := int(hparams.NVocab)

	freqBase := hparams.RopeFreqBase
	freqScale := hparams.RopeFreqScale

	// one compute context per backend, scratch rewound per eval
	ctxs := make(map[backend.Backend]*backend.Context, len(st.ComputeBufs))
	for b, buf := range st.ComputeBufs {
		buf.Reset()
		ctxs[b] = backend.NewContext(buf, false)
	}

	ctxI := ctxs[m.BackendInp]
	ctxO := ctxs[m.BackendOut]
	ctxKV := ctxs[kv.Backend]
	ctxL := func(il int) *backend.Context { return ctxs[m.BackendLayers[il]] }

	splits := &Splits{}

	// the scale is reused by all layers; it lives with the cache so
	// it transfers at most once
	kqScale := ctxKV.NewF32(float32(1.0 / math.Sqrt(float64(nEmbd)/float64(nHead)))).
		SetName("1/sqrt(n_embd/n_head)")

	var inpL *backend.Tensor
	if p.EmbeddingsInput {
		embdIn := backend.View2D(ctxI, st.EmbeddingsIn, nEmbd, N, uint64(nEmbd)*4, 0)
		splits.AddOne(&embdIn, ctxI, "input_embd")
		inpL = embdIn
	} else {
		tokenIn := backend.View1D(ctxI, st.TokensIn, N, 0)
		splits.AddOne(&tokenIn, ctxI, "input_tokens")
		inpL = backend.GetRows(ctxI, m.TokEmbeddings, tokenIn)
	}

	eltK := uint64(kv.K.Type.ElementSize())
	eltV := uint64(kv.V.Type.ElementSize())

	var cur *backend.Tensor
	for il := 0; il < nLayer; il++ {
		ctx := ctxL(il)
		layer := &m.Layers[il]

		splits.AddOne(&inpL, ctx, "l%d", il)

		inpSA := inpL

		// norm
		cur = backend.Mul(ctx, backend.RMSNorm(ctx, inpL).SetName("rms_norm_0"), layer.AttentionNorm).
			SetName("attention_norm_0")

		// self-attention
		{
			tmpq := backend.MatMul(ctx, layer.Wq, cur).SetName("tmpq")
			tmpk := backend.MatMul(ctx, layer.Wk, cur).SetName("tmpk")
			tmpv := backend.MatMul(ctx, layer.Wv, cur).SetName("tmpv")

			Qcur := backend.RopeCustomInplace(ctx, backend.Reshape3D(ctx, tmpq, nEmbd/nHead, nHead, N), p.NPast, nRot, freqBase, freqScale).
				SetName("Qcur")
			// the RoPE-ed K is what the cache stores
			Kcur := backend.RopeCustomInplace(ctx, backend.Reshape3D(ctx, tmpk, nEmbd/nHead, nHead, N), p.NPast, nRot, freqBase, freqScale).
				SetName("Kcur")
			Vcur := backend.Transpose(ctx, backend.Reshape2D(ctx, tmpv, nEmbd, N)).SetName("Vcur")

			splits.Add([]**backend.Tensor{&Kcur, &Vcur, &Qcur}, ctxKV, "l%d_attn", il)

			// store key and value to memory
			kView := backend.View1D(ctxKV, kv.K, N*nEmbd, eltK*uint64(nEmbd)*uint64(il*nCtx+p.NPast)).
				SetName("k_v")
			vView := backend.View2D(ctxKV, kv.V, N, nEmbd,
				uint64(nCtx)*eltV,
				uint64(il*nCtx)*eltV*uint64(nEmbd)+uint64(p.NPast)*eltV).
				SetName("v_v")

			kCpy := backend.Cpy(ctxKV, Kcur, kView).SetName("k_cpy")
			vCpy := backend.Cpy(ctxKV, Vcur, vView).SetName("v_cpy")

			// the cache reads below must schedule after the copies;
			// the views carry the copies as synthetic sources
			k := backend.ViewTensor(ctxKV, kv.K)
			v := backend.ViewTensor(ctxKV, kv.V)
			k.Src0 = kCpy
			v.Src0 = vCpy

			Q := backend.Permute(ctxKV, Qcur, 0, 2, 1, 3).SetName("Q")

			K := backend.Permute(ctxKV,
				backend.Reshape3D(ctxKV,
					backend.View1D(ctxKV, k, (p.NPast+N)*nEmbd, uint64(il*nCtx)*eltK*uint64(nEmbd)),
					nEmbd/nHead, nHead, p.NPast+N),
				0, 2, 1, 3).SetName("K")

			KQ := backend.MatMul(ctxKV, K, Q).SetName("KQ")
			KQScaled := backend.ScaleInplace(ctxKV, KQ, kqScale).SetName("KQ_scaled")
			KQMasked := backend.DiagMaskInfInplace(ctxKV, KQScaled, p.NPast).SetName("KQ_masked")
			KQSoftMax := backend.SoftMaxInplace(ctxKV, KQMasked).SetName("KQ_soft_max")

			// split cached V into n_head heads
			V := backend.View3D(ctxKV, v,
				p.NPast+N, nEmbd/nHead, nHead,
				uint64(nCtx)*eltV,
				uint64(nCtx)*eltV*uint64(nEmbd/nHead),
				uint64(il*nCtx)*eltV*uint64(nEmbd)).SetName("V")

			KQV := backend.MatMul(ctxKV, V, KQSoftMax).SetName("KQV")

			splits.AddOne(&KQV, ctx, "l%d", il)

			KQVMerged := backend.Permute(ctx, KQV, 0, 2, 1, 3).SetName("KQV_merged")
			cur = backend.Cpy(ctx, KQVMerged, ctx.NewTensor(p.ComputeType, nEmbd, N)).
				SetName("KQV_merged_contiguous")

			// projection (no bias)
			cur = backend.MatMul(ctx, layer.Wo, cur).SetName("result_wo")
		}

		inpFF := backend.Add(ctx, cur, inpSA).SetName("inpFF")

		// feed-forward network
		{
			cur = backend.Mul(ctx, backend.RMSNorm(ctx, inpFF).SetName("rms_norm_1"), layer.FfnNorm).
				SetName("ffn_norm")

			tmp := backend.MatMul(ctx, layer.W3, cur).SetName("result_w3")
			cur = backend.MatMul(ctx, layer.W1, cur).SetName("result_w1")
			cur = backend.Silu(ctx, cur).SetName("silu")
			cur = backend.Mul(ctx, cur, tmp).SetName("silu_x_result_w3")
			cur = backend.MatMul(ctx, layer.W2, cur).SetName("result_w2")
		}

		cur = backend.Add(ctx, cur, inpFF).SetName("inpFF_+_result_w2")

		// input for next layer
		inpL = cur
	}

	splits.AddOne(&inpL, ctxO, "output")

	// norm
	cur = backend.Mul(ctxO, backend.RMSNorm(ctxO, inpL).SetName("rms_norm_2"), m.Norm).
		SetName("result_norm")

	if st.EmbeddingsOut != nil {
		// the embedding of the last token in the batch
		last := backend.View1D(ctxO, cur, nEmbd, uint64((N-1)*nEmbd)*4)
		embCpy := backend.Cpy(ctxO, last, st.EmbeddingsOut).SetName("embeddings_out")
		splits.cur.Graph.BuildForward(embCpy)
	}

	// lm_head
	cur = backend.MatMul(ctxO, m.Output, cur).SetName("result_output")

	if st.LogitsAll {
		cur = backend.Cpy(ctxO, cur,
			backend.View2D(ctxO, st.Logits, nVocab, N, uint64(nVocab)*4, 0))
	} else {
		// only the logits of the last token are kept
		cur = backend.View1D(ctxO, cur, nVocab, uint64((N-1)*nVocab)*4)
		cur = backend.Cpy(ctxO, cur, st.Logits)
	}

	splits.Finish(cur)

	for _, c := range ctxs {
		if err := c.Err(); err != nil {
			return nil, err
		}
	}

	metrics.GraphSplits.Observe(float64(len(splits.List)))
	return splits, nil
}
