package graph

import (
	"github.com/arbalest-llm/arbalest/internal/backend"
	"github.com/arbalest-llm/arbalest/internal/logger"
	"github.com/arbalest-llm/arbalest/internal/metrics"
)

// Run executes the splits in insertion order on the caller's thread:
// for each split, its incoming transfer edges first, then the
// sub-graph on its backend. Cross-backend copies go through host
// memory and are issued async where the backend supports it; the
// output backend is synchronized before the call returns so the
// caller can read logits.
//
// A BLAS-capable backend parallelizes big matmuls internally; with a
// prompt-sized batch the CPU worker threads would only spin-wait
// around it, so they are clamped to one.
func Run(splits *Splits, nThreads, batchSize int, outBackend backend.Backend) {
	hasBLAS := false
	seen := make(map[backend.Backend]bool)
	for _, s := range splits.List {
		b := s.Ctx.Backend
		if !seen[b] {
			seen[b] = true
			if b.HasBLAS() {
				hasBLAS = true
			}
		}
	}

	if hasBLAS && batchSize >= 32 {
		nThreads = 1
	}
	for b := range seen {
		b.SetNThreads(nThreads)
	}

	for _, s := range splits.List {
		for _, e := range s.InEdges {
			n := e.Src.NBytes()
			buf := make([]byte, n)
			e.Src.Ctx.Backend.TensorGet(e.Src, 0, buf)
			s.Ctx.Backend.TensorSetAsync(e.Dst, 0, buf)
			metrics.TransferBytes.WithLabelValues(e.Name).Add(float64(n))
		}
		if len(s.Graph.Nodes) == 0 {
			continue
		}
		s.Ctx.Backend.Compute(&s.Graph)
	}

	outBackend.Synchronize()
	logger.Log.Debug("graph executed", "splits", len(splits.List), "threads", nThreads)
}
