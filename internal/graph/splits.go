package graph

import (
	"fmt"

	"github.com/arbalest-llm/arbalest/internal/backend"
)

// Edge is a named cross-backend transfer: Src is produced by an
// earlier split, Dst is its copy in the consuming split's arena.
type Edge struct {
	Name string
	Src  *backend.Tensor
	Dst  *backend.Tensor
}

// Split is one backend-local sub-graph. InEdges run before its nodes.
type Split struct {
	Name    string
	Ctx     *backend.Context
	Graph   backend.Graph
	InEdges []Edge
}

// Splits is the partitioned computation: sub-graphs in execution
// order with explicit transfer edges between them.
type Splits struct {
	List []*Split
	cur  *Split
}

// Add moves the computation into ctx. Each tensor pointer is either
// left alone (same backend context) or replaced by a fresh input
// tensor fed by a transfer edge; the producing split keeps the source
// as one of its outputs.
func (s *Splits) Add(tensors []**backend.Tensor, ctx *backend.Context, format string, args ...interface{}) {
	if s.cur != nil && s.cur.Ctx == ctx {
		return
	}
	name := fmt.Sprintf(format, args...)

	if s.cur == nil {
		s.cur = &Split{Name: name, Ctx: ctx}
		s.List = append(s.List, s.cur)
		return
	}

	next := &Split{Name: name, Ctx: ctx}
	for _, tp := range tensors {
		src := *tp
		s.cur.Graph.BuildForward(src)

		// the transfer moves the raw byte span, so the copy keeps the
		// source strides: a transposed view stays a transposed view
		// on the receiving backend
		dst := ctx.NewTensor(src.Type, src.NE[0], src.NE[1], src.NE[2])
		dst.NB = src.NB
		dst.SetName("%s (input)", name)
		next.InEdges = append(next.InEdges, Edge{Name: name, Src: src, Dst: dst})
		*tp = dst
	}
	s.List = append(s.List, next)
	s.cur = next
}

// AddOne is Add for a single tensor.
func (s *Splits) AddOne(t **backend.Tensor, ctx *backend.Context, format string, args ...interface{}) {
	s.Add([]**backend.Tensor{t}, ctx, format, args...)
}

// Finish closes the last split with the graph producing result.
func (s *Splits) Finish(result *backend.Tensor) {
	s.cur.Graph.BuildForward(result)
}
