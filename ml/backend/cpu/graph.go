package cpu

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ollama/swarm/ml"
)

// graph records a computation against a bound input surface. Replaying it
// re-runs the computation and writes the results into the same output
// buffers.
type graph struct {
	fn      func(ml.Context, []ml.Tensor) []ml.Tensor
	inputs  []ml.Tensor
	outputs []*Tensor
	closed  bool
}

func (b *Backend) CaptureGraph(inputs []ml.Tensor, fn func(ml.Context, []ml.Tensor) []ml.Tensor) (ml.Graph, error) {
	ctx := b.NewContext()
	defer ctx.Close()

	g := graph{fn: fn}
	for _, t := range inputs {
		g.inputs = append(g.inputs, t.Duplicate(ctx))
	}

	for _, t := range fn(ctx, g.inputs) {
		g.outputs = append(g.outputs, t.Duplicate(ctx).(*Tensor))
	}

	if len(g.outputs) == 0 {
		return nil, errors.New("cpu: captured graph has no outputs")
	}

	return &g, nil
}

func (g *graph) Inputs() []ml.Tensor {
	return g.inputs
}

func (g *graph) Outputs() []ml.Tensor {
	outputs := make([]ml.Tensor, len(g.outputs))
	for i, t := range g.outputs {
		outputs[i] = t
	}

	return outputs
}

func (g *graph) Replay() error {
	if g.closed {
		return errors.New("cpu: replay of closed graph")
	}

	ctx := &Context{}
	defer ctx.Close()

	outputs := g.fn(ctx, g.inputs)
	if len(outputs) != len(g.outputs) {
		return fmt.Errorf("cpu: replay produced %d outputs, captured %d", len(outputs), len(g.outputs))
	}

	for i, t := range outputs {
		out := t.(*Tensor)
		if !slices.Equal(out.shape, g.outputs[i].shape) {
			return fmt.Errorf("cpu: replay output %d has shape %v, captured %v", i, out.shape, g.outputs[i].shape)
		}

		copy(g.outputs[i].data, out.data)
	}

	return nil
}

func (g *graph) Close() {
	g.closed = true
	g.inputs, g.outputs = nil, nil
}
