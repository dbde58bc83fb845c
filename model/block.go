package model

import (
	"github.com/ollama/swarm/kvcache"
	"github.com/ollama/swarm/ml"
	"github.com/ollama/swarm/ml/graph"
)

// Block is one transformer layer. It may run locally or on a remote node.
type Block interface {
	// Forward processes hidden, shaped [hidden_size, seq_len, batch], given
	// the cached history of this layer in the block's CacheFormat. It returns
	// the new hidden state and the keys and values of the new positions.
	Forward(ctx ml.Context, hidden ml.Tensor, past kvcache.Entry, opts Options) (ml.Tensor, kvcache.Entry, error)

	// CacheFormat is the layout Forward consumes and produces.
	CacheFormat() kvcache.Format
}

// Accelerable is implemented by blocks with fixed-shape decode sites.
type Accelerable interface {
	NewSites(backend ml.Backend, opts ...graph.Option) *Sites
}

type Options struct {
	// Position is the absolute position of the first new token.
	Position int

	// Training disables graph replay.
	Training bool

	// Sites are the accelerators of this block for the current session. Nil
	// runs every operation directly.
	Sites *Sites
}

// Sites are the captured operations of one block for one session. Batch size
// is fixed for the lifetime of a session, so sites are never shared between
// sessions.
type Sites struct {
	Norm, QKV, Rotary *graph.Accelerator
}

func (s *Sites) Close() {
	if s == nil {
		return
	}

	for _, a := range []*graph.Accelerator{s.Norm, s.QKV, s.Rotary} {
		if a != nil {
			a.Close()
		}
	}
}

// DecodeStep reports whether a forward pass of hidden may use captured
// graphs: one new position, not training, and sites built for the session.
func DecodeStep(hidden ml.Tensor, opts Options) bool {
	return opts.Sites != nil && !opts.Training && hidden.Dim(1) == 1
}

// site evaluates fn through a when the step is eligible and directly
// otherwise.
func site(ctx ml.Context, a *graph.Accelerator, eligible bool, fn graph.Func, inputs ...ml.Tensor) ([]ml.Tensor, error) {
	if !eligible || a == nil {
		return fn(ctx, inputs), nil
	}

	return a.Call(ctx, inputs...)
}
