package model

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/ollama/swarm/ml"
)

// Weights provides named parameter tensors. Loading them from disk is left
// to implementations.
type Weights interface {
	Tensor(ctx ml.Context, name string, shape ...int) (ml.Tensor, error)
}

// RandomWeights generates deterministic weights from a seed. The same name
// always produces the same tensor, so models of different depth built from
// one seed share their common blocks.
type RandomWeights struct {
	Seed uint64
}

func (w RandomWeights) Tensor(ctx ml.Context, name string, shape ...int) (ml.Tensor, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("%s: invalid shape %v", name, shape)
		}
		n *= d
	}

	h := fnv.New64a()
	h.Write([]byte(name))
	r := rand.New(rand.NewPCG(w.Seed, h.Sum64()))

	s := make([]float32, n)
	switch {
	case strings.HasSuffix(name, "norm.weight"):
		for i := range s {
			s[i] = 1 + 0.1*float32(r.NormFloat64())
		}
	case strings.HasSuffix(name, ".bias"):
		for i := range s {
			s[i] = 0.02 * float32(r.NormFloat64())
		}
	default:
		// scale by fan in so activations keep unit variance
		std := 1 / math.Sqrt(float64(shape[0]))
		for i := range s {
			s[i] = float32(r.NormFloat64() * std)
		}
	}

	return ctx.FromFloats(s, shape...), nil
}
