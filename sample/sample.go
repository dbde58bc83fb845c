package sample

import (
	"errors"

	"gonum.org/v1/gonum/floats"
)

type Sampler interface {
	Sample(logits []float32) (int32, error)
}

type greedy struct{}

// Greedy picks the highest scoring token. Ties go to the lowest id.
func Greedy() Sampler {
	return greedy{}
}

func (greedy) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	f := make([]float64, len(logits))
	for i, v := range logits {
		f[i] = float64(v)
	}

	return int32(floats.MaxIdx(f)), nil
}
