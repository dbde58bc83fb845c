package model

import (
	"fmt"
	"log/slog"

	"github.com/ollama/swarm/ml"
)

// Model holds the client side of a distributed transformer: the embedding and
// language modeling head around a stack of blocks.
type Model struct {
	Config

	TokenEmbedding ml.Tensor
	Blocks         []Block
	OutputNorm     Norm
	Output         ml.Tensor
}

func New(ctx ml.Context, c Config, w Weights) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	m := Model{Config: c}

	var err error
	load := func(name string, shape ...int) ml.Tensor {
		if err != nil {
			return nil
		}

		var t ml.Tensor
		t, err = w.Tensor(ctx, name, shape...)
		return t
	}

	m.TokenEmbedding = load("token_embd.weight", c.HiddenSize, c.VocabSize)
	m.OutputNorm = Norm{
		Weight: load("output_norm.weight", c.HiddenSize),
		Bias:   load("output_norm.bias", c.HiddenSize),
	}
	m.Output = load("output.weight", c.HiddenSize, c.VocabSize)
	if err != nil {
		return nil, err
	}

	for i := range c.NumLayers {
		d, err := NewDecoder(ctx, c, i, w)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}

		m.Blocks = append(m.Blocks, d)
	}

	slog.Debug("model loaded", "architecture", c.Architecture, "layers", c.NumLayers, "hidden_size", c.HiddenSize,
		"heads", c.NumHeads, "kv_heads", c.NumKVHeads, "vocab_size", c.VocabSize)
	return &m, nil
}

// Truncated returns a model that shares the first n blocks, embedding and
// head of m.
func (m *Model) Truncated(n int) (*Model, error) {
	if n < 1 || n > len(m.Blocks) {
		return nil, fmt.Errorf("%w: cannot keep %d of %d blocks", ErrInvalidConfig, n, len(m.Blocks))
	}

	t := *m
	t.NumLayers = n
	t.Blocks = m.Blocks[:n:n]
	return &t, nil
}

// Embed returns the hidden states of tokens as a batch of one sequence.
func (m *Model) Embed(ctx ml.Context, tokens []int32) ml.Tensor {
	ids := ctx.Input().FromInts(tokens, len(tokens))
	return m.TokenEmbedding.Rows(ctx, ids).Reshape(ctx, m.HiddenSize, len(tokens), 1)
}

// Logits projects hidden states onto the vocabulary. It returns one row per
// position of each sequence in the batch.
func (m *Model) Logits(ctx ml.Context, hidden ml.Tensor) [][]float32 {
	logits := m.Output.Mulmat(ctx, m.OutputNorm.Forward(ctx, hidden, m.Eps))

	s := logits.Floats()
	rows := make([][]float32, 0, len(s)/m.VocabSize)
	for i := 0; i < len(s); i += m.VocabSize {
		rows = append(rows, s[i:i+m.VocabSize:i+m.VocabSize])
	}

	return rows
}
