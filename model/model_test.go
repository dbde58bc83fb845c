package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/swarm/kvcache"
	"github.com/ollama/swarm/ml"
	"github.com/ollama/swarm/ml/backend/cpu"
	"github.com/ollama/swarm/ml/graph"
)

var testConfig = Config{
	Architecture:  "falcon",
	HiddenSize:    16,
	NumHeads:      4,
	NumKVHeads:    2,
	NumLayers:     2,
	VocabSize:     11,
	FFNMultiplier: 2,
	RopeBase:      10000,
	Eps:           1e-5,
}

func newTestModel(t *testing.T) (ml.Backend, ml.Context, *Model) {
	t.Helper()

	backend := cpu.New()
	ctx := backend.NewContext()
	m, err := New(ctx, testConfig, RandomWeights{Seed: 42})
	require.NoError(t, err)
	return backend, ctx, m
}

// run feeds tokens through block 0 in chunks, caching keys and values
// between chunks, and returns the hidden state of every chunk.
func run(t *testing.T, ctx ml.Context, backend ml.Backend, m *Model, sites *Sites, tokens []int32, chunks ...int) []ml.Tensor {
	t.Helper()

	block := m.Blocks[0]
	cache := kvcache.NewLayer(backend, ml.DTypeF32, len(tokens))

	var outputs []ml.Tensor
	for _, n := range chunks {
		start := cache.Len()
		past, err := cache.View(ctx, block.CacheFormat())
		require.NoError(t, err)

		hidden, present, err := block.Forward(ctx, m.Embed(ctx, tokens[start:start+n]), past, Options{Position: start, Sites: sites})
		require.NoError(t, err)
		require.Equal(t, n, present.Len())

		_, err = cache.Extend(ctx, present, block.CacheFormat())
		require.NoError(t, err)

		outputs = append(outputs, hidden.Duplicate(ctx))
	}

	return outputs
}

func TestConfigFromMap(t *testing.T) {
	c, err := ConfigFromMap(map[string]any{
		"hidden_size":         64.0,
		"num_attention_heads": 8,
		"num_kv_heads":        "2",
		"num_hidden_layers":   3,
		"vocab_size":          100,
		"torch_dtype":         "bfloat16",
	})
	require.NoError(t, err)
	require.Equal(t, 8, c.HeadDim())
	require.Equal(t, kvcache.Heads{Query: 8, KV: 2}, c.Heads())
	require.Equal(t, ml.DTypeBF16, c.DType())
	require.Equal(t, 4, c.FFNMultiplier)
	require.InDelta(t, 10000, c.RopeBase, 0)

	c, err = ConfigFromMap(map[string]any{
		"hidden_size":         64,
		"num_attention_heads": 8,
		"num_hidden_layers":   1,
		"vocab_size":          10,
	})
	require.NoError(t, err)
	require.Equal(t, 8, c.NumKVHeads)

	cases := map[string]map[string]any{
		"ungrouped heads": {"hidden_size": 64, "num_attention_heads": 8, "num_kv_heads": 3, "num_hidden_layers": 1, "vocab_size": 10},
		"uneven heads":    {"hidden_size": 60, "num_attention_heads": 8, "num_hidden_layers": 1, "vocab_size": 10},
		"missing vocab":   {"hidden_size": 64, "num_attention_heads": 8, "num_hidden_layers": 1},
		"bad dtype":       {"hidden_size": 64, "num_attention_heads": 8, "num_hidden_layers": 1, "vocab_size": 10, "torch_dtype": "int4"},
		"wrong type":      {"hidden_size": []int{1}},
	}

	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ConfigFromMap(m)
			require.True(t, errors.Is(err, ErrInvalidConfig), err)
		})
	}
}

func TestBlockSize(t *testing.T) {
	c := testConfig
	// qkv 16*(4+4)*4, dense 16*16, mlp 2*16*32, norms 4*16
	require.Equal(t, 512+256+1024+64, c.BlockParams())

	require.Equal(t, uint64(1856*4), BlockSize(c, ml.DTypeF32, 0))
	want := float64(1856*2) * 1.01
	require.Equal(t, uint64(want), BlockSize(c, ml.DTypeOther, 0.01))

	c.TorchDType = "float16"
	require.Equal(t, uint64(1856*2), BlockSize(c, ml.DTypeOther, 0))
}

func TestIncrementalMatchesFull(t *testing.T) {
	backend, ctx, m := newTestModel(t)
	tokens := []int32{1, 5, 7, 2, 9}

	full := run(t, ctx, backend, m, nil, tokens, 5)[0].Floats()
	chunked := run(t, ctx, backend, m, nil, tokens, 2, 2, 1)

	var incremental []float32
	for _, h := range chunked {
		incremental = append(incremental, h.Floats()...)
	}

	assert.InDeltaSlice(t, full, incremental, 1e-4)
}

func TestAcceleratedMatchesDirect(t *testing.T) {
	backend, ctx, m := newTestModel(t)
	tokens := []int32{3, 1, 4, 1, 5, 9}

	sites := m.Blocks[0].(Accelerable).NewSites(backend, graph.WithWarmup(3))
	defer sites.Close()

	direct := run(t, ctx, backend, m, nil, tokens, 3, 1, 1, 1)
	accelerated := run(t, ctx, backend, m, sites, tokens, 3, 1, 1, 1)

	require.True(t, sites.Norm.Captured())
	require.True(t, sites.QKV.Captured())
	require.True(t, sites.Rotary.Captured())
	require.Equal(t, 3, sites.Rotary.Replays())

	for i := range direct {
		assert.InDeltaSlice(t, direct[i].Floats(), accelerated[i].Floats(), 1e-5, "chunk %d", i)
	}
}

func TestDecodeStepGate(t *testing.T) {
	backend, ctx, m := newTestModel(t)
	block := m.Blocks[0]
	sites := block.(Accelerable).NewSites(backend)

	hidden := m.Embed(ctx, []int32{1, 2})
	_, _, err := block.Forward(ctx, hidden, kvcache.Entry{}, Options{Sites: sites})
	require.NoError(t, err)
	require.False(t, sites.Norm.Captured(), "multi-token steps must not capture")

	hidden = m.Embed(ctx, []int32{1})
	_, _, err = block.Forward(ctx, hidden, kvcache.Entry{}, Options{Sites: sites, Training: true})
	require.NoError(t, err)
	require.False(t, sites.Norm.Captured(), "training steps must not capture")

	require.False(t, DecodeStep(hidden, Options{}))
	require.True(t, DecodeStep(hidden, Options{Sites: sites}))

	_, _, err = block.Forward(ctx, hidden, kvcache.Entry{}, Options{Sites: sites})
	require.NoError(t, err)
	require.True(t, sites.Norm.Captured())
}

func TestForwardRejectsMisalignedPast(t *testing.T) {
	_, ctx, m := newTestModel(t)

	_, _, err := m.Blocks[0].Forward(ctx, m.Embed(ctx, []int32{1}), kvcache.Entry{}, Options{Position: 2})
	require.True(t, errors.Is(err, kvcache.ErrShapeMismatch), err)

	headDim := m.HeadDim()
	cases := []struct {
		name  string
		shape []int
	}{
		{"head dim", []int{headDim - 1, 2, m.NumHeads}},
		{"slots", []int{headDim, 2, 2 * m.NumHeads}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			past := kvcache.Entry{
				Key:    ctx.Zeros(ml.DTypeF32, tt.shape...),
				Value:  ctx.Zeros(ml.DTypeF32, tt.shape...),
				Layout: kvcache.LayoutExpanded,
			}

			require.NotPanics(t, func() {
				_, _, err = m.Blocks[0].Forward(ctx, m.Embed(ctx, []int32{1}), past, Options{Position: 2})
			})
			require.True(t, errors.Is(err, kvcache.ErrShapeMismatch), err)
		})
	}

	require.NotPanics(t, func() {
		_, _, err = m.Blocks[0].Forward(ctx, m.Embed(ctx, []int32{}), kvcache.Entry{}, Options{})
	})
	require.True(t, errors.Is(err, kvcache.ErrShapeMismatch), err)
}

func TestModel(t *testing.T) {
	_, ctx, m := newTestModel(t)
	require.Len(t, m.Blocks, 2)

	hidden := m.Embed(ctx, []int32{0, 10, 3})
	require.Equal(t, []int{16, 3, 1}, hidden.Shape())

	logits := m.Logits(ctx, hidden)
	require.Len(t, logits, 3)
	require.Len(t, logits[0], 11)

	draft, err := m.Truncated(1)
	require.NoError(t, err)
	require.Len(t, draft.Blocks, 1)
	require.Same(t, m.Blocks[0], draft.Blocks[0])
	require.Len(t, m.Blocks, 2)

	_, err = m.Truncated(3)
	require.Error(t, err)
}

func TestRandomWeightsDeterministic(t *testing.T) {
	ctx := cpu.New().NewContext()

	a, err := RandomWeights{Seed: 1}.Tensor(ctx, "blk.0.attn_qkv.weight", 4, 4)
	require.NoError(t, err)
	b, err := RandomWeights{Seed: 1}.Tensor(ctx, "blk.0.attn_qkv.weight", 4, 4)
	require.NoError(t, err)
	c, err := RandomWeights{Seed: 1}.Tensor(ctx, "blk.1.attn_qkv.weight", 4, 4)
	require.NoError(t, err)

	require.Equal(t, a.Floats(), b.Floats())
	require.NotEqual(t, a.Floats(), c.Floats())

	_, err = RandomWeights{}.Tensor(ctx, "bad", 0)
	require.Error(t, err)
}
