package model

import (
	"fmt"
	"math"

	"github.com/ollama/swarm/kvcache"
	"github.com/ollama/swarm/ml"
	"github.com/ollama/swarm/ml/graph"
)

type Norm struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func (n *Norm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, n.Weight, n.Bias, eps)
}

// Decoder is a parallel attention block with grouped query attention: the
// attention and MLP branches read the same input and are summed with the
// residual.
type Decoder struct {
	Config
	index int

	AttentionNorm Norm
	MLPNorm       Norm

	// QKV packs, for every kv head, its group of query heads followed by
	// one key head and one value head.
	QKV   ml.Tensor
	Dense ml.Tensor

	Up   ml.Tensor
	Down ml.Tensor
}

var (
	_ Block       = (*Decoder)(nil)
	_ Accelerable = (*Decoder)(nil)
)

func NewDecoder(ctx ml.Context, c Config, index int, w Weights) (*Decoder, error) {
	var err error
	load := func(name string, shape ...int) ml.Tensor {
		if err != nil {
			return nil
		}

		var t ml.Tensor
		t, err = w.Tensor(ctx, fmt.Sprintf("blk.%d.%s", index, name), shape...)
		return t
	}

	h, ffn := c.HiddenSize, c.FFNMultiplier*c.HiddenSize
	d := &Decoder{
		Config: c,
		index:  index,
		AttentionNorm: Norm{
			Weight: load("attn_norm.weight", h),
			Bias:   load("attn_norm.bias", h),
		},
		MLPNorm: Norm{
			Weight: load("ffn_norm.weight", h),
			Bias:   load("ffn_norm.bias", h),
		},
		QKV:   load("attn_qkv.weight", h, (c.NumHeads+2*c.NumKVHeads)*c.HeadDim()),
		Dense: load("attn_output.weight", h, h),
		Up:    load("ffn_up.weight", h, ffn),
		Down:  load("ffn_down.weight", ffn, h),
	}
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Decoder) CacheFormat() kvcache.Format {
	return kvcache.Format{
		Layout: kvcache.LayoutExpanded,
		Order:  kvcache.OrderCanonical,
		Heads:  d.Heads(),

		HeadDim: d.HeadDim(),
	}
}

func (d *Decoder) NewSites(backend ml.Backend, opts ...graph.Option) *Sites {
	return &Sites{
		Norm:   graph.New(fmt.Sprintf("blk.%d.norm", d.index), backend, d.norms, opts...),
		QKV:    graph.New(fmt.Sprintf("blk.%d.qkv", d.index), backend, d.qkv, opts...),
		Rotary: graph.New(fmt.Sprintf("blk.%d.rotary", d.index), backend, d.rotary, opts...),
	}
}

func (d *Decoder) norms(ctx ml.Context, inputs []ml.Tensor) []ml.Tensor {
	return []ml.Tensor{
		d.AttentionNorm.Forward(ctx, inputs[0], d.Eps),
		d.MLPNorm.Forward(ctx, inputs[0], d.Eps),
	}
}

// qkv projects [hidden_size, seq_len, batch] into query, key and value, each
// shaped [head_dim, heads, seq_len, batch].
func (d *Decoder) qkv(ctx ml.Context, inputs []ml.Tensor) []ml.Tensor {
	x := inputs[0]
	seqLen, batch := x.Dim(1), x.Dim(2)
	headDim, g := d.HeadDim(), d.NumHeads/d.NumKVHeads

	fused := d.QKV.Mulmat(ctx, x).Reshape(ctx, headDim, g+2, d.NumKVHeads, seqLen*batch)
	return []ml.Tensor{
		fused.Slice(ctx, 1, 0, g, 1).Reshape(ctx, headDim, d.NumHeads, seqLen, batch),
		fused.Slice(ctx, 1, g, g+1, 1).Reshape(ctx, headDim, d.NumKVHeads, seqLen, batch),
		fused.Slice(ctx, 1, g+1, g+2, 1).Reshape(ctx, headDim, d.NumKVHeads, seqLen, batch),
	}
}

func (d *Decoder) rotary(ctx ml.Context, inputs []ml.Tensor) []ml.Tensor {
	query, key, positions := inputs[0], inputs[1], inputs[2]
	return []ml.Tensor{
		query.RoPE(ctx, positions, d.RopeBase),
		key.RoPE(ctx, positions, d.RopeBase),
	}
}

func (d *Decoder) Forward(ctx ml.Context, hidden ml.Tensor, past kvcache.Entry, opts Options) (ml.Tensor, kvcache.Entry, error) {
	if past.Len() != opts.Position {
		return nil, kvcache.Entry{}, fmt.Errorf("%w: block %d has %d cached positions, step starts at %d", kvcache.ErrShapeMismatch, d.index, past.Len(), opts.Position)
	}

	seqLen, batch := hidden.Dim(1), hidden.Dim(2)
	headDim := d.HeadDim()

	if hidden.Dim(0) != d.HiddenSize || seqLen < 1 {
		return nil, kvcache.Entry{}, fmt.Errorf("%w: block %d cannot run hidden state %v", kvcache.ErrShapeMismatch, d.index, hidden.Shape())
	}

	if past.Len() > 0 && (past.Key.Dim(0) != headDim || past.Slots() != batch*d.NumHeads) {
		return nil, kvcache.Entry{}, fmt.Errorf("%w: block %d past is %v, want %d slots of %d", kvcache.ErrShapeMismatch, d.index, past.Key.Shape(), batch*d.NumHeads, headDim)
	}

	eligible := DecodeStep(hidden, opts)
	var sites Sites
	if opts.Sites != nil {
		sites = *opts.Sites
	}

	normed, err := site(ctx, sites.Norm, eligible, d.norms, hidden)
	if err != nil {
		return nil, kvcache.Entry{}, err
	}

	qkv, err := site(ctx, sites.QKV, eligible, d.qkv, normed[0])
	if err != nil {
		return nil, kvcache.Entry{}, err
	}

	positions := make([]int32, seqLen)
	for i := range positions {
		positions[i] = int32(opts.Position + i)
	}

	rotated, err := site(ctx, sites.Rotary, eligible, d.rotary, qkv[0], qkv[1], ctx.Input().FromInts(positions, seqLen))
	if err != nil {
		return nil, kvcache.Entry{}, err
	}

	// [head_dim, heads, seq_len, batch] -> [head_dim, seq_len, batch*heads]
	slots := func(t ml.Tensor) ml.Tensor {
		return t.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx).Reshape(ctx, headDim, seqLen, t.Dim(1)*batch)
	}

	present, err := kvcache.ToExpanded(ctx, kvcache.Entry{Key: slots(rotated[1]), Value: slots(qkv[2])}, d.Heads())
	if err != nil {
		return nil, kvcache.Entry{}, err
	}

	key, value := present.Key, present.Value
	if past.Len() > 0 {
		key = past.Key.Concat(ctx, key, 1)
		value = past.Value.Concat(ctx, value, 1)
	}

	attention := d.attention(ctx, slots(rotated[0]), key, value, opts.Position)
	attention = attention.Reshape(ctx, headDim, seqLen, d.NumHeads, batch).
		Permute(ctx, 0, 2, 1, 3).
		Contiguous(ctx).
		Reshape(ctx, d.HiddenSize, seqLen, batch)
	attention = d.Dense.Mulmat(ctx, attention)

	mlp := d.Down.Mulmat(ctx, d.Up.Mulmat(ctx, normed[1]).GELU(ctx))
	return mlp.Add(ctx, attention).Add(ctx, hidden), present, nil
}

// attention computes causal attention over [head_dim, length, slots]
// operands where query position i sits at absolute position offset+i.
func (d *Decoder) attention(ctx ml.Context, query, key, value ml.Tensor, offset int) ml.Tensor {
	kLen, qLen := key.Dim(1), query.Dim(1)

	kq := key.Mulmat(ctx, query)
	kq = kq.Scale(ctx, 1/math.Sqrt(float64(query.Dim(0))))
	kq = kq.Add(ctx, causalMask(ctx, kLen, qLen, offset))
	kq = kq.Softmax(ctx)

	return value.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Mulmat(ctx, kq)
}

func causalMask(ctx ml.Context, kLen, qLen, offset int) ml.Tensor {
	mask := make([]float32, kLen*qLen)
	for i := range qLen {
		for j := offset + i + 1; j < kLen; j++ {
			mask[i*kLen+j] = float32(math.Inf(-1))
		}
	}

	return ctx.Input().FromFloats(mask, kLen, qLen)
}
