package kvcache

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ollama/swarm/logutil"
	"github.com/ollama/swarm/ml"
)

// Layer is a bounded, append-only cache for one layer of one session.
//
// Entries are stored collapsed in canonical order. Storage is allocated on
// the first extension as [head_dim*slots, capacity] so that each position is
// a single row.
type Layer struct {
	backend ml.Backend
	ctx     ml.Context
	dtype   ml.DType

	capacity int
	length   int

	headDim, slots int
	keys, values   ml.Tensor
}

var _ Cache = (*Layer)(nil)

func NewLayer(backend ml.Backend, dtype ml.DType, capacity int) *Layer {
	if dtype == ml.DTypeOther {
		dtype = ml.DTypeF16
	}

	return &Layer{
		backend:  backend,
		ctx:      backend.NewContext(),
		dtype:    dtype,
		capacity: capacity,
	}
}

func (c *Layer) Len() int {
	return c.length
}

func (c *Layer) Capacity() int {
	return c.capacity
}

func (c *Layer) DType() ml.DType {
	return c.dtype
}

func (c *Layer) Extend(ctx ml.Context, e Entry, f Format) (Entry, error) {
	if e.Len() == 0 {
		return c.Get(ctx), nil
	}

	e, err := Convert(ctx, e, Format{Layout: LayoutCollapsed, Order: OrderCanonical, Heads: f.Heads})
	if err != nil {
		return Entry{}, err
	}

	if err := c.put(ctx, e); err != nil {
		return Entry{}, err
	}

	return c.Get(ctx), nil
}

// put appends a collapsed, canonical entry.
func (c *Layer) put(ctx ml.Context, e Entry) error {
	if c.ctx == nil {
		return errors.New("kv cache is closed")
	}

	headDim, n, slots := e.Key.Dim(0), e.Key.Dim(1), e.Key.Dim(2)
	if c.keys != nil && (headDim != c.headDim || slots != c.slots) {
		return fmt.Errorf("%w: entry has %d slots of %d, cache has %d slots of %d", ErrShapeMismatch, slots, headDim, c.slots, c.headDim)
	}

	if c.length+n > c.capacity {
		return fmt.Errorf("%w: %d cached + %d new > %d", ErrCapacityExceeded, c.length, n, c.capacity)
	}

	if c.keys == nil {
		c.headDim, c.slots = headDim, slots
		c.keys = c.ctx.Zeros(c.dtype, headDim*slots, c.capacity)
		c.values = c.ctx.Zeros(c.dtype, headDim*slots, c.capacity)
		slog.Debug("allocated kv cache", "dtype", c.dtype, "head_dim", headDim, "slots", slots, "capacity", c.capacity)
	}

	locs := make([]int32, n)
	for i := range locs {
		locs[i] = int32(c.length + i)
	}
	idxs := ctx.Input().FromInts(locs, n)

	rows := func(t ml.Tensor) ml.Tensor {
		return t.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx).Reshape(ctx, headDim*slots, n)
	}

	c.keys.SetRows(ctx, rows(e.Key), idxs)
	c.values.SetRows(ctx, rows(e.Value), idxs)
	c.length += n

	logutil.Trace("kv cache extended", "new", n, "length", c.length)
	return nil
}

// Get returns the collapsed history in canonical order.
func (c *Layer) Get(ctx ml.Context) Entry {
	if c.length == 0 {
		return Entry{Layout: LayoutCollapsed, Order: OrderCanonical}
	}

	history := func(t ml.Tensor) ml.Tensor {
		return t.Reshape(ctx, c.headDim, c.slots, c.capacity).
			Slice(ctx, 2, 0, c.length, 1).
			Permute(ctx, 0, 2, 1, 3).
			Contiguous(ctx)
	}

	return Entry{
		Key:    history(c.keys),
		Value:  history(c.values),
		Layout: LayoutCollapsed,
		Order:  OrderCanonical,
	}
}

func (c *Layer) View(ctx ml.Context, f Format) (Entry, error) {
	return Convert(ctx, c.Get(ctx), f)
}

func (c *Layer) Truncate(n int) error {
	if n < 0 || n > c.length {
		return fmt.Errorf("%w: cannot truncate to %d, cache holds %d", ErrInvalidPosition, n, c.length)
	}

	c.length = n
	return nil
}

func (c *Layer) Close() {
	if c.ctx != nil {
		c.ctx.Close()
	}

	c.ctx = nil
	c.keys, c.values = nil, nil
	c.length = 0
}
