package kvcache

import (
	"fmt"
	"slices"

	"github.com/ollama/swarm/ml"
)

// Snapshot is a backend independent copy of a Layer's history. Keys and
// values are encoded as Tensor.Bytes encodes DType.
type Snapshot struct {
	DType  string `cbor:"1,keyasint"`
	Shape  []int  `cbor:"2,keyasint,omitempty"`
	Keys   []byte `cbor:"3,keyasint,omitempty"`
	Values []byte `cbor:"4,keyasint,omitempty"`
}

func (s Snapshot) Len() int {
	if len(s.Shape) != 3 {
		return 0
	}

	return s.Shape[1]
}

// Check reports whether s can be restored into a cache read as f.
func (s Snapshot) Check(f Format) error {
	if len(s.Shape) == 0 {
		return nil
	}

	if len(s.Shape) != 3 || slices.ContainsFunc(s.Shape, func(d int) bool { return d < 1 }) {
		return fmt.Errorf("%w: invalid snapshot shape %v", ErrShapeMismatch, s.Shape)
	}

	headDim, slots := s.Shape[0], s.Shape[2]
	if f.HeadDim > 0 && headDim != f.HeadDim {
		return fmt.Errorf("%w: snapshot head dim %d, want %d", ErrShapeMismatch, headDim, f.HeadDim)
	}

	if f.Heads.KV > 0 && slots%f.Heads.KV != 0 {
		return fmt.Errorf("%w: snapshot has %d slots, not a multiple of %d kv heads", ErrShapeMismatch, slots, f.Heads.KV)
	}

	return nil
}

func (c *Layer) Snapshot(ctx ml.Context) (Snapshot, error) {
	e := c.Get(ctx)
	if e.Len() == 0 {
		return Snapshot{DType: c.dtype.String()}, nil
	}

	return Snapshot{
		DType:  e.Key.DType().String(),
		Shape:  e.Key.Shape(),
		Keys:   e.Key.Bytes(),
		Values: e.Value.Bytes(),
	}, nil
}

func (c *Layer) Restore(ctx ml.Context, s Snapshot) error {
	if err := s.Check(Format{}); err != nil {
		return err
	}

	if s.Len() == 0 {
		return c.Truncate(0)
	}

	if s.Len() > c.capacity {
		return fmt.Errorf("%w: snapshot holds %d positions, capacity is %d", ErrCapacityExceeded, s.Len(), c.capacity)
	}

	dtype, err := ml.ParseDType(s.DType)
	if err != nil {
		return err
	}

	key, err := ctx.Input().FromBytes(dtype, s.Keys, s.Shape...)
	if err != nil {
		return fmt.Errorf("%w: key: %v", ErrShapeMismatch, err)
	}

	value, err := ctx.Input().FromBytes(dtype, s.Values, s.Shape...)
	if err != nil {
		return fmt.Errorf("%w: value: %v", ErrShapeMismatch, err)
	}

	length := c.length
	c.length = 0
	if err := c.put(ctx, Entry{Key: key, Value: value}); err != nil {
		c.length = length
		return err
	}

	return nil
}
