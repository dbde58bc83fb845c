package kvcache

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/ollama/swarm/ml"
	"github.com/ollama/swarm/ml/backend/cpu"
)

var collapsed = Format{Layout: LayoutCollapsed, Heads: Heads{Query: 2, KV: 2}}

func TestLayerExtend(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()

	c := NewLayer(backend, ml.DTypeF32, 4)
	defer c.Close()

	first := randomEntry(ctx, 1, 3, 2, 2)
	history, err := c.Extend(ctx, first, collapsed)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	require.Equal(t, first.Key.Floats(), history.Key.Floats())

	second := randomEntry(ctx, 2, 3, 1, 2)
	history, err = c.Extend(ctx, second, collapsed)
	require.NoError(t, err)
	require.Equal(t, 3, history.Len())

	want := first.Value.Concat(ctx, second.Value, 1)
	require.Equal(t, want.Floats(), history.Value.Floats())
	require.Equal(t, want.Floats(), c.Get(ctx).Value.Floats())
}

func TestLayerCapacity(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()

	c := NewLayer(backend, ml.DTypeF32, 4)
	_, err := c.Extend(ctx, randomEntry(ctx, 1, 2, 3, 2), collapsed)
	require.NoError(t, err)

	before := c.Get(ctx)

	_, err = c.Extend(ctx, randomEntry(ctx, 2, 2, 2, 2), collapsed)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("have %v; want %v", err, ErrCapacityExceeded)
	}

	require.Equal(t, 3, c.Len())
	require.Equal(t, before.Key.Floats(), c.Get(ctx).Key.Floats())

	_, err = c.Extend(ctx, randomEntry(ctx, 3, 2, 1, 2), collapsed)
	require.NoError(t, err)
	require.Equal(t, 4, c.Len())
	require.Equal(t, c.Capacity(), c.Len())
}

func TestLayerExtendExpanded(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()
	heads := Heads{Query: 4, KV: 2}

	c := NewLayer(backend, ml.DTypeF32, 8)

	e := randomEntry(ctx, 1, 2, 3, 2)
	expanded, err := ToExpanded(ctx, e, heads)
	require.NoError(t, err)

	_, err = c.Extend(ctx, expanded, Format{Layout: LayoutExpanded, Heads: heads})
	require.NoError(t, err)
	require.Equal(t, e.Key.Floats(), c.Get(ctx).Key.Floats())

	view, err := c.View(ctx, Format{Layout: LayoutExpanded, Heads: heads})
	require.NoError(t, err)
	require.Equal(t, expanded.Key.Floats(), view.Key.Floats())

	// slots must match the first extension
	_, err = c.Extend(ctx, randomEntry(ctx, 2, 2, 1, 4), Format{Heads: Heads{Query: 4, KV: 4}})
	require.True(t, errors.Is(err, ErrShapeMismatch), err)
	require.Equal(t, 3, c.Len())
}

func TestLayerTruncate(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()

	c := NewLayer(backend, ml.DTypeF32, 4)
	e := randomEntry(ctx, 1, 2, 3, 2)
	_, err := c.Extend(ctx, e, collapsed)
	require.NoError(t, err)

	require.True(t, errors.Is(c.Truncate(4), ErrInvalidPosition))
	require.True(t, errors.Is(c.Truncate(-1), ErrInvalidPosition))

	require.NoError(t, c.Truncate(1))
	require.Equal(t, 1, c.Len())

	replacement := randomEntry(ctx, 5, 2, 3, 2)
	history, err := c.Extend(ctx, replacement, collapsed)
	require.NoError(t, err)

	want := e.Key.Slice(ctx, 1, 0, 1, 1).Concat(ctx, replacement.Key, 1)
	require.Equal(t, want.Floats(), history.Key.Floats())

	require.NoError(t, c.Truncate(0))
	view, err := c.View(ctx, collapsed)
	require.NoError(t, err)
	require.Zero(t, view.Len())
}

func TestLayerDType(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()

	c := NewLayer(backend, ml.DTypeF16, 2)
	_, err := c.Extend(ctx, randomEntry(ctx, 1, 2, 1, 2), collapsed)
	require.NoError(t, err)

	e := c.Get(ctx)
	require.Equal(t, ml.DTypeF16, e.Key.DType())
	require.Equal(t, e.Key.Floats(), e.Key.Cast(ctx, ml.DTypeF16).Floats())

	require.Equal(t, ml.DTypeF16, NewLayer(backend, ml.DTypeOther, 1).DType())
}

func TestLayerSnapshot(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()

	for _, dtype := range []ml.DType{ml.DTypeF32, ml.DTypeF16, ml.DTypeBF16} {
		t.Run(dtype.String(), func(t *testing.T) {
			src := NewLayer(backend, dtype, 8)
			_, err := src.Extend(ctx, randomEntry(ctx, 1, 4, 5, 2), collapsed)
			require.NoError(t, err)

			s, err := src.Snapshot(ctx)
			require.NoError(t, err)
			require.Equal(t, 5, s.Len())

			bts, err := cbor.Marshal(s)
			require.NoError(t, err)

			var decoded Snapshot
			require.NoError(t, cbor.Unmarshal(bts, &decoded))

			dst := NewLayer(backend, dtype, 8)
			require.NoError(t, dst.Restore(ctx, decoded))
			require.Equal(t, 5, dst.Len())
			require.Equal(t, src.Get(ctx).Key.Floats(), dst.Get(ctx).Key.Floats())
			require.Equal(t, src.Get(ctx).Value.Floats(), dst.Get(ctx).Value.Floats())

			small := NewLayer(backend, dtype, 4)
			require.True(t, errors.Is(small.Restore(ctx, decoded), ErrCapacityExceeded))
			require.Zero(t, small.Len())
		})
	}

	empty, err := NewLayer(backend, ml.DTypeF32, 1).Snapshot(ctx)
	require.NoError(t, err)
	require.Zero(t, empty.Len())
}

func TestSnapshotCheck(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()
	f := Format{Heads: Heads{Query: 4, KV: 2}, HeadDim: 4}

	cases := []struct {
		name  string
		shape []int
		err   bool
	}{
		{"empty", nil, false},
		{"valid", []int{4, 3, 2}, false},
		{"negative", []int{-1, 1, -2}, true},
		{"zero", []int{4, 0, 2}, true},
		{"rank", []int{4, 3}, true},
		{"head dim", []int{3, 2, 2}, true},
		{"slots", []int{4, 2, 3}, true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := Snapshot{DType: "f32", Shape: tt.shape}.Check(f)
			if tt.err {
				require.True(t, errors.Is(err, ErrShapeMismatch), err)
			} else {
				require.NoError(t, err)
			}
		})
	}

	c := NewLayer(backend, ml.DTypeF32, 4)
	require.NotPanics(t, func() {
		err := c.Restore(ctx, Snapshot{DType: "f32", Shape: []int{-1, 1, -2}})
		require.True(t, errors.Is(err, ErrShapeMismatch), err)
	})
	require.Zero(t, c.Len())

	err := c.Restore(ctx, Snapshot{DType: "f32", Shape: []int{4, 1, 2}, Keys: make([]byte, 3), Values: make([]byte, 3)})
	require.True(t, errors.Is(err, ErrShapeMismatch), err)
	require.Zero(t, c.Len())
}
