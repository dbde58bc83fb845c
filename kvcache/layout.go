package kvcache

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/ollama/swarm/envconfig"
	"github.com/ollama/swarm/ml"
)

// Layout describes how attention heads are packed along the batch*heads
// dimension of an Entry.
type Layout int

const (
	// LayoutCollapsed holds one slot per physical key/value head.
	LayoutCollapsed Layout = iota
	// LayoutExpanded holds one slot per query head. Every query head in a
	// group carries a copy of its group's key/value head.
	LayoutExpanded
)

func (l Layout) String() string {
	if l == LayoutExpanded {
		return "expanded"
	}

	return "collapsed"
}

// AxisOrder is the axis convention of the key tensor. Values are always
// [head_dim, length, batch*heads].
type AxisOrder int

const (
	// OrderCanonical stores keys as [head_dim, length, batch*heads].
	OrderCanonical AxisOrder = iota
	// OrderKeyTransposed stores keys as [length, head_dim, batch*heads].
	OrderKeyTransposed
)

type Heads struct {
	Query int
	KV    int
}

// Groups is the number of query heads that share one key/value head.
func (h Heads) Groups() int {
	return h.Query / h.KV
}

func (h Heads) validate() error {
	if h.KV < 1 || h.Query < h.KV || h.Query%h.KV != 0 {
		return fmt.Errorf("%w: %d query heads cannot share %d kv heads", ErrShapeMismatch, h.Query, h.KV)
	}

	return nil
}

// Format is the layout a block consumes and produces.
type Format struct {
	Layout Layout
	Order  AxisOrder
	Heads  Heads

	// HeadDim is the size of one head. Zero accepts any size.
	HeadDim int
}

// Entry is the key and value history of one layer. A zero Entry is empty.
type Entry struct {
	Key, Value ml.Tensor
	Layout     Layout
	Order      AxisOrder
}

func (e Entry) Len() int {
	if e.Value == nil {
		return 0
	}

	return e.Value.Dim(1)
}

// Slots is the size of the batch*heads dimension.
func (e Entry) Slots() int {
	if e.Value == nil {
		return 0
	}

	return e.Value.Dim(2)
}

func (e Entry) check() error {
	if e.Key == nil || e.Value == nil {
		return fmt.Errorf("%w: entry is missing key or value", ErrShapeMismatch)
	}

	kshape := e.Key.Shape()
	if e.Order == OrderKeyTransposed && len(kshape) > 1 {
		kshape[0], kshape[1] = kshape[1], kshape[0]
	}

	if !slices.Equal(kshape, e.Value.Shape()) || len(kshape) != 3 {
		return fmt.Errorf("%w: key %v, value %v", ErrShapeMismatch, e.Key.Shape(), e.Value.Shape())
	}

	return nil
}

// ToExpanded broadcasts each key/value head of a collapsed entry to every
// query head in its group. The result is materialized since attention
// consumes it as a contiguous operand.
func ToExpanded(ctx ml.Context, e Entry, heads Heads) (Entry, error) {
	if err := heads.validate(); err != nil {
		return Entry{}, err
	}

	if e.Key == nil && e.Value == nil {
		return Entry{Layout: LayoutExpanded, Order: e.Order}, nil
	}

	if err := e.check(); err != nil {
		return Entry{}, err
	}

	if e.Layout == LayoutExpanded {
		return e, nil
	}

	if e.Slots()%heads.KV != 0 {
		return Entry{}, fmt.Errorf("%w: %d slots are not a multiple of %d kv heads", ErrShapeMismatch, e.Slots(), heads.KV)
	}

	g := heads.Groups()
	expand := func(t ml.Tensor) ml.Tensor {
		if g == 1 {
			return t
		}

		d0, d1, slots := t.Dim(0), t.Dim(1), t.Dim(2)
		return t.Reshape(ctx, d0*d1, 1, slots).
			Repeat(ctx, 1, g).
			Reshape(ctx, d0, d1, slots*g)
	}

	return Entry{
		Key:    expand(e.Key),
		Value:  expand(e.Value),
		Layout: LayoutExpanded,
		Order:  e.Order,
	}, nil
}

// ToCollapsed keeps the first query head of every group. When debug logging
// is enabled it also verifies the other heads in each group hold the same
// values.
func ToCollapsed(ctx ml.Context, e Entry, heads Heads) (Entry, error) {
	if err := heads.validate(); err != nil {
		return Entry{}, err
	}

	if e.Key == nil && e.Value == nil {
		return Entry{Layout: LayoutCollapsed, Order: e.Order}, nil
	}

	if err := e.check(); err != nil {
		return Entry{}, err
	}

	if e.Layout == LayoutCollapsed {
		return e, nil
	}

	if e.Slots()%heads.Query != 0 {
		return Entry{}, fmt.Errorf("%w: %d slots are not a multiple of %d query heads", ErrShapeMismatch, e.Slots(), heads.Query)
	}

	g := heads.Groups()
	collapse := func(name string, t ml.Tensor) (ml.Tensor, error) {
		if g == 1 {
			return t, nil
		}

		d0, d1, slots := t.Dim(0), t.Dim(1), t.Dim(2)
		grouped := t.Reshape(ctx, d0*d1, g, slots/g)
		if envconfig.LogLevel() <= slog.LevelDebug || envconfig.VerifyHeads() {
			if err := checkGroups(grouped); err != nil {
				slog.Debug("kv heads diverge", "tensor", name, "values", ml.Dump(grouped, ml.DumpOptions{Items: 2, Precision: 4}))
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}

		return grouped.Slice(ctx, 1, 0, 1, 1).
			Contiguous(ctx).
			Reshape(ctx, d0, d1, slots/g), nil
	}

	key, err := collapse("key", e.Key)
	if err != nil {
		return Entry{}, err
	}

	value, err := collapse("value", e.Value)
	if err != nil {
		return Entry{}, err
	}

	return Entry{Key: key, Value: value, Layout: LayoutCollapsed, Order: e.Order}, nil
}

// checkGroups verifies every member of dimension 1 of t equals member 0.
func checkGroups(t ml.Tensor) error {
	n, g, groups := t.Dim(0), t.Dim(1), t.Dim(2)
	s := t.Floats()
	for p := range groups {
		first := s[n*g*p : n*g*p+n]
		for j := 1; j < g; j++ {
			o := n * (j + g*p)
			if !slices.Equal(first, s[o:o+n]) {
				return fmt.Errorf("%w: head %d of group %d diverges from the group", ErrShapeMismatch, j, p)
			}
		}
	}

	return nil
}

// Reorder converts the key of e to the given axis order.
func Reorder(ctx ml.Context, e Entry, order AxisOrder) (Entry, error) {
	if e.Key == nil && e.Value == nil {
		return Entry{Layout: e.Layout, Order: order}, nil
	}

	if err := e.check(); err != nil {
		return Entry{}, err
	}

	if e.Order == order {
		return e, nil
	}

	e.Key = e.Key.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)
	e.Order = order
	return e, nil
}

// Convert brings e into format f. It is the only place that distinguishes
// between axis orders, so caches and sessions treat every block alike.
func Convert(ctx ml.Context, e Entry, f Format) (Entry, error) {
	e, err := Reorder(ctx, e, OrderCanonical)
	if err != nil {
		return Entry{}, err
	}

	switch f.Layout {
	case LayoutExpanded:
		e, err = ToExpanded(ctx, e, f.Heads)
	case LayoutCollapsed:
		e, err = ToCollapsed(ctx, e, f.Heads)
	default:
		err = fmt.Errorf("unknown layout %d", f.Layout)
	}
	if err != nil {
		return Entry{}, err
	}

	return Reorder(ctx, e, f.Order)
}
