package ml

import (
	"fmt"
	"slices"
	"strings"
)

type Backend interface {
	Name() string
	NewContext() Context
}

var backends = make(map[string]func() (Backend, error))

func RegisterBackend(name string, f func() (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend()
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Backends lists the names of registered backends in sorted order.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor
	// FromBytes decodes data in the encoding Tensor.Bytes produces for dtype.
	FromBytes(dtype DType, data []byte, shape ...int) (Tensor, error)

	// Input returns a context suitable for allocating model inputs.
	Input() Context

	Forward(...Tensor) Context
	Compute(...Tensor)
	Close()
}

type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32
	// FromFloats overwrites the tensor contents in place.
	FromFloats([]float32)

	Cast(ctx Context, dtype DType) Tensor

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor
	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	GELU(ctx Context) Tensor
	RoPE(ctx Context, positionIDs Tensor, base float32) Tensor

	Rows(ctx Context, t2 Tensor) Tensor
	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor
	Contiguous(ctx Context) Tensor
	Slice(ctx Context, dim, low, high, step int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Repeat(ctx Context, dim, n int) Tensor

	// SetRows writes row i of src into row idxs[i] of the receiver and
	// returns the receiver.
	SetRows(ctx Context, src Tensor, idxs Tensor) Tensor
	// Copy writes the receiver's contents into t2 and returns t2.
	Copy(ctx Context, t2 Tensor) Tensor
	Duplicate(ctx Context) Tensor
}

// GraphCapturer is implemented by backends that can record a fixed-shape
// computation once and replay it.
type GraphCapturer interface {
	// CaptureGraph binds fn to backend-owned copies of inputs. The copies are
	// returned by Graph.Inputs and must be overwritten in place before each
	// Replay.
	CaptureGraph(inputs []Tensor, fn func(Context, []Tensor) []Tensor) (Graph, error)
}

type Graph interface {
	Inputs() []Tensor
	// Outputs are the buffers every Replay writes into.
	Outputs() []Tensor
	Replay() error
	Close()
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

// Elements returns the number of elements in t.
func Elements(t Tensor) int {
	return mul(t.Shape()...)
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

// Dump renders t outermost dimension first.
func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	s := t.Floats()
	if s == nil {
		return "<nil>"
	}

	shape := slices.Clone(t.Shape())
	slices.Reverse(shape)

	format := fmt.Sprintf("%%.%df", opts[0].Precision)
	if t.DType() == DTypeI32 {
		format = "%.0f"
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts[0].Items && i < dims[0]-opts[0].Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts[0].Items
				if len(dims) > 1 {
					stride += mul(append(slices.Clone(dims[1:]), skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprintf(&sb, format, s[stride+i])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
