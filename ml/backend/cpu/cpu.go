// Package cpu is a pure Go reference backend. Tensors are eager and
// contiguous; dimension 0 is innermost.
package cpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/ollama/swarm/ml"
)

func init() {
	ml.RegisterBackend("cpu", func() (ml.Backend, error) {
		return New(), nil
	})
}

type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string {
	return "cpu"
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

type Context struct {
	b *Backend
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape...)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape...)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeF32, shape...)
	if len(s) != len(t.data) {
		panic(fmt.Errorf("cpu: %d values do not fill shape %v", len(s), shape))
	}

	copy(t.data, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeI32, shape...)
	if len(s) != len(t.data) {
		panic(fmt.Errorf("cpu: %d values do not fill shape %v", len(s), shape))
	}

	for i, v := range s {
		t.data[i] = float32(v)
	}

	return t
}

func (c *Context) FromBytes(dtype ml.DType, data []byte, shape ...int) (ml.Tensor, error) {
	if len(shape) == 0 || len(shape) > 4 {
		return nil, fmt.Errorf("cpu: unsupported rank %d", len(shape))
	}

	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("cpu: negative dimension in %v", shape)
		}
		n *= d
	}

	if len(data) != n*dtype.Size() {
		return nil, fmt.Errorf("cpu: %d bytes do not fill %s shape %v", len(data), dtype, shape)
	}

	t := newTensor(dtype, shape...)

	switch dtype {
	case ml.DTypeF16:
		for i := range t.data {
			t.data[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
	case ml.DTypeBF16:
		copy(t.data, bfloat16.DecodeFloat32(data))
	case ml.DTypeI32:
		for i := range t.data {
			t.data[i] = float32(int32(binary.LittleEndian.Uint32(data[i*4:])))
		}
	default:
		for i := range t.data {
			t.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	}

	return t, nil
}

func (c *Context) Input() ml.Context {
	return c
}

func (c *Context) Forward(...ml.Tensor) ml.Context {
	return c
}

func (c *Context) Compute(...ml.Tensor) {}

func (c *Context) Close() {}

type Tensor struct {
	dtype ml.DType
	shape []int
	data  []float32
}

func newTensor(dtype ml.DType, shape ...int) *Tensor {
	if len(shape) == 0 || len(shape) > 4 {
		panic(fmt.Errorf("cpu: unsupported rank %d", len(shape)))
	}

	if dtype == ml.DTypeOther {
		dtype = ml.DTypeF32
	}

	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Errorf("cpu: negative dimension in %v", shape))
		}
		n *= d
	}

	return &Tensor{dtype: dtype, shape: slices.Clone(shape), data: make([]float32, n)}
}

// like allocates a float32 result with the given shape.
func like(shape ...int) *Tensor {
	return newTensor(ml.DTypeF32, shape...)
}

func (t *Tensor) ne() [4]int {
	ne := [4]int{1, 1, 1, 1}
	copy(ne[:], t.shape)
	return ne
}

func (t *Tensor) Dim(n int) int {
	if n >= len(t.shape) {
		return 1
	}

	return t.shape[n]
}

func (t *Tensor) Stride(n int) int {
	stride := t.dtype.Size()
	for i := 0; i < n && i < len(t.shape); i++ {
		stride *= t.shape[i]
	}

	return stride
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Bytes() []byte {
	switch t.dtype {
	case ml.DTypeF16:
		b := make([]byte, len(t.data)*2)
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(b[i*2:], float16.Fromfloat32(v).Bits())
		}
		return b
	case ml.DTypeBF16:
		return bfloat16.EncodeFloat32(t.data)
	case ml.DTypeI32:
		b := make([]byte, len(t.data)*4)
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(b[i*4:], uint32(int32(v)))
		}
		return b
	default:
		b := make([]byte, len(t.data)*4)
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
		return b
	}
}

func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

func (t *Tensor) FromFloats(s []float32) {
	if len(s) != len(t.data) {
		panic(fmt.Errorf("cpu: %d values do not fill shape %v", len(s), t.shape))
	}

	copy(t.data, s)
	round(t.dtype, t.data)
}

// round quantizes s in place to the precision dtype stores.
func round(dtype ml.DType, s []float32) {
	switch dtype {
	case ml.DTypeF16:
		for i, v := range s {
			s[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeBF16:
		copy(s, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(s)))
	case ml.DTypeI32:
		for i, v := range s {
			s[i] = float32(int32(v))
		}
	}
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := newTensor(dtype, t.shape...)
	copy(out.data, t.data)
	round(out.dtype, out.data)
	return out
}

func (t *Tensor) binary(t2 ml.Tensor, f func(a, b float32) float32) *Tensor {
	b := t2.(*Tensor)
	a4, b4 := t.ne(), b.ne()
	for i := range a4 {
		if a4[i]%b4[i] != 0 {
			panic(fmt.Errorf("cpu: cannot broadcast %v to %v", b.shape, t.shape))
		}
	}

	out := like(t.shape...)
	i := 0
	for i3 := 0; i3 < a4[3]; i3++ {
		for i2 := 0; i2 < a4[2]; i2++ {
			for i1 := 0; i1 < a4[1]; i1++ {
				row := b4[0] * ((i1 % b4[1]) + b4[1]*((i2%b4[2])+b4[2]*(i3%b4[3])))
				for i0 := 0; i0 < a4[0]; i0++ {
					out.data[i] = f(t.data[i], b.data[row+i0%b4[0]])
					i++
				}
			}
		}
	}

	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := like(t.shape...)
	for i, v := range t.data {
		out.data[i] = v * float32(s)
	}

	return out
}

// Mulmat contracts dimension 0 of both operands: t is [k, m, ...] and t2 is
// [k, n, ...]; the result is [m, n, ...]. t's batch dimensions broadcast over
// t2's.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	b := t2.(*Tensor)
	a4, b4 := t.ne(), b.ne()
	if a4[0] != b4[0] || b4[2]%a4[2] != 0 || b4[3]%a4[3] != 0 {
		panic(fmt.Errorf("cpu: cannot multiply %v by %v", t.shape, b.shape))
	}

	k, m, n := a4[0], a4[1], b4[1]
	out := like([]int{m, n, b4[2], b4[3]}[:max(len(b.shape), 2)]...)
	r2, r3 := b4[2]/a4[2], b4[3]/a4[3]
	for i3 := 0; i3 < b4[3]; i3++ {
		for i2 := 0; i2 < b4[2]; i2++ {
			ao := (i2/r2 + a4[2]*(i3/r3)) * k * m
			bo := (i2 + b4[2]*i3) * k * n
			co := (i2 + b4[2]*i3) * m * n
			blas32.Gemm(blas.NoTrans, blas.Trans, 1,
				blas32.General{Rows: n, Cols: k, Stride: k, Data: b.data[bo : bo+k*n]},
				blas32.General{Rows: m, Cols: k, Stride: k, Data: t.data[ao : ao+k*m]},
				0,
				blas32.General{Rows: n, Cols: m, Stride: m, Data: out.data[co : co+m*n]},
			)
		}
	}

	return out
}

func (t *Tensor) rows(f func(in, out []float32)) *Tensor {
	out := like(t.shape...)
	n := t.Dim(0)
	for i := 0; i < len(t.data); i += n {
		f(t.data[i:i+n], out.data[i:i+n])
	}

	return out
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	return t.rows(func(in, out []float32) {
		m := float32(math.Inf(-1))
		for _, v := range in {
			m = max(m, v)
		}

		var sum float64
		for i, v := range in {
			e := math.Exp(float64(v - m))
			out[i] = float32(e)
			sum += e
		}

		for i := range out {
			out[i] = float32(float64(out[i]) / sum)
		}
	})
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	var w, b []float32
	if weight != nil {
		w = weight.(*Tensor).data
	}
	if bias != nil {
		b = bias.(*Tensor).data
	}

	return t.rows(func(in, out []float32) {
		var mean, variance float64
		for _, v := range in {
			mean += float64(v)
		}
		mean /= float64(len(in))

		for _, v := range in {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(len(in))

		scale := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range in {
			x := float32((float64(v) - mean) * scale)
			if w != nil {
				x *= w[i]
			}
			if b != nil {
				x += b[i]
			}
			out[i] = x
		}
	})
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	out := like(t.shape...)
	for i, v := range t.data {
		out.data[i] = float32(0.5 * float64(v) * (1 + math.Erf(float64(v)/math.Sqrt2)))
	}

	return out
}

// RoPE rotates the two halves of dimension 0. Positions index dimension 2.
func (t *Tensor) RoPE(ctx ml.Context, positionIDs ml.Tensor, base float32) ml.Tensor {
	positions := positionIDs.(*Tensor).data
	ne := t.ne()
	if len(positions) != ne[2] || ne[0]%2 != 0 {
		panic(fmt.Errorf("cpu: cannot rotate %v with %d positions", t.shape, len(positions)))
	}

	half := ne[0] / 2
	out := like(t.shape...)
	for i3 := 0; i3 < ne[3]; i3++ {
		for i2 := 0; i2 < ne[2]; i2++ {
			for i1 := 0; i1 < ne[1]; i1++ {
				o := ne[0] * (i1 + ne[1]*(i2+ne[2]*i3))
				for i := 0; i < half; i++ {
					theta := float64(positions[i2]) * math.Pow(float64(base), -2*float64(i)/float64(ne[0]))
					sin, cos := math.Sincos(theta)
					x0, x1 := float64(t.data[o+i]), float64(t.data[o+i+half])
					out.data[o+i] = float32(x0*cos - x1*sin)
					out.data[o+i+half] = float32(x1*cos + x0*sin)
				}
			}
		}
	}

	return out
}

// Rows gathers rows of t by the indices in t2.
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	idxs := t2.(*Tensor).data
	n := t.Dim(0)
	out := newTensor(t.dtype, n, len(idxs))
	for i, idx := range idxs {
		r := int(idx)
		if r < 0 || r*n >= len(t.data) {
			panic(fmt.Errorf("cpu: row %d out of range for %v", r, t.shape))
		}
		copy(out.data[i*n:(i+1)*n], t.data[r*n:(r+1)*n])
	}

	return out
}

// Reshape shares storage with t.
func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	out := &Tensor{dtype: t.dtype, shape: slices.Clone(shape), data: t.data}
	if len(shape) == 0 || len(shape) > 4 || ml.Elements(out) != len(t.data) {
		panic(fmt.Errorf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	return out
}

// Permute moves source dimension i to destination dimension order[i].
func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != 4 {
		panic(fmt.Errorf("cpu: permute needs 4 axes, got %v", order))
	}

	src := t.ne()
	var dst [4]int
	for i, o := range order {
		dst[o] = src[i]
	}

	shape := slices.Clone(dst[:])
	for len(shape) > len(t.shape) && shape[len(shape)-1] == 1 {
		shape = shape[:len(shape)-1]
	}

	out := newTensor(t.dtype, shape...)

	var idx [4]int
	i := 0
	for idx[3] = 0; idx[3] < src[3]; idx[3]++ {
		for idx[2] = 0; idx[2] < src[2]; idx[2]++ {
			for idx[1] = 0; idx[1] < src[1]; idx[1]++ {
				for idx[0] = 0; idx[0] < src[0]; idx[0]++ {
					var d [4]int
					for k, o := range order {
						d[o] = idx[k]
					}
					out.data[d[0]+dst[0]*(d[1]+dst[1]*(d[2]+dst[2]*d[3]))] = t.data[i]
					i++
				}
			}
		}
	}

	return out
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t.Duplicate(ctx)
}

func (t *Tensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	src := t.ne()
	if dim < 0 || dim > 3 || low < 0 || high > src[dim] || low >= high || step < 1 {
		panic(fmt.Errorf("cpu: invalid slice [%d:%d:%d] of dim %d in %v", low, high, step, dim, t.shape))
	}

	dst := src
	dst[dim] = (high - low + step - 1) / step

	shape := slices.Clone(t.shape)
	for len(shape) <= dim {
		shape = append(shape, 1)
	}
	shape[dim] = dst[dim]

	out := newTensor(t.dtype, shape...)
	i := 0
	for i3 := 0; i3 < dst[3]; i3++ {
		for i2 := 0; i2 < dst[2]; i2++ {
			for i1 := 0; i1 < dst[1]; i1++ {
				for i0 := 0; i0 < dst[0]; i0++ {
					s := [4]int{i0, i1, i2, i3}
					s[dim] = low + s[dim]*step
					out.data[i] = t.data[s[0]+src[0]*(s[1]+src[1]*(s[2]+src[2]*s[3]))]
					i++
				}
			}
		}
	}

	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	b := t2.(*Tensor)
	a4, b4 := t.ne(), b.ne()
	for i := range a4 {
		if i != dim && a4[i] != b4[i] {
			panic(fmt.Errorf("cpu: cannot concatenate %v and %v along %d", t.shape, b.shape, dim))
		}
	}

	dst := a4
	dst[dim] += b4[dim]

	shape := slices.Clone(t.shape)
	for len(shape) <= dim {
		shape = append(shape, 1)
	}
	shape[dim] = dst[dim]

	dtype := t.dtype
	if dtype != b.dtype {
		dtype = ml.DTypeF32
	}

	out := newTensor(dtype, shape...)
	i := 0
	for i3 := 0; i3 < dst[3]; i3++ {
		for i2 := 0; i2 < dst[2]; i2++ {
			for i1 := 0; i1 < dst[1]; i1++ {
				for i0 := 0; i0 < dst[0]; i0++ {
					s := [4]int{i0, i1, i2, i3}
					if s[dim] < a4[dim] {
						out.data[i] = t.data[s[0]+a4[0]*(s[1]+a4[1]*(s[2]+a4[2]*s[3]))]
					} else {
						s[dim] -= a4[dim]
						out.data[i] = b.data[s[0]+b4[0]*(s[1]+b4[1]*(s[2]+b4[2]*s[3]))]
					}
					i++
				}
			}
		}
	}

	return out
}

// Repeat tiles t n times along dim.
func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	src := t.ne()
	dst := src
	dst[dim] *= n

	shape := slices.Clone(t.shape)
	for len(shape) <= dim {
		shape = append(shape, 1)
	}
	shape[dim] = dst[dim]

	out := newTensor(t.dtype, shape...)
	i := 0
	for i3 := 0; i3 < dst[3]; i3++ {
		for i2 := 0; i2 < dst[2]; i2++ {
			for i1 := 0; i1 < dst[1]; i1++ {
				for i0 := 0; i0 < dst[0]; i0++ {
					s := [4]int{i0, i1, i2, i3}
					s[dim] %= src[dim]
					out.data[i] = t.data[s[0]+src[0]*(s[1]+src[1]*(s[2]+src[2]*s[3]))]
					i++
				}
			}
		}
	}

	return out
}

func (t *Tensor) SetRows(ctx ml.Context, src ml.Tensor, idxs ml.Tensor) ml.Tensor {
	s := src.(*Tensor)
	rows := idxs.(*Tensor).data
	n := t.Dim(0)
	if s.Dim(0) != n || len(s.data) != n*len(rows) {
		panic(fmt.Errorf("cpu: cannot set rows of %v from %v", t.shape, s.shape))
	}

	for i, idx := range rows {
		r := int(idx)
		if r < 0 || (r+1)*n > len(t.data) {
			panic(fmt.Errorf("cpu: row %d out of range for %v", r, t.shape))
		}

		dst := t.data[r*n : (r+1)*n]
		copy(dst, s.data[i*n:(i+1)*n])
		round(t.dtype, dst)
	}

	return t
}

func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	t2.FromFloats(t.data)
	return t2
}

func (t *Tensor) Duplicate(ctx ml.Context) ml.Tensor {
	return &Tensor{dtype: t.dtype, shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}
