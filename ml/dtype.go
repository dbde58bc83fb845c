package ml

import (
	"fmt"
	"strings"
)

type DType int

const (
	// DTypeOther is the zero value and means the dtype is resolved later.
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	default:
		return "auto"
	}
}

// Size is the number of bytes one element occupies in Tensor.Bytes.
func (d DType) Size() int {
	switch d {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}

func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}

	*d = v
	return nil
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return DTypeOther, nil
	case "f32", "float32", "fp32":
		return DTypeF32, nil
	case "f16", "float16", "fp16":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "i32", "int32":
		return DTypeI32, nil
	default:
		return DTypeOther, fmt.Errorf("unsupported dtype %q", s)
	}
}

// ResolveDType picks the storage dtype for a block. An explicit request wins,
// then the dtype the model declares, then bfloat16.
func ResolveDType(requested, declared DType) DType {
	switch {
	case requested != DTypeOther:
		return requested
	case declared != DTypeOther:
		return declared
	default:
		return DTypeBF16
	}
}
