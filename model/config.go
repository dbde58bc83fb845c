package model

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/ollama/swarm/kvcache"
	"github.com/ollama/swarm/ml"
)

var ErrInvalidConfig = errors.New("invalid model config")

type Config struct {
	Architecture string `mapstructure:"architecture"`

	HiddenSize    int `mapstructure:"hidden_size"`
	NumHeads      int `mapstructure:"num_attention_heads"`
	NumKVHeads    int `mapstructure:"num_kv_heads"`
	NumLayers     int `mapstructure:"num_hidden_layers"`
	VocabSize     int `mapstructure:"vocab_size"`
	FFNMultiplier int `mapstructure:"ffn_multiplier"`
	BOSTokenID    int `mapstructure:"bos_token_id"`
	EOSTokenID    int `mapstructure:"eos_token_id"`

	RopeBase float32 `mapstructure:"rope_theta"`
	Eps      float32 `mapstructure:"layer_norm_epsilon"`

	// TorchDType is the dtype the weights were published in.
	TorchDType string `mapstructure:"torch_dtype"`
}

// ConfigFromMap decodes hyper parameters as found in a model's config.json.
func ConfigFromMap(m map[string]any) (Config, error) {
	c := Config{
		Architecture:  "falcon",
		FFNMultiplier: 4,
		RopeBase:      10000,
		Eps:           1e-5,
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}

	if err := decoder.Decode(m); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.NumKVHeads == 0 {
		c.NumKVHeads = c.NumHeads
	}

	return c, c.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.HiddenSize <= 0 || c.NumHeads <= 0 || c.NumLayers <= 0 || c.VocabSize <= 0:
		return fmt.Errorf("%w: sizes must be positive", ErrInvalidConfig)
	case c.HiddenSize%c.NumHeads != 0:
		return fmt.Errorf("%w: hidden size %d is not divisible by %d heads", ErrInvalidConfig, c.HiddenSize, c.NumHeads)
	case c.HeadDim()%2 != 0:
		return fmt.Errorf("%w: head dim %d must be even", ErrInvalidConfig, c.HeadDim())
	case c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0:
		return fmt.Errorf("%w: %d heads cannot be grouped over %d kv heads", ErrInvalidConfig, c.NumHeads, c.NumKVHeads)
	case c.FFNMultiplier <= 0:
		return fmt.Errorf("%w: ffn multiplier must be positive", ErrInvalidConfig)
	}

	if _, err := ml.ParseDType(c.TorchDType); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

func (c Config) HeadDim() int {
	return c.HiddenSize / c.NumHeads
}

func (c Config) Heads() kvcache.Heads {
	return kvcache.Heads{Query: c.NumHeads, KV: c.NumKVHeads}
}

// DType is the dtype declared by the model, or DTypeOther.
func (c Config) DType() ml.DType {
	dtype, _ := ml.ParseDType(c.TorchDType)
	return dtype
}

// BlockParams is the number of weights in one decoder block.
func (c Config) BlockParams() int {
	h, d := c.HiddenSize, c.HeadDim()
	qkv := h * (c.NumHeads + 2*c.NumKVHeads) * d
	dense := h * h
	mlp := 2 * h * c.FFNMultiplier * h
	norms := 4 * h
	return qkv + dense + mlp + norms
}

// BlockSize estimates the memory one block occupies when stored as dtype.
// eps is the fraction reserved for metadata and allocator overhead.
func BlockSize(c Config, dtype ml.DType, eps float64) uint64 {
	dtype = ml.ResolveDType(dtype, c.DType())
	return uint64(float64(c.BlockParams()*dtype.Size()) * (1 + eps))
}
