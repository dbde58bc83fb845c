package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testModelArgs = []string{"--hidden-size", "16", "--heads", "4", "--kv-heads", "2", "--layers", "3", "--vocab-size", "13"}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var b bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&b)
	cmd.SetErr(&b)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return b.String(), err
}

func TestSize(t *testing.T) {
	out, err := run(t, append([]string{"size", "--dtype", "f32", "--overhead", "0"}, testModelArgs...)...)
	require.NoError(t, err)

	assert.Contains(t, out, "2880")
	assert.Contains(t, out, "f32")
	assert.Contains(t, out, "11.5 KB")
	assert.Contains(t, out, "34.6 KB")

	_, err = run(t, append([]string{"size", "--dtype", "q4_0"}, testModelArgs...)...)
	require.Error(t, err)

	_, err = run(t, "size", "--hidden-size", "10", "--heads", "4")
	require.Error(t, err)
}

func TestSizeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"hidden_size": 16,
		"num_attention_heads": 4,
		"num_kv_heads": 2,
		"num_hidden_layers": 3,
		"vocab_size": 13,
		"torch_dtype": "bfloat16"
	}`), 0o644))

	out, err := run(t, "size", "--config", path, "--overhead", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "bf16")
	assert.Contains(t, out, "5.8 KB")

	out, err = run(t, "size", "--config", path, "--overhead", "0", "--layers", "1")
	require.NoError(t, err)
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "model") {
			assert.Contains(t, line, "5.8 KB")
		}
	}

	_, err = run(t, "size", "--config", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestEnv(t *testing.T) {
	t.Setenv("SWARM_GRAPH_WARMUP", "7")

	out, err := run(t, "env")
	require.NoError(t, err)
	assert.Contains(t, out, "SWARM_GRAPH_WARMUP")
	assert.Contains(t, out, "SWARM_KV_CACHE_TYPE")

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "SWARM_GRAPH_WARMUP") {
			assert.Contains(t, line, "7")
		}
	}
}

func TestGenerate(t *testing.T) {
	// bf16 caches round history differently for batched verification and
	// single token decoding, which can flip near ties
	t.Setenv("SWARM_KV_CACHE_TYPE", "f32")

	generate := func(args ...string) []string {
		t.Helper()

		out, err := run(t, append(append([]string{"generate", "--prompt", "1,2,3", "--max-tokens", "8", "--lookahead", "3", "--verbose=false"}, testModelArgs...), args...)...)
		require.NoError(t, err)
		return strings.Fields(out)
	}

	tokens := generate()
	require.Len(t, tokens, 8)

	assert.Equal(t, tokens, generate("--no-capture"))
	assert.Equal(t, tokens, generate("--draft-layers", "3"))
	assert.Equal(t, tokens, generate("--lookahead", "1"))

	out, err := run(t, append([]string{"generate", "--prompt", "1,2,3", "--max-tokens", "4", "--verbose"}, testModelArgs...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "ROUND")
	assert.Contains(t, out, "acceptance rate")
	assert.Contains(t, out, strings.Join(tokens[:4], " "))

	_, err = run(t, append([]string{"generate", "--prompt", "99"}, testModelArgs...)...)
	require.Error(t, err)

	_, err = run(t, append([]string{"generate", "--draft-layers", "4"}, testModelArgs...)...)
	require.Error(t, err)
}

func TestBench(t *testing.T) {
	out, err := run(t, append([]string{"bench", "--sessions", "3", "--steps", "2", "--parallel", "2"}, testModelArgs...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "direct")
	assert.Contains(t, out, "captured")

	_, err = run(t, append([]string{"bench", "--steps", "0"}, testModelArgs...)...)
	require.Error(t, err)
}
