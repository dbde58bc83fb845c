package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/swarm/envconfig"
	"github.com/ollama/swarm/format"
	"github.com/ollama/swarm/logutil"
	"github.com/ollama/swarm/ml"
	_ "github.com/ollama/swarm/ml/backend"
	"github.com/ollama/swarm/model"
	"github.com/ollama/swarm/version"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "swarm",
		Short: "Incremental inference over a stack of transformer blocks",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Version: version.Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	rootCmd.SetVersionTemplate("swarm version {{.Version}}\n")
	rootCmd.PersistentFlags().String("backend", "cpu", "Compute backend")

	cobra.EnableCommandSorting = false

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate tokens with speculative decoding",
		Args:  cobra.NoArgs,
		RunE:  GenerateHandler,
	}

	modelFlags(generateCmd)
	generateCmd.Flags().Int32Slice("prompt", []int32{1}, "Prompt token ids")
	generateCmd.Flags().Int("max-tokens", 32, "Maximum number of tokens to generate")
	generateCmd.Flags().Int("lookahead", 0, "Tokens proposed per round (default SWARM_SPECULATIVE_LOOKAHEAD)")
	generateCmd.Flags().Int("draft-layers", 1, "Number of leading blocks the draft model keeps")
	generateCmd.Flags().Int("max-length", 0, "Maximum session length (default SWARM_MAX_LENGTH)")
	generateCmd.Flags().Bool("no-capture", false, "Run decode steps without graph capture")
	generateCmd.Flags().Bool("verbose", false, "Show every speculative round")

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark concurrent decoding sessions",
		Args:  cobra.NoArgs,
		RunE:  BenchHandler,
	}

	modelFlags(benchCmd)
	benchCmd.Flags().Int("sessions", 4, "Number of sessions to run")
	benchCmd.Flags().Int("steps", 16, "Decode steps per session")
	benchCmd.Flags().Int("parallel", 0, "Concurrently open sessions (default SWARM_NUM_PARALLEL)")

	sizeCmd := &cobra.Command{
		Use:   "size",
		Short: "Estimate the memory a block occupies",
		Args:  cobra.NoArgs,
		RunE:  SizeHandler,
	}

	modelFlags(sizeCmd)
	sizeCmd.Flags().String("dtype", "auto", "Storage dtype (f32, f16, bf16 or auto)")
	sizeCmd.Flags().Float64("overhead", 0.01, "Fraction reserved for allocator overhead")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showEnv(cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(
		generateCmd,
		benchCmd,
		sizeCmd,
		envCmd,
	)

	return rootCmd
}

func modelFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to a model config.json")
	cmd.Flags().Int("hidden-size", 64, "Hidden size")
	cmd.Flags().Int("heads", 8, "Number of attention heads")
	cmd.Flags().Int("kv-heads", 2, "Number of key/value heads")
	cmd.Flags().Int("layers", 4, "Number of blocks")
	cmd.Flags().Int("vocab-size", 256, "Vocabulary size")
	cmd.Flags().Uint64("seed", 1, "Seed for generated weights")
}

// modelConfig reads --config when given, then applies any model flags set on
// the command line.
func modelConfig(cmd *cobra.Command) (model.Config, error) {
	m := make(map[string]any)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return model.Config{}, err
		}
		defer f.Close()

		if err := json.NewDecoder(f).Decode(&m); err != nil {
			return model.Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	for flag, key := range map[string]string{
		"hidden-size": "hidden_size",
		"heads":       "num_attention_heads",
		"kv-heads":    "num_kv_heads",
		"layers":      "num_hidden_layers",
		"vocab-size":  "vocab_size",
	} {
		if _, ok := m[key]; !ok || cmd.Flags().Changed(flag) {
			v, err := cmd.Flags().GetInt(flag)
			if err != nil {
				return model.Config{}, err
			}
			m[key] = v
		}
	}

	return model.ConfigFromMap(m)
}

// loadModel builds a model with generated weights on the selected backend.
func loadModel(cmd *cobra.Command) (ml.Backend, *model.Model, error) {
	c, err := modelConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	name, _ := cmd.Flags().GetString("backend")
	backend, err := ml.NewBackend(name)
	if err != nil {
		return nil, nil, err
	}

	seed, _ := cmd.Flags().GetUint64("seed")

	ctx := backend.NewContext()
	m, err := model.New(ctx, c, model.RandomWeights{Seed: seed})
	if err != nil {
		ctx.Close()
		return nil, nil, err
	}

	return backend, m, nil
}

func SizeHandler(cmd *cobra.Command, args []string) error {
	c, err := modelConfig(cmd)
	if err != nil {
		return err
	}

	s, _ := cmd.Flags().GetString("dtype")
	dtype, err := ml.ParseDType(s)
	if err != nil {
		return err
	}

	overhead, _ := cmd.Flags().GetFloat64("overhead")
	size := model.BlockSize(c, dtype, overhead)
	dtype = ml.ResolveDType(dtype, c.DType())

	data := [][]string{
		{"parameters", fmt.Sprintf("%d", c.BlockParams())},
		{"dtype", dtype.String()},
		{"block", format.HumanBytes(int64(size))},
		{"model", format.HumanBytes(int64(size) * int64(c.NumLayers))},
	}

	table := newTable(cmd.OutOrStdout(), nil)
	table.AppendBulk(data)
	table.Render()
	return nil
}

func showEnv(w io.Writer) error {
	vars := envconfig.AsMap()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var data [][]string
	for _, name := range names {
		v := vars[name]
		data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}

	table := newTable(w, []string{"NAME", "VALUE", "DESCRIPTION"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	if len(header) > 0 {
		table.SetHeader(header)
	}
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func formatTokens(tokens []int32) string {
	s := make([]string, len(tokens))
	for i, t := range tokens {
		s[i] = fmt.Sprintf("%d", t)
	}

	return strings.Join(s, " ")
}
