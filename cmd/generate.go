package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ollama/swarm/inference"
	"github.com/ollama/swarm/speculative"
)

func GenerateHandler(cmd *cobra.Command, args []string) error {
	backend, m, err := loadModel(cmd)
	if err != nil {
		return err
	}

	prompt, _ := cmd.Flags().GetInt32Slice("prompt")
	for _, t := range prompt {
		if t < 0 || int(t) >= m.VocabSize {
			return fmt.Errorf("prompt token %d is outside the vocabulary of %d", t, m.VocabSize)
		}
	}

	draftLayers, _ := cmd.Flags().GetInt("draft-layers")
	draft, err := m.Truncated(draftLayers)
	if err != nil {
		return err
	}

	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	lookahead, _ := cmd.Flags().GetInt("lookahead")
	maxLength, _ := cmd.Flags().GetInt("max-length")
	noCapture, _ := cmd.Flags().GetBool("no-capture")

	params := inference.Params{
		MaxLength:      maxLength,
		DeclaredDType:  m.DType(),
		DisableCapture: noCapture,
	}

	target, err := inference.Open(backend, m.Blocks, params)
	if err != nil {
		return err
	}
	defer target.Close()

	proposer, err := inference.Open(backend, draft.Blocks, params)
	if err != nil {
		return err
	}
	defer proposer.Close()

	w := cmd.OutOrStdout()
	verbose, _ := cmd.Flags().GetBool("verbose")
	if !cmd.Flags().Changed("verbose") {
		verbose = isTerminal(w)
	}

	var rounds [][]string
	opts := speculative.Options{
		Lookahead: lookahead,
		MaxTokens: maxTokens,
		MaxLength: target.MaxLength(),
		EOS:       []int32{int32(m.EOSTokenID)},
		OnRound: func(r speculative.Round) {
			rounds = append(rounds, []string{
				fmt.Sprintf("%d", len(rounds)+1),
				formatTokens(r.Proposed),
				fmt.Sprintf("%d", r.Verified),
				formatTokens(r.Accepted),
				fmt.Sprintf("%t", r.Fallback),
			})
		},
	}

	if m.EOSTokenID <= 0 {
		opts.EOS = nil
	}

	r, err := speculative.Generate(cmd.Context(),
		speculative.NewSessionModel(backend, m, target),
		speculative.NewSessionProposer(backend, draft, proposer),
		prompt, opts)
	if err != nil {
		return err
	}

	slog.Debug("generate", "session", target.ID(), "draft", proposer.ID(), "tokens", len(r.Tokens))

	if verbose {
		table := newTable(w, []string{"ROUND", "PROPOSED", "VERIFIED", "ACCEPTED", "FALLBACK"})
		table.AppendBulk(rounds)
		table.Render()
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, formatTokens(r.Tokens))

	if verbose {
		fmt.Fprintf(w, "\nrounds:          %d\n", r.Rounds)
		fmt.Fprintf(w, "acceptance rate: %.2f\n", r.AcceptanceRate())
		fmt.Fprintf(w, "fallbacks:       %d\n", r.Fallbacks)
		fmt.Fprintf(w, "done reason:     %s\n", r.DoneReason)
	}

	return nil
}
