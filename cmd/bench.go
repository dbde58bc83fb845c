package cmd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/swarm/inference"
	"github.com/ollama/swarm/ml"
	"github.com/ollama/swarm/model"
	"github.com/ollama/swarm/sample"
)

type benchResult struct {
	mode     string
	sessions int
	tokens   int64
	duration time.Duration
}

func BenchHandler(cmd *cobra.Command, args []string) error {
	backend, m, err := loadModel(cmd)
	if err != nil {
		return err
	}

	sessions, _ := cmd.Flags().GetInt("sessions")
	steps, _ := cmd.Flags().GetInt("steps")
	parallel, _ := cmd.Flags().GetInt("parallel")
	if sessions <= 0 || steps <= 0 {
		return fmt.Errorf("sessions and steps must be positive")
	}

	var data [][]string
	for _, capture := range []bool{false, true} {
		r, err := bench(cmd.Context(), backend, m, sessions, steps, parallel, capture)
		if err != nil {
			return err
		}

		data = append(data, []string{
			r.mode,
			fmt.Sprintf("%d", r.sessions),
			fmt.Sprintf("%d", r.tokens),
			r.duration.Round(time.Millisecond).String(),
			fmt.Sprintf("%.1f", float64(r.tokens)/r.duration.Seconds()),
		})
	}

	table := newTable(cmd.OutOrStdout(), []string{"MODE", "SESSIONS", "TOKENS", "DURATION", "TOKENS/S"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

func bench(ctx context.Context, backend ml.Backend, m *model.Model, sessions, steps, parallel int, capture bool) (benchResult, error) {
	pool := inference.NewPool(backend, m.Blocks, inference.Params{
		MaxLength:      steps + 1,
		DeclaredDType:  m.DType(),
		DisableCapture: !capture,
	}, parallel)
	defer pool.Close()

	var tokens atomic.Int64
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := range sessions {
		g.Go(func() error {
			s, err := pool.Open(ctx, 0)
			if err != nil {
				return err
			}
			defer s.Close()

			sampler := sample.Greedy()
			token := int32(i % m.VocabSize)
			for range steps + 1 {
				if err := ctx.Err(); err != nil {
					return err
				}

				if err := func() error {
					mctx := backend.NewContext()
					defer mctx.Close()

					hidden, err := s.Step(mctx, m.Embed(mctx, []int32{token}))
					if err != nil {
						return err
					}

					rows := m.Logits(mctx, hidden)
					token, err = sampler.Sample(rows[0])
					return err
				}(); err != nil {
					return fmt.Errorf("session %s: %w", s.ID(), err)
				}

				tokens.Add(1)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}

	mode := "direct"
	if capture {
		mode = "captured"
	}

	return benchResult{mode: mode, sessions: sessions, tokens: tokens.Load(), duration: time.Since(start)}, nil
}
