// Package speculative implements greedy speculative decoding: a fast
// proposer drafts several tokens and the authoritative model keeps the
// longest prefix it agrees with.
package speculative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ollama/swarm/envconfig"
	"github.com/ollama/swarm/logutil"
	"github.com/ollama/swarm/sample"
)

type Proposer interface {
	// Propose greedily extends tokens by up to n tokens.
	Propose(ctx context.Context, tokens []int32, n int) ([]int32, error)
}

type Model interface {
	// Forward returns logits for positions start through len(tokens)-1,
	// reusing cached state for tokens[:start] and discarding anything cached
	// after it.
	Forward(ctx context.Context, tokens []int32, start int) ([][]float32, error)
}

type Round struct {
	Proposed []int32
	Verified int
	Accepted []int32
	// Fallback is set when no proposal was verified and the authoritative
	// model decoded a single token instead.
	Fallback bool
}

type DoneReason int

const (
	DoneMaxTokens DoneReason = iota
	DoneEOS
	DoneLength
)

func (d DoneReason) String() string {
	switch d {
	case DoneEOS:
		return "stop"
	case DoneLength:
		return "length"
	default:
		return "max_tokens"
	}
}

type Options struct {
	// Lookahead is the number of tokens proposed per round. Zero uses
	// SWARM_SPECULATIVE_LOOKAHEAD.
	Lookahead int

	// MaxTokens limits the number of generated tokens. Zero generates
	// until EOS or MaxLength.
	MaxTokens int

	// MaxLength is the session length, including the prompt. Zero is
	// unbounded.
	MaxLength int

	// EOS tokens end generation. The EOS token is included in the output.
	EOS []int32

	// OnRound is called after every round.
	OnRound func(Round)
}

type Result struct {
	Tokens     []int32
	Rounds     int
	Proposed   int
	Accepted   int
	Fallbacks  int
	DoneReason DoneReason
}

// AcceptanceRate is the fraction of proposed tokens that were accepted.
func (r Result) AcceptanceRate() float64 {
	if r.Proposed == 0 {
		return 0
	}

	return float64(r.Accepted) / float64(r.Proposed)
}

// VerifiedPrefix returns the length of the longest common prefix of the
// authoritative predictions and the proposals.
func VerifiedPrefix(predicted, proposed []int32) int {
	n := min(len(predicted), len(proposed))
	for i := range n {
		if predicted[i] != proposed[i] {
			return i
		}
	}

	return n
}

// Generate extends prompt until a stop condition is met. The result matches
// greedy decoding of m alone.
func Generate(ctx context.Context, m Model, p Proposer, prompt []int32, opts Options) (Result, error) {
	if len(prompt) == 0 {
		return Result{}, errors.New("speculative: empty prompt")
	}

	if opts.MaxTokens <= 0 && opts.MaxLength <= 0 {
		return Result{}, errors.New("speculative: MaxTokens or MaxLength is required")
	}

	if opts.Lookahead <= 0 {
		opts.Lookahead = max(int(envconfig.Lookahead()), 1)
	}

	sampler := sample.Greedy()
	argmax := func(logits []float32) (int32, error) {
		return sampler.Sample(logits)
	}

	tokens := slices.Clone(prompt)
	logits, err := m.Forward(ctx, tokens, 0)
	if err != nil {
		return Result{}, err
	}

	if len(logits) != len(tokens) {
		return Result{}, fmt.Errorf("speculative: prefill returned %d rows for %d tokens", len(logits), len(tokens))
	}

	// next holds the logits predicting position len(tokens)
	next := logits[len(logits)-1]

	var r Result
	for {
		if err := ctx.Err(); err != nil {
			return r, err
		}

		k := opts.Lookahead
		if opts.MaxTokens > 0 {
			remaining := opts.MaxTokens - len(r.Tokens)
			if remaining <= 0 {
				r.DoneReason = DoneMaxTokens
				break
			}

			k = min(k, remaining)
		}

		if opts.MaxLength > 0 {
			room := opts.MaxLength - len(tokens)
			if room <= 0 {
				r.DoneReason = DoneLength
				break
			}

			k = min(k, room)
		}

		lengthBefore := len(tokens)
		proposed, err := p.Propose(ctx, tokens, k)
		if err != nil {
			return r, fmt.Errorf("propose: %w", err)
		}

		if len(proposed) > k {
			proposed = proposed[:k]
		}

		round := Round{Proposed: proposed}

		var rows [][]float32
		if len(proposed) > 0 {
			rows, err = m.Forward(ctx, append(slices.Clone(tokens), proposed...), lengthBefore)
			if err != nil {
				return r, fmt.Errorf("verify: %w", err)
			}

			if len(rows) != len(proposed) {
				return r, fmt.Errorf("speculative: verification returned %d rows for %d tokens", len(rows), len(proposed))
			}

			// the prediction for proposal i comes from position lengthBefore+i-1
			predicted := make([]int32, len(proposed))
			for i := range predicted {
				logits := next
				if i > 0 {
					logits = rows[i-1]
				}

				if predicted[i], err = argmax(logits); err != nil {
					return r, err
				}
			}

			round.Verified = VerifiedPrefix(predicted, proposed)
		}

		if round.Verified > 0 {
			round.Accepted = proposed[:round.Verified]
			next = rows[round.Verified-1]
		} else {
			token, err := argmax(next)
			if err != nil {
				return r, err
			}

			rows, err := m.Forward(ctx, append(slices.Clone(tokens), token), lengthBefore)
			if err != nil {
				return r, fmt.Errorf("decode: %w", err)
			}

			if len(rows) != 1 {
				return r, fmt.Errorf("speculative: decode returned %d rows", len(rows))
			}

			round.Accepted = []int32{token}
			round.Fallback = true
			next = rows[0]
			r.Fallbacks++
		}

		eos := slices.IndexFunc(round.Accepted, func(t int32) bool {
			return slices.Contains(opts.EOS, t)
		})
		if eos >= 0 {
			round.Accepted = round.Accepted[:eos+1]
		}

		tokens = append(tokens, round.Accepted...)
		r.Tokens = append(r.Tokens, round.Accepted...)
		r.Rounds++
		r.Proposed += len(round.Proposed)
		r.Accepted += min(round.Verified, len(round.Accepted))

		logutil.Trace("speculative round", "proposed", len(round.Proposed), "verified", round.Verified, "fallback", round.Fallback)
		if opts.OnRound != nil {
			opts.OnRound(round)
		}

		if eos >= 0 {
			r.DoneReason = DoneEOS
			break
		}
	}

	slog.Debug("speculative generation done", "tokens", len(r.Tokens), "rounds", r.Rounds,
		"acceptance", r.AcceptanceRate(), "fallbacks", r.Fallbacks, "reason", r.DoneReason)
	return r, nil
}
