package speculative

import (
	"context"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const vocab = 17

// oracle is the greedy choice of fakeModel after tokens.
func oracle(tokens []int32) int32 {
	var s int32
	for _, t := range tokens {
		s = s*31 + t + 1
	}

	return ((s % vocab) + vocab) % vocab
}

func reference(prompt []int32, n int) []int32 {
	seq := slices.Clone(prompt)
	for range n {
		seq = append(seq, oracle(seq))
	}

	return seq[len(prompt):]
}

func onehot(t int32) []float32 {
	logits := make([]float32, vocab)
	logits[t] = 1
	return logits
}

type fakeModel struct {
	starts []int
}

func (m *fakeModel) Forward(ctx context.Context, tokens []int32, start int) ([][]float32, error) {
	m.starts = append(m.starts, start)

	var rows [][]float32
	for i := start; i < len(tokens); i++ {
		rows = append(rows, onehot(oracle(tokens[:i+1])))
	}

	return rows, nil
}

// fakeProposer agrees with oracle except at index wrongAt of every proposal.
type fakeProposer struct {
	wrongAt int
}

func (p fakeProposer) Propose(ctx context.Context, tokens []int32, n int) ([]int32, error) {
	seq := slices.Clone(tokens)
	for i := range n {
		t := oracle(seq)
		if i == p.wrongAt {
			t = (t + 1) % vocab
		}
		seq = append(seq, t)
	}

	return seq[len(tokens):], nil
}

func TestVerifiedPrefix(t *testing.T) {
	cases := []struct {
		name                string
		predicted, proposed []int32
		want                int
	}{
		{"diverges", []int32{5, 5, 3, 9, 2}, []int32{5, 5, 5, 9, 2}, 2},
		{"identical", []int32{1, 2, 3}, []int32{1, 2, 3}, 3},
		{"first differs", []int32{1, 2, 3}, []int32{0, 2, 3}, 0},
		{"short proposal", []int32{1, 2, 3}, []int32{1, 2}, 2},
		{"empty", nil, nil, 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, VerifiedPrefix(tt.predicted, tt.proposed))
		})
	}
}

func TestGenerate(t *testing.T) {
	prompt := []int32{1, 2, 3}
	want := reference(prompt, 10)

	cases := []struct {
		name      string
		wrongAt   int
		rounds    int
		proposed  int
		accepted  int
		fallbacks int
		starts    []int
	}{
		{"accept all", -1, 3, 10, 10, 0, []int{0, 3, 7, 11}},
		{"accept prefix", 2, 5, 18, 10, 0, []int{0, 3, 5, 7, 9, 11}},
		{
			"fallback", 0, 10, 34, 0, 10,
			[]int{0, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			var m fakeModel
			var rounds []Round
			r, err := Generate(context.Background(), &m, fakeProposer{wrongAt: tt.wrongAt}, prompt, Options{
				Lookahead: 4,
				MaxTokens: 10,
				OnRound:   func(r Round) { rounds = append(rounds, r) },
			})
			require.NoError(t, err)

			if diff := cmp.Diff(want, r.Tokens); diff != "" {
				t.Errorf("tokens mismatch (-want +got):\n%s", diff)
			}

			require.Equal(t, tt.rounds, r.Rounds)
			require.Len(t, rounds, tt.rounds)
			require.Equal(t, tt.proposed, r.Proposed)
			require.Equal(t, tt.accepted, r.Accepted)
			require.Equal(t, tt.fallbacks, r.Fallbacks)
			require.Equal(t, DoneMaxTokens, r.DoneReason)
			require.Equal(t, tt.starts, m.starts)
		})
	}
}

func TestGenerateStops(t *testing.T) {
	prompt := []int32{4, 4}
	ref := reference(prompt, 20)

	t.Run("eos", func(t *testing.T) {
		eos := ref[5]
		r, err := Generate(context.Background(), &fakeModel{}, fakeProposer{wrongAt: -1}, prompt, Options{
			Lookahead: 3,
			MaxTokens: 20,
			EOS:       []int32{eos},
		})
		require.NoError(t, err)
		require.Equal(t, DoneEOS, r.DoneReason)
		require.Equal(t, ref[:slices.Index(ref, eos)+1], r.Tokens)
	})

	t.Run("length", func(t *testing.T) {
		r, err := Generate(context.Background(), &fakeModel{}, fakeProposer{wrongAt: 1}, prompt, Options{
			Lookahead: 4,
			MaxLength: 9,
		})
		require.NoError(t, err)
		require.Equal(t, DoneLength, r.DoneReason)
		require.Equal(t, ref[:7], r.Tokens)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := Generate(ctx, &fakeModel{}, fakeProposer{}, prompt, Options{MaxTokens: 1})
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Generate(context.Background(), &fakeModel{}, fakeProposer{}, nil, Options{MaxTokens: 1})
		require.Error(t, err)

		_, err = Generate(context.Background(), &fakeModel{}, fakeProposer{}, prompt, Options{})
		require.Error(t, err)
	})
}

func TestAcceptanceRate(t *testing.T) {
	require.Zero(t, Result{}.AcceptanceRate())
	require.InDelta(t, 0.25, Result{Proposed: 8, Accepted: 2}.AcceptanceRate(), 1e-9)
}
