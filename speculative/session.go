package speculative

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ollama/swarm/inference"
	"github.com/ollama/swarm/ml"
	"github.com/ollama/swarm/model"
	"github.com/ollama/swarm/sample"
)

// SessionModel runs a model through an inference session, so verification
// only recomputes the suffix that changed.
type SessionModel struct {
	backend ml.Backend
	model   *model.Model
	session *inference.Session
}

func NewSessionModel(backend ml.Backend, m *model.Model, s *inference.Session) *SessionModel {
	return &SessionModel{backend: backend, model: m, session: s}
}

func (m *SessionModel) Forward(ctx context.Context, tokens []int32, start int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if start < 0 || start >= len(tokens) {
		return nil, fmt.Errorf("cannot start from %d of %d tokens", start, len(tokens))
	}

	mctx := m.backend.NewContext()
	defer mctx.Close()

	hidden, err := m.session.Step(mctx, m.model.Embed(mctx, tokens[start:]), inference.StartFrom(start))
	if err != nil {
		return nil, err
	}

	return m.model.Logits(mctx, hidden), nil
}

// SessionProposer drafts tokens with a smaller model decoding one token at a
// time. It keeps its own session and rewinds it to the longest prefix shared
// with each request.
type SessionProposer struct {
	model   *SessionModel
	sampler sample.Sampler

	cached []int32
	next   []float32
}

func NewSessionProposer(backend ml.Backend, m *model.Model, s *inference.Session) *SessionProposer {
	return &SessionProposer{
		model:   NewSessionModel(backend, m, s),
		sampler: sample.Greedy(),
	}
}

func (p *SessionProposer) Propose(ctx context.Context, tokens []int32, n int) ([]int32, error) {
	maxLength := p.model.session.MaxLength()
	if len(tokens) > maxLength {
		return nil, nil
	}

	common := 0
	for common < min(len(tokens), len(p.cached)) && tokens[common] == p.cached[common] {
		common++
	}

	if common < len(tokens) || len(p.cached) != len(tokens) || p.next == nil {
		start := min(common, len(tokens)-1)
		rows, err := p.model.Forward(ctx, tokens, start)
		if err != nil {
			p.cached, p.next = nil, nil
			return nil, err
		}

		p.cached = slices.Clone(tokens)
		p.next = rows[len(rows)-1]
	}

	var proposed []int32
	for len(proposed) < n {
		token, err := p.sampler.Sample(p.next)
		if err != nil {
			return nil, err
		}

		proposed = append(proposed, token)
		if len(proposed) == n || len(p.cached) >= maxLength {
			break
		}

		rows, err := p.model.Forward(ctx, append(p.cached, token), len(p.cached))
		if errors.Is(err, inference.ErrMaximumLengthExceeded) {
			break
		} else if err != nil {
			p.cached, p.next = nil, nil
			return nil, err
		}

		p.cached = append(p.cached, token)
		p.next = rows[0]
	}

	return proposed, nil
}
