// Package inference runs incremental forward passes over a stack of blocks,
// keeping one key/value cache per block for the lifetime of a session.
package inference

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/ollama/swarm/envconfig"
	"github.com/ollama/swarm/kvcache"
	"github.com/ollama/swarm/logutil"
	"github.com/ollama/swarm/ml"
	"github.com/ollama/swarm/ml/graph"
	"github.com/ollama/swarm/model"
)

var (
	ErrMaximumLengthExceeded = errors.New("maximum length exceeded")
	ErrSessionClosed         = errors.New("session closed")
)

type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateClosed {
		return "closed"
	}

	return "open"
}

type Params struct {
	// MaxLength is the number of positions every layer cache can hold.
	MaxLength int

	// DType is the cache storage type. DTypeOther defers to
	// SWARM_KV_CACHE_TYPE and then to the model's declared dtype.
	DType ml.DType

	// DeclaredDType is the dtype the blocks were published in.
	DeclaredDType ml.DType

	// DisableCapture runs every step directly, even when SWARM_GRAPH_CAPTURE
	// is enabled.
	DisableCapture bool

	// GraphOptions are passed to every accelerator the session builds.
	GraphOptions []graph.Option
}

type Session struct {
	id        string
	backend   ml.Backend
	blocks    []model.Block
	caches    []kvcache.Cache
	sites     []*model.Sites
	maxLength int
	dtype     ml.DType
	state     State

	logger  *slog.Logger
	onClose func()
}

// Open starts a session over blocks, one cache per block.
func Open(backend ml.Backend, blocks []model.Block, params Params) (*Session, error) {
	if len(blocks) == 0 {
		return nil, errors.New("session requires at least one block")
	}

	if params.MaxLength <= 0 {
		params.MaxLength = int(envconfig.MaxLength())
	}

	dtype := params.DType
	if dtype == ml.DTypeOther {
		configured, err := ml.ParseDType(envconfig.KvCacheType())
		if err != nil {
			return nil, err
		}

		dtype = ml.ResolveDType(configured, params.DeclaredDType)
	}

	s := Session{
		id:        uuid.NewString(),
		backend:   backend,
		blocks:    blocks,
		maxLength: params.MaxLength,
		dtype:     dtype,
	}
	s.logger = logutil.Session(s.id)

	capture := !params.DisableCapture && envconfig.GraphCapture(true)
	for _, b := range blocks {
		s.caches = append(s.caches, kvcache.NewLayer(backend, dtype, params.MaxLength))

		var sites *model.Sites
		if a, ok := b.(model.Accelerable); ok && capture {
			sites = a.NewSites(backend, params.GraphOptions...)
		}
		s.sites = append(s.sites, sites)
	}

	s.logger.Debug("session opened", "layers", len(blocks), "max_length", s.maxLength, "dtype", dtype, "capture", capture)
	return &s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Len is the number of positions held by every layer.
func (s *Session) Len() int {
	return s.caches[0].Len()
}

func (s *Session) MaxLength() int {
	return s.maxLength
}

func (s *Session) State() State {
	return s.state
}

type stepOptions struct {
	startFrom *int
}

type StepOption func(*stepOptions)

// StartFrom discards every cached position at or after pos before the step
// runs. pos may not exceed the current length.
func StartFrom(pos int) StepOption {
	return func(o *stepOptions) {
		o.startFrom = &pos
	}
}

// Step runs hidden, shaped [hidden_size, seq_len, batch], through every block
// in order and returns the final hidden state of the new positions. A step
// that fails leaves every cache at the length it had before the step, or at
// the StartFrom position when one was given and the rewind succeeded.
func (s *Session) Step(ctx ml.Context, hidden ml.Tensor, opts ...StepOption) (ml.Tensor, error) {
	if s.state == StateClosed {
		return nil, ErrSessionClosed
	}

	var o stepOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := s.Len()
	if o.startFrom != nil {
		if *o.startFrom < 0 || *o.startFrom > start {
			return nil, fmt.Errorf("%w: cannot start from %d, session holds %d", kvcache.ErrInvalidPosition, *o.startFrom, start)
		}

		start = *o.startFrom
	}

	n := hidden.Dim(1)
	if n < 1 {
		return nil, fmt.Errorf("%w: step has no positions", kvcache.ErrInvalidPosition)
	}

	if start+n > s.maxLength {
		s.logger.Debug("step rejected", "start", start, "new", n, "max_length", s.maxLength)
		return nil, fmt.Errorf("%w: %d + %d > %d", ErrMaximumLengthExceeded, start, n, s.maxLength)
	}

	if start < s.Len() {
		if err := s.truncate(start); err != nil {
			return nil, err
		}
	}

	for i := range s.blocks {
		var err error
		hidden, err = s.forward(ctx, i, hidden, start)
		if err != nil {
			if terr := s.truncate(start); terr != nil {
				s.logger.Warn("failed to restore cache", "layer", i, "error", terr)
			}

			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	logutil.Trace("step", "session", s.id, "start", start, "new", n, "length", s.Len())
	return hidden, nil
}

func (s *Session) forward(ctx ml.Context, i int, hidden ml.Tensor, start int) (ml.Tensor, error) {
	format := s.blocks[i].CacheFormat()

	past, err := s.caches[i].View(ctx, format)
	if err != nil {
		return nil, err
	}

	hidden, present, err := s.blocks[i].Forward(ctx, hidden, past, model.Options{Position: start, Sites: s.sites[i]})
	if err != nil {
		return nil, err
	}

	if _, err := s.caches[i].Extend(ctx, present, format); err != nil {
		return nil, err
	}

	return hidden, nil
}

func (s *Session) truncate(n int) error {
	for _, c := range s.caches {
		if c.Len() > n {
			if err := c.Truncate(n); err != nil {
				return err
			}
		}
	}

	return nil
}

// Close releases the caches and accelerators. Closing a closed session is a
// no-op.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}

	for i := range s.blocks {
		s.caches[i].Close()
		s.sites[i].Close()
	}

	s.state = StateClosed
	s.logger.Debug("session closed")

	if s.onClose != nil {
		s.onClose()
	}

	return nil
}

type export struct {
	Length int                `cbor:"1,keyasint"`
	Layers []kvcache.Snapshot `cbor:"2,keyasint"`
}

// Export serializes the cached history of every layer.
func (s *Session) Export(ctx ml.Context) ([]byte, error) {
	if s.state == StateClosed {
		return nil, ErrSessionClosed
	}

	e := export{Length: s.Len()}
	for _, c := range s.caches {
		snapshot, err := c.Snapshot(ctx)
		if err != nil {
			return nil, err
		}

		e.Layers = append(e.Layers, snapshot)
	}

	return cbor.Marshal(e)
}

// Import restores history produced by Export into an empty session.
func (s *Session) Import(ctx ml.Context, data []byte) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}

	if s.Len() != 0 {
		return fmt.Errorf("cannot import into a session holding %d positions", s.Len())
	}

	var e export
	if err := cbor.Unmarshal(data, &e); err != nil {
		return err
	}

	if len(e.Layers) != len(s.caches) {
		return fmt.Errorf("%w: export has %d layers, session has %d", kvcache.ErrShapeMismatch, len(e.Layers), len(s.caches))
	}

	if e.Length > s.maxLength {
		return fmt.Errorf("%w: export holds %d positions, session allows %d", ErrMaximumLengthExceeded, e.Length, s.maxLength)
	}

	for i, snapshot := range e.Layers {
		if err := snapshot.Check(s.blocks[i].CacheFormat()); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}

		if snapshot.Len() != e.Length {
			return fmt.Errorf("%w: layer %d holds %d positions, want %d", kvcache.ErrShapeMismatch, i, snapshot.Len(), e.Length)
		}
	}

	for i, snapshot := range e.Layers {
		if err := s.caches[i].Restore(ctx, snapshot); err != nil {
			if terr := s.truncate(0); terr != nil {
				s.logger.Warn("failed to restore cache", "layer", i, "error", terr)
			}

			return fmt.Errorf("layer %d: %w", i, err)
		}
	}

	s.logger.Debug("session imported", "length", e.Length)
	return nil
}
