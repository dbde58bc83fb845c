package inference

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/swarm/envconfig"
	"github.com/ollama/swarm/ml"
	"github.com/ollama/swarm/model"
)

// Pool bounds the number of concurrently open sessions over one stack of
// blocks. It is safe for concurrent use.
type Pool struct {
	backend ml.Backend
	blocks  []model.Block
	params  Params

	sem *semaphore.Weighted

	mu       sync.Mutex
	sessions *treemap.Map
}

// NewPool creates a pool allowing parallel open sessions. A parallel of zero
// uses SWARM_NUM_PARALLEL.
func NewPool(backend ml.Backend, blocks []model.Block, params Params, parallel int) *Pool {
	if parallel <= 0 {
		parallel = max(int(envconfig.NumParallel()), 1)
	}

	return &Pool{
		backend:  backend,
		blocks:   blocks,
		params:   params,
		sem:      semaphore.NewWeighted(int64(parallel)),
		sessions: treemap.NewWithStringComparator(),
	}
}

// Open blocks until a session slot is free or ctx is done. maxLength
// overrides the pool's default when positive. Closing the session frees its
// slot.
func (p *Pool) Open(ctx context.Context, maxLength int) (*Session, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	params := p.params
	if maxLength > 0 {
		params.MaxLength = maxLength
	}

	s, err := Open(p.backend, p.blocks, params)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	p.sessions.Put(s.ID(), s)
	p.mu.Unlock()

	s.onClose = func() {
		p.mu.Lock()
		p.sessions.Remove(s.ID())
		p.mu.Unlock()
		p.sem.Release(1)
	}

	return s, nil
}

// Get returns an open session by id.
func (p *Pool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.sessions.Get(id)
	if !ok {
		return nil, false
	}

	return v.(*Session), true
}

// Sessions lists the ids of open sessions in sorted order.
func (p *Pool) Sessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, p.sessions.Size())
	for _, k := range p.sessions.Keys() {
		ids = append(ids, k.(string))
	}

	return ids
}

// Close closes every open session.
func (p *Pool) Close() {
	p.mu.Lock()
	values := p.sessions.Values()
	p.mu.Unlock()

	for _, v := range values {
		v.(*Session).Close()
	}
}
