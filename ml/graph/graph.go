// Package graph captures fixed-shape computations once and replays them.
//
// An Accelerator runs its function directly for a few warmup calls, then
// asks the backend to capture it. Every later call copies its inputs into the
// captured input surface and replays the graph. Inputs must keep the shapes
// and dtypes seen at capture time.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ollama/swarm/envconfig"
	"github.com/ollama/swarm/logutil"
	"github.com/ollama/swarm/ml"
)

var ErrCapturePrecondition = errors.New("graph capture precondition violated")

type Func func(ctx ml.Context, inputs []ml.Tensor) []ml.Tensor

type state int

const (
	stateUncaptured state = iota
	stateCaptured
)

type Accelerator struct {
	name    string
	backend ml.Backend
	fn      Func
	warmup  int

	mu      sync.Mutex
	state   state
	graph   ml.Graph
	replays int
}

type Option func(*Accelerator)

// WithWarmup sets the number of direct executions before capture.
func WithWarmup(n int) Option {
	return func(a *Accelerator) {
		a.warmup = n
	}
}

func New(name string, backend ml.Backend, fn Func, opts ...Option) *Accelerator {
	a := &Accelerator{
		name:    name,
		backend: backend,
		fn:      fn,
		warmup:  int(envconfig.GraphWarmup()),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *Accelerator) Name() string {
	return a.name
}

// Captured reports whether the graph has been captured.
func (a *Accelerator) Captured() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateCaptured
}

// Replays is the number of times the captured graph was replayed.
func (a *Accelerator) Replays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.replays
}

// Call evaluates the function on inputs. The returned tensors belong to the
// accelerator and are overwritten by the next call.
func (a *Accelerator) Call(ctx ml.Context, inputs ...ml.Tensor) ([]ml.Tensor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	capturer, ok := a.backend.(ml.GraphCapturer)
	if !ok {
		return a.fn(ctx, inputs), nil
	}

	if a.state == stateUncaptured {
		for range a.warmup {
			a.fn(ctx, inputs)
		}

		g, err := capturer.CaptureGraph(inputs, func(ctx ml.Context, inputs []ml.Tensor) []ml.Tensor {
			return a.fn(ctx, inputs)
		})
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", a.name, err)
		}

		a.graph = g
		a.state = stateCaptured
		slog.Debug("captured graph", "site", a.name, "inputs", len(inputs), "warmup", a.warmup)
	}

	surface := a.graph.Inputs()
	if len(inputs) != len(surface) {
		return nil, fmt.Errorf("%w: %s called with %d inputs, captured %d", ErrCapturePrecondition, a.name, len(inputs), len(surface))
	}

	for i, t := range inputs {
		if !slices.Equal(t.Shape(), surface[i].Shape()) || t.DType() != surface[i].DType() {
			return nil, fmt.Errorf("%w: %s input %d is %s%v, captured %s%v", ErrCapturePrecondition,
				a.name, i, t.DType(), t.Shape(), surface[i].DType(), surface[i].Shape())
		}
	}

	for i, t := range inputs {
		t.Copy(ctx, surface[i])
	}

	if err := a.graph.Replay(); err != nil {
		return nil, fmt.Errorf("replay %s: %w", a.name, err)
	}

	a.replays++
	logutil.Trace("replayed graph", "site", a.name, "replays", a.replays)
	return a.graph.Outputs(), nil
}

func (a *Accelerator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.graph != nil {
		a.graph.Close()
	}

	a.graph = nil
	a.state = stateUncaptured
}
