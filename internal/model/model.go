// Package model is the boundary between the collection stage and a language
// model. Adapters expose indexed decoder layers and let callers attach a
// transient observer to one layer's feed-forward output or block output.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-sae/internal/batch"
	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/tensor"
)

var (
	ErrUnsupportedArchitecture = fmt.Errorf("%w: unsupported model architecture", config.ErrInvalid)
	ErrUnsupportedStream       = fmt.Errorf("%w: unsupported activation stream", config.ErrInvalid)
	ErrLayerOutOfRange         = fmt.Errorf("%w: layer index out of range", config.ErrInvalid)
	ErrTokenOutOfRange         = errors.New("model: token id outside vocabulary")
)

// Stream selects which tensor of a decoder block is observed.
type Stream string

const (
	StreamMLPOutput Stream = "mlp_output"
	StreamResidual  Stream = "residual"
)

func ParseStream(s string) (Stream, error) {
	switch Stream(s) {
	case StreamMLPOutput, StreamResidual:
		return Stream(s), nil
	}
	return "", fmt.Errorf("%w %q (use mlp_output or residual)", ErrUnsupportedStream, s)
}

// ObserverFunc receives one (batch*seq, d_model) activation matrix per
// forward pass. The matrix is owned by the receiver.
type ObserverFunc func(layer int, acts *tensor.Matrix)

// Capabilities describes what an adapter can address.
type Capabilities struct {
	IndexableDecoderLayers bool
	FeedForwardSublayer    bool
	FullBlock              bool
}

type Adapter interface {
	Name() string
	DModel() int
	NumLayers() int
	Tokenizer() batch.Tokenizer
	Capabilities() Capabilities
	Observe(layer int, stream Stream, fn ObserverFunc) (*Handle, error)
	Forward(ctx context.Context, b *batch.TokenBatch) error
	Close() error
}

// CheckCapabilities fails when a cannot serve an observer at layer/stream.
func CheckCapabilities(a Adapter, layer int, stream Stream) error {
	caps := a.Capabilities()
	if !caps.IndexableDecoderLayers {
		return fmt.Errorf("%w: %s has no indexable decoder layers", ErrUnsupportedArchitecture, a.Name())
	}
	switch stream {
	case StreamMLPOutput:
		if !caps.FeedForwardSublayer {
			return fmt.Errorf("%w: %s cannot address the feed-forward sublayer", ErrUnsupportedArchitecture, a.Name())
		}
	case StreamResidual:
		if !caps.FullBlock {
			return fmt.Errorf("%w: %s cannot address the full block", ErrUnsupportedArchitecture, a.Name())
		}
	default:
		return fmt.Errorf("%w %q", ErrUnsupportedStream, stream)
	}
	if layer < 0 || layer >= a.NumLayers() {
		return fmt.Errorf("%w: %d (model has %d layers)", ErrLayerOutOfRange, layer, a.NumLayers())
	}
	return nil
}

// Handle detaches an observer. Release may be called any number of times.
type Handle struct {
	once    sync.Once
	release func()
}

func NewHandle(release func()) *Handle {
	return &Handle{release: release}
}

func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// WithObservation attaches fn for the duration of body. The observer is
// detached when body returns, fails or panics.
func WithObservation(a Adapter, layer int, stream Stream, fn ObserverFunc, body func() error) error {
	if err := CheckCapabilities(a, layer, stream); err != nil {
		return err
	}
	h, err := a.Observe(layer, stream, fn)
	if err != nil {
		return err
	}
	defer h.Release()
	return body()
}

type observation struct {
	layer  int
	stream Stream
	fn     ObserverFunc
}

// Hooks is the observer table adapters embed.
type Hooks struct {
	mu   sync.Mutex
	next int
	obs  map[int]observation
}

// Add registers fn and returns the handle that removes it.
func (h *Hooks) Add(layer int, stream Stream, fn ObserverFunc) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.obs == nil {
		h.obs = make(map[int]observation)
	}
	id := h.next
	h.next++
	h.obs[id] = observation{layer: layer, stream: stream, fn: fn}
	return NewHandle(func() {
		h.mu.Lock()
		delete(h.obs, id)
		h.mu.Unlock()
	})
}

func (h *Hooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.obs)
}

// Deepest returns the highest observed layer, or -1 with no observers.
func (h *Hooks) Deepest() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	deepest := -1
	for _, o := range h.obs {
		if o.layer > deepest {
			deepest = o.layer
		}
	}
	return deepest
}

// Fire hands every matching observer its own copy of acts.
func (h *Hooks) Fire(layer int, stream Stream, acts *tensor.Matrix) {
	h.mu.Lock()
	var fns []ObserverFunc
	for _, o := range h.obs {
		if o.layer == layer && o.stream == stream {
			fns = append(fns, o.fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(layer, acts.Clone())
	}
}
