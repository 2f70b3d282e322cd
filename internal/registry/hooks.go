package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/gateway/internal/errkind"
)

// The transform pipeline runs registered Go functions only; nothing is loaded
// dynamically. Three hook shapes exist:
//
//   - Resolver: first non-nil result wins.
//   - Transformer: chained input rewrites.
//   - SideEffect: fan-out observers, errors logged not propagated.

// Resolver can claim an input set and produce a replacement. Returning nil
// passes to the next resolver.
type Resolver interface {
	Resolve(ctx context.Context, templateID string, inputs map[string]interface{}) (map[string]interface{}, error)
}

// Transformer rewrites inputs; transformers chain in registration order.
type Transformer interface {
	Transform(ctx context.Context, templateID string, inputs map[string]interface{}) (map[string]interface{}, error)
}

// SideEffect observes the final inputs.
type SideEffect func(templateID string, inputs map[string]interface{})

// TransformBounds caps each transformer execution.
type TransformBounds struct {
	Timeout        time.Duration
	MaxOutputBytes int
	MaxPerRequest  int
}

// Hooks holds the startup-registered transform pipeline.
type Hooks struct {
	mu           sync.RWMutex
	resolvers    []Resolver
	transformers []Transformer
	sideEffects  []SideEffect
	bounds       TransformBounds
	sealed       bool
}

// NewHooks builds an empty pipeline with the given bounds.
func NewHooks(bounds TransformBounds) *Hooks {
	if bounds.Timeout <= 0 {
		bounds.Timeout = 5 * time.Second
	}
	if bounds.MaxOutputBytes <= 0 {
		bounds.MaxOutputBytes = 64 * 1024
	}
	if bounds.MaxPerRequest <= 0 {
		bounds.MaxPerRequest = 8
	}
	return &Hooks{bounds: bounds}
}

// RegisterResolver adds a resolver. Panics after Seal: hooks register at
// startup only.
func (h *Hooks) RegisterResolver(r Resolver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		panic("hooks: register after seal")
	}
	h.resolvers = append(h.resolvers, r)
}

// RegisterTransformer adds a transformer to the chain.
func (h *Hooks) RegisterTransformer(t Transformer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		panic("hooks: register after seal")
	}
	h.transformers = append(h.transformers, t)
}

// RegisterSideEffect adds an observer.
func (h *Hooks) RegisterSideEffect(f SideEffect) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		panic("hooks: register after seal")
	}
	h.sideEffects = append(h.sideEffects, f)
}

// Seal freezes registration. Called once route registration begins.
func (h *Hooks) Seal() {
	h.mu.Lock()
	h.sealed = true
	h.mu.Unlock()
}

// Apply runs resolvers (first non-nil wins), then the transformer chain, then
// side effects. Every step is bounded by the configured timeout and output
// size.
func (h *Hooks) Apply(ctx context.Context, templateID string, inputs map[string]interface{}) (map[string]interface{}, error) {
	h.mu.RLock()
	resolvers := h.resolvers
	transformers := h.transformers
	sideEffects := h.sideEffects
	bounds := h.bounds
	h.mu.RUnlock()

	steps := 0
	for _, r := range resolvers {
		if steps >= bounds.MaxPerRequest {
			break
		}
		steps++
		out, err := h.runBounded(ctx, bounds, func(c context.Context) (map[string]interface{}, error) {
			return r.Resolve(c, templateID, inputs)
		})
		if err != nil {
			return nil, err
		}
		if out != nil {
			inputs = out
			break
		}
	}

	for _, t := range transformers {
		if steps >= bounds.MaxPerRequest {
			break
		}
		steps++
		out, err := h.runBounded(ctx, bounds, func(c context.Context) (map[string]interface{}, error) {
			return t.Transform(c, templateID, inputs)
		})
		if err != nil {
			return nil, err
		}
		if out != nil {
			inputs = out
		}
	}

	for _, f := range sideEffects {
		f(templateID, inputs)
	}
	return inputs, nil
}

func (h *Hooks) runBounded(ctx context.Context, bounds TransformBounds,
	fn func(context.Context) (map[string]interface{}, error)) (map[string]interface{}, error) {

	cctx, cancel := context.WithTimeout(ctx, bounds.Timeout)
	defer cancel()

	type result struct {
		out map[string]interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := fn(cctx)
		ch <- result{out, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, errkind.Wrap(errkind.ValidationError, "transform failed", res.err)
		}
		if res.out != nil {
			size, err := json.Marshal(res.out)
			if err != nil {
				return nil, errkind.Wrap(errkind.ValidationError, "transform output not serializable", err)
			}
			if len(size) > bounds.MaxOutputBytes {
				return nil, errkind.New(errkind.PayloadTooLarge,
					fmt.Sprintf("transform output %d bytes exceeds %d", len(size), bounds.MaxOutputBytes))
			}
		}
		return res.out, nil
	case <-cctx.Done():
		return nil, errkind.Wrap(errkind.ValidationError, "transform timed out", cctx.Err())
	}
}
