package recurring

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Factories maps a job type name to its constructor.
type Factories map[string]func() (any, error)

func (f Factories) lookup(typ string) (func() (any, error), error) {
	fn := f[strings.TrimSpace(typ)]
	if fn == nil {
		return nil, fmt.Errorf("%w: no factory for type %q", ErrInstantiation, typ)
	}
	return fn, nil
}

// InstancePolicy decides how instance targets get their receiver.
type InstancePolicy interface {
	// Bind returns a runnable for target on type typ, or an error wrapping
	// ErrInstantiation.
	Bind(typ string, target func(ctx context.Context, instance any) error) (func(ctx context.Context) error, error)
}

// PerCall builds a fresh instance for every run. Registration only checks that
// a factory exists; constructor errors surface as run errors.
func PerCall(f Factories) InstancePolicy { return perCall{f: f} }

type perCall struct{ f Factories }

func (p perCall) Bind(typ string, target func(ctx context.Context, instance any) error) (func(ctx context.Context) error, error) {
	factory, err := p.f.lookup(typ)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		inst, err := factory()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInstantiation, typ, err)
		}
		return target(ctx, inst)
	}, nil
}

// Cached builds each type's instance once, at registration, and shares it
// between all of that type's jobs in later passes too.
func Cached(f Factories) InstancePolicy {
	return &cached{f: f, inst: map[string]any{}}
}

type cached struct {
	f Factories

	mu   sync.Mutex
	inst map[string]any
}

func (c *cached) Bind(typ string, target func(ctx context.Context, instance any) error) (func(ctx context.Context) error, error) {
	inst, err := c.instance(typ)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error { return target(ctx, inst) }, nil
}

func (c *cached) instance(typ string) (inst any, err error) {
	typ = strings.TrimSpace(typ)
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.inst[typ]; ok {
		return v, nil
	}
	factory, err := c.f.lookup(typ)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			inst, err = nil, fmt.Errorf("%w: %s: panic: %v", ErrInstantiation, typ, r)
		}
	}()
	v, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInstantiation, typ, err)
	}
	c.inst[typ] = v
	return v, nil
}
