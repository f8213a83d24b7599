// Package registry is the explicit replacement for dynamic, reflection-based
// test-class loading: a test class is looked up in a plain map populated by
// explicit Register calls at program-startup time, rather than discovered
// by scanning for a naming convention at runtime.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/systest/systest/descriptor"
)

// Test is the interface every registered test class implements. It is
// re-declared here (rather than imported from package container) so that
// registry has no dependency on container; container depends on registry.
type Test interface {
	Setup(ctx context.Context) error
	Execute(ctx context.Context) error
	Validate(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Backref is the narrow view of the runner a constructed Test is allowed
// to call back into (e.g. to read shared runner-level config). Declared
// here to avoid a registry -> runner import cycle; package runner
// implements it.
type Backref interface {
	OutputSubdir() string
}

// Factory constructs a Test for one execution of d.
type Factory func(d descriptor.Descriptor, outputDir string, rb Backref) (Test, error)

// Registry maps a descriptor's ClassName to the Factory that builds it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates className with factory. Registering the same name
// twice replaces the previous factory. Register isn't expected to race
// with Lookup in practice — the map is populated once at startup before
// any test runs — but is still guarded for safety.
func (r *Registry) Register(className string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[className] = factory
}

// ErrNotRegistered is returned by Lookup when no factory is registered for
// a class name.
type ErrNotRegistered struct{ ClassName string }

func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("no test class registered for %q", e.ClassName)
}

// Lookup returns the factory registered for className, or ErrNotRegistered.
func (r *Registry) Lookup(className string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[className]
	if !ok {
		return nil, &ErrNotRegistered{ClassName: className}
	}
	return f, nil
}
