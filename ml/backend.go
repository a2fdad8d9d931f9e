package ml

import (
	"fmt"
)

// Backend creates contexts for tensor computation. Implementations
// register themselves via RegisterBackend and are selected by name.
type Backend interface {
	Name() string
	NewContext() Context
}

// BackendParams configures a backend at construction time.
type BackendParams struct {
	// NumThreads is the number of goroutines used for tensor math.
	// Zero means one per CPU core.
	NumThreads int

	// Seed seeds weight initialization and noise sampling. Zero picks a
	// seed from the current time.
	Seed int64

	// Training keeps a record of operations so gradients can be computed
	// by Context.Backward. Leave false for inference.
	Training bool
}

var backends = make(map[string]func(BackendParams) (Backend, error))

// RegisterBackend registers a backend factory under name. Registering the
// same name twice is a programmer error and panics.
func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered: " + name)
	}

	backends[name] = f
}

// NewBackend constructs the named backend. The backend's package must be
// imported, usually blank for side effect, so its factory is registered.
func NewBackend(name string, params BackendParams) (Backend, error) {
	if f, ok := backends[name]; ok {
		return f(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}
