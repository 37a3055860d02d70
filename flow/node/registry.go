package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateKind is returned when registering a key twice.
var ErrDuplicateKind = errors.New("node: kind already registered")

// Registry maps kind keys to executors. The zero value is not usable; call
// NewRegistry or Builtin.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register adds k under its definition key.
func (r *Registry) Register(k Kind) error {
	if k == nil {
		return errors.New("node: nil kind")
	}
	key := k.Definition().Key
	if key == "" {
		return errors.New("node: kind with empty key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, key)
	}
	r.kinds[key] = k
	return nil
}

// MustRegister is Register that panics on error, for init-time wiring.
func (r *Registry) MustRegister(k Kind) {
	if err := r.Register(k); err != nil {
		panic(err)
	}
}

// Get looks up a kind by key.
func (r *Registry) Get(key string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[key]
	return k, ok
}

// Keys lists registered kind keys sorted alphabetically.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Definitions lists the registered kind definitions sorted by key.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.kinds))
	for _, k := range r.kinds {
		defs = append(defs, k.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
	return defs
}

// Builtin returns a registry preloaded with every builtin kind.
func Builtin() *Registry {
	r := NewRegistry()
	r.MustRegister(&Start{})
	r.MustRegister(&Webhook{})
	r.MustRegister(&Schedule{})
	r.MustRegister(NewHTTPRequest())
	r.MustRegister(&If{})
	r.MustRegister(&Switch{})
	r.MustRegister(&Set{})
	r.MustRegister(&Code{})
	r.MustRegister(&Function{})
	r.MustRegister(&Merge{})
	r.MustRegister(&Split{})
	r.MustRegister(&NoOp{})
	return r
}
