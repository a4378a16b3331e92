// Package bridge implements the kernel bridge registry: the binding
// between managed call sites and native kernel entry points that
// replaces a dynamic linker. Managed code never resolves symbols by
// name at the JIT level; instead each ExternCall identifier is looked
// up here once, at publish time, exactly the way jit.Resolver expects.
package bridge

import (
	"fmt"
	"reflect"

	gsync "gvisor.dev/gvisor/pkg/sync"
)

// Registry holds the sealed set of kernel entry points available to
// managed code. Once Seal is called, Register returns an error: the
// bridge surface for a given boot is fixed before any managed
// assembly is published, matching the spec's "no late binding"
// kernel-bridge invariant.
type Registry struct {
	mu      gsync.Mutex
	entries map[string]uintptr
	sealed  bool
}

// New returns an empty, unsealed Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]uintptr)}
}

// Register binds identifier to fn, a non-closure Go function value.
// Its entry address is obtained via reflection the same way a
// profiler or trampoline resolves a function's code pointer; fn must
// have no captured free variables, since the JIT calls the address
// directly with its own register-based argument convention rather
// than Go's closure-context calling convention.
func (r *Registry) Register(identifier string, fn interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("bridge: registry sealed, cannot register %q", identifier)
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Errorf("bridge: %q is not a function", identifier)
	}
	if _, exists := r.entries[identifier]; exists {
		return fmt.Errorf("bridge: %q already registered", identifier)
	}
	r.entries[identifier] = v.Pointer()
	return nil
}

// Seal freezes the registry. Subsequent Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Resolve has jit.Resolver's signature, so reg.Resolve can be passed
// directly to jit.Publish. It looks an identifier up under the
// registry's lock.
func (r *Registry) Resolve(identifier string) (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.entries[identifier]
	return addr, ok
}

// Names returns every registered identifier, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for k := range r.entries {
		names = append(names, k)
	}
	return names
}
