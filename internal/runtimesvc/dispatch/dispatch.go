// Package dispatch implements virtual and interface method dispatch:
// every managed type carries a v-table of method slots indexed by a
// slot number fixed at type-layout time, and interfaces resolve
// through a per-type interface map that falls back to a default
// implementation when the concrete type never overrode it.
package dispatch

import "fmt"

// MethodSlot is a method entry point bound into a v-table: a Go func
// taking the call's arguments, not a jit.Func. Callers install any Go
// func of this signature.
type MethodSlot = func(args ...interface{}) (interface{}, error)

// TypeDescriptor describes one managed type's method layout: its
// v-table (indexed by slot number, inherited slots copied down from
// the base type at layout time) and the interfaces it implements.
type TypeDescriptor struct {
	Name       string
	Base       *TypeDescriptor
	VTable     []MethodSlot
	interfaces map[string]*InterfaceMap
}

// NewType creates a descriptor. If base is non-nil, its v-table is
// copied as the initial slot layout, matching single-inheritance
// v-table layout: overriding a slot later only replaces the entry,
// it never changes slot numbering for sibling types. base's interface
// implementations are inherited too -- a derived type implements
// every interface its base does unless it calls Implement itself to
// override it.
func NewType(name string, base *TypeDescriptor) *TypeDescriptor {
	t := &TypeDescriptor{Name: name, Base: base, interfaces: make(map[string]*InterfaceMap)}
	if base != nil {
		t.VTable = append(t.VTable, base.VTable...)
		for name, m := range base.interfaces {
			t.interfaces[name] = &InterfaceMap{iface: m.iface, override: m.override, inherited: true}
		}
	}
	return t
}

// AddSlot appends a new virtual method slot and returns its index.
func (t *TypeDescriptor) AddSlot(fn MethodSlot) int {
	t.VTable = append(t.VTable, fn)
	return len(t.VTable) - 1
}

// Override replaces an inherited or previously-declared slot.
func (t *TypeDescriptor) Override(slot int, fn MethodSlot) error {
	if slot < 0 || slot >= len(t.VTable) {
		return fmt.Errorf("dispatch: slot %d out of range for type %q", slot, t.Name)
	}
	t.VTable[slot] = fn
	return nil
}

// CallVirtual invokes the method at slot, the compiled form of a
// `callvirt`-style bytecode instruction.
func (t *TypeDescriptor) CallVirtual(slot int, args ...interface{}) (interface{}, error) {
	if slot < 0 || slot >= len(t.VTable) {
		return nil, fmt.Errorf("dispatch: slot %d out of range for type %q", slot, t.Name)
	}
	fn := t.VTable[slot]
	if fn == nil {
		return nil, fmt.Errorf("dispatch: slot %d on type %q has no implementation", slot, t.Name)
	}
	return fn(args...)
}

// InterfaceMap binds one interface's methods, by name, to either a
// concrete override on the implementing type or the interface's own
// default implementation.
type InterfaceMap struct {
	iface     *Interface
	override  map[string]MethodSlot
	inherited bool // true if copied down from Base rather than declared on this type
}

// Interface declares a set of methods with default bodies, modeling
// default interface methods: a type that implements Interface without
// overriding a method falls back to Defaults.
type Interface struct {
	Name     string
	Defaults map[string]MethodSlot
}

// Implement registers t as explicitly implementing iface, with
// overrides for any method the type provides its own body for.
// Methods absent from overrides fall back to iface.Defaults at call
// time. If t inherited a different interface definition under the
// same name from its base type, Implement fails rather than silently
// shadowing it: two distinct *Interface values sharing a Name is
// treated as a naming collision, not an override.
func (t *TypeDescriptor) Implement(iface *Interface, overrides map[string]MethodSlot) error {
	if existing, ok := t.interfaces[iface.Name]; ok && existing.inherited && existing.iface != iface {
		return fmt.Errorf("dispatch: type %q: interface %q conflicts with an inherited interface of the same name", t.Name, iface.Name)
	}
	if overrides == nil {
		overrides = make(map[string]MethodSlot)
	}
	t.interfaces[iface.Name] = &InterfaceMap{iface: iface, override: overrides}
	return nil
}

// ImplementsExplicitly reports whether t declares its own
// implementation of ifaceName, as opposed to merely inheriting one
// from Base, and whether t implements the interface at all.
func (t *TypeDescriptor) ImplementsExplicitly(ifaceName string) (explicit, ok bool) {
	m, ok := t.interfaces[ifaceName]
	if !ok {
		return false, false
	}
	return !m.inherited, true
}

// CallInterface invokes method on t through ifaceName, preferring a
// type-specific override and falling back to the interface's default
// implementation.
func (t *TypeDescriptor) CallInterface(ifaceName, method string, args ...interface{}) (interface{}, error) {
	m, ok := t.interfaces[ifaceName]
	if !ok {
		return nil, fmt.Errorf("dispatch: type %q does not implement interface %q", t.Name, ifaceName)
	}
	if fn, ok := m.override[method]; ok {
		return fn(args...)
	}
	if fn, ok := m.iface.Defaults[method]; ok {
		return fn(args...)
	}
	return nil, fmt.Errorf("dispatch: interface %q has no method %q and type %q provides no override", ifaceName, method, t.Name)
}
