package dispatch

import "testing"

func TestVirtualOverrideInheritance(t *testing.T) {
	base := NewType("Animal", nil)
	speakSlot := base.AddSlot(func(args ...interface{}) (interface{}, error) { return "...", nil })

	dog := NewType("Dog", base)
	if err := dog.Override(speakSlot, func(args ...interface{}) (interface{}, error) { return "woof", nil }); err != nil {
		t.Fatalf("Override: %v", err)
	}

	got, err := base.CallVirtual(speakSlot)
	if err != nil || got != "..." {
		t.Fatalf("base.CallVirtual: %v %v", got, err)
	}
	got, err = dog.CallVirtual(speakSlot)
	if err != nil || got != "woof" {
		t.Fatalf("dog.CallVirtual: %v %v", got, err)
	}
}

func TestInterfaceDefaultMethodFallback(t *testing.T) {
	iface := &Interface{
		Name: "Greeter",
		Defaults: map[string]MethodSlot{
			"Greet": func(args ...interface{}) (interface{}, error) { return "hello", nil },
		},
	}

	plain := NewType("Plain", nil)
	plain.Implement(iface, nil)

	custom := NewType("Custom", nil)
	custom.Implement(iface, map[string]MethodSlot{
		"Greet": func(args ...interface{}) (interface{}, error) { return "hi there", nil },
	})

	got, err := plain.CallInterface("Greeter", "Greet")
	if err != nil || got != "hello" {
		t.Fatalf("expected default method fallback, got %v %v", got, err)
	}
	got, err = custom.CallInterface("Greeter", "Greet")
	if err != nil || got != "hi there" {
		t.Fatalf("expected override, got %v %v", got, err)
	}
}

func TestCallVirtualOutOfRange(t *testing.T) {
	base := NewType("Empty", nil)
	if _, err := base.CallVirtual(0); err == nil {
		t.Fatalf("expected error calling out-of-range slot")
	}
}

func TestInterfaceImplementationIsInherited(t *testing.T) {
	iface := &Interface{
		Name: "Comparable",
		Defaults: map[string]MethodSlot{
			"CompareTo": func(args ...interface{}) (interface{}, error) { return 0, nil },
		},
	}
	base := NewType("Animal", nil)
	if err := base.Implement(iface, nil); err != nil {
		t.Fatalf("Implement: %v", err)
	}

	dog := NewType("Dog", base)
	explicit, ok := dog.ImplementsExplicitly("Comparable")
	if !ok {
		t.Fatalf("expected Dog to inherit Comparable from Animal")
	}
	if explicit {
		t.Fatalf("expected Dog's Comparable to be inherited, not explicit")
	}

	got, err := dog.CallInterface("Comparable", "CompareTo")
	if err != nil || got != 0 {
		t.Fatalf("CallInterface on inherited interface: %v %v", got, err)
	}
}

func TestInterfaceOverrideIsExplicit(t *testing.T) {
	iface := &Interface{
		Name: "Comparable",
		Defaults: map[string]MethodSlot{
			"CompareTo": func(args ...interface{}) (interface{}, error) { return 0, nil },
		},
	}
	base := NewType("Animal", nil)
	if err := base.Implement(iface, nil); err != nil {
		t.Fatalf("Implement: %v", err)
	}

	dog := NewType("Dog", base)
	if err := dog.Implement(iface, map[string]MethodSlot{
		"CompareTo": func(args ...interface{}) (interface{}, error) { return 1, nil },
	}); err != nil {
		t.Fatalf("Implement override: %v", err)
	}

	explicit, ok := dog.ImplementsExplicitly("Comparable")
	if !ok || !explicit {
		t.Fatalf("expected Dog's re-Implement to be explicit, got explicit=%v ok=%v", explicit, ok)
	}
	got, err := dog.CallInterface("Comparable", "CompareTo")
	if err != nil || got != 1 {
		t.Fatalf("expected overridden CompareTo, got %v %v", got, err)
	}
}

func TestInterfaceInheritanceAmbiguityFails(t *testing.T) {
	a := &Interface{Name: "Comparable", Defaults: map[string]MethodSlot{}}
	b := &Interface{Name: "Comparable", Defaults: map[string]MethodSlot{}}

	base := NewType("Animal", nil)
	if err := base.Implement(a, nil); err != nil {
		t.Fatalf("Implement: %v", err)
	}

	dog := NewType("Dog", base)
	if err := dog.Implement(b, nil); err == nil {
		t.Fatalf("expected error implementing a distinct interface sharing Animal's inherited interface name")
	}
}
