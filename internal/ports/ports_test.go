package ports

import (
	"net"
	"testing"
)

func TestAvailableRejectsOutOfRange(t *testing.T) {
	if Available(0) {
		t.Fatal("port 0 should not be available")
	}
	if Available(70000) {
		t.Fatal("port 70000 should not be available")
	}
}

func TestAvailableDetectsBoundPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	if Available(port) {
		t.Fatalf("port %d is bound but reported available", port)
	}
}

func TestAllocateDistinctPorts(t *testing.T) {
	// Two names preferring the same port must not collide.
	final, err := Allocate(map[string]int{
		"http":  28081,
		"https": 28081,
		"ssh":   28081,
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	seen := make(map[int]bool)
	for name, port := range final {
		if seen[port] {
			t.Fatalf("duplicate port %d for %q", port, name)
		}
		seen[port] = true
		if !Available(port) && port != final["http"] {
			// Ports are released after probing, so they should still bind.
			t.Fatalf("allocated port %d for %q is not bindable", port, name)
		}
	}
}

func TestAllocateDeterministicWhenFree(t *testing.T) {
	pref := map[string]int{"http": 38081, "test": 38889}
	a, err := Allocate(pref)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b, err := Allocate(pref)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	for name := range pref {
		if a[name] != pref[name] || b[name] != pref[name] {
			t.Fatalf("expected preferred port for %q, got %d/%d", name, a[name], b[name])
		}
	}
}

func TestAllocateScansPastBoundPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	bound := l.Addr().(*net.TCPAddr).Port
	if bound >= 65535 {
		t.Skip("no headroom above the bound port")
	}

	final, err := Allocate(map[string]int{"svc": bound})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if final["svc"] == bound {
		t.Fatalf("allocator returned the bound port %d", bound)
	}
	if final["svc"] < bound || final["svc"] > bound+scanRange {
		t.Fatalf("allocated port %d outside scan range from %d", final["svc"], bound)
	}
}

func TestAllocateRejectsInvalidPreferred(t *testing.T) {
	if _, err := Allocate(map[string]int{"bad": 0}); err == nil {
		t.Fatal("expected error for out-of-range preferred port")
	}
}
