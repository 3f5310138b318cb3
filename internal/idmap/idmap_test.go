package idmap

import "testing"

func TestToPresentedWithinRange(t *testing.T) {
	m := New([]Range{{HostBase: 100000, PresentedBase: 0, Length: 65536}}, 65534)
	if got := m.ToPresented(100042); got != 42 {
		t.Fatalf("ToPresented = %d, want 42", got)
	}
}

func TestToPresentedOutOfRangeUsesOverflow(t *testing.T) {
	m := New([]Range{{HostBase: 100000, PresentedBase: 0, Length: 10}}, 65534)
	if got := m.ToPresented(5); got != 65534 {
		t.Fatalf("ToPresented = %d, want overflow 65534", got)
	}
}

func TestToHostRoundTrip(t *testing.T) {
	m := New([]Range{{HostBase: 100000, PresentedBase: 0, Length: 65536}}, 65534)
	presented := m.ToPresented(100500)
	if got := m.ToHost(presented); got != 100500 {
		t.Fatalf("ToHost(ToPresented(100500)) = %d, want 100500", got)
	}
}

func TestSquashToRoot(t *testing.T) {
	m := New(nil, 65534).WithSquashRoot()
	if got := m.ToPresented(12345); got != 0 {
		t.Fatalf("ToPresented with squash-to-root = %d, want 0", got)
	}
}

func TestSquashToID(t *testing.T) {
	m := New(nil, 65534).WithSquashID(1000)
	if got := m.ToPresented(0); got != 1000 {
		t.Fatalf("ToPresented with squash-to-id = %d, want 1000", got)
	}
	if got := m.ToPresented(99); got != 1000 {
		t.Fatalf("ToPresented with squash-to-id = %d, want 1000", got)
	}
}

func TestNoRangesIsIdentity(t *testing.T) {
	m := New(nil, 65534)
	if got := m.ToPresented(77); got != 77 {
		t.Fatalf("ToPresented identity = %d, want 77", got)
	}
	if got := m.ToHost(77); got != 77 {
		t.Fatalf("ToHost identity = %d, want 77", got)
	}
}
