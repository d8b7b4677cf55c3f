package dispatcher

import (
	"testing"
)

func TestContainerName(t *testing.T) {
	if got := ContainerName(42); got != "wegent-executor-42" {
		t.Errorf("expected wegent-executor-42, got %s", got)
	}
}

func TestPortAllocatorAllocateRelease(t *testing.T) {
	// High range unlikely to collide with anything on the test host.
	a := NewPortAllocator(49500, 49503)

	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		if port < 49500 || port > 49503 {
			t.Errorf("port %d out of range", port)
		}
		if seen[port] {
			t.Errorf("port %d allocated twice", port)
		}
		seen[port] = true
	}

	// Range exhausted.
	if _, err := a.Allocate(); err == nil {
		t.Error("expected error when range is exhausted")
	}

	// Released ports become allocatable again.
	a.Release(49501)
	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
	if port != 49501 {
		t.Errorf("expected released port 49501, got %d", port)
	}
}

func TestPortAllocatorReserve(t *testing.T) {
	a := NewPortAllocator(49510, 49511)
	a.Reserve(49510)

	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 49511 {
		t.Errorf("expected 49511 after reserving 49510, got %d", port)
	}

	// Reserving outside the range is ignored.
	a.Reserve(1)
	a.Release(49511)
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
}
