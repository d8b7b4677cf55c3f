package dispatcher

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortAllocator hands out host ports from a fixed range. Allocation
// probes the port with a bind so ports taken by other processes are
// skipped.
type PortAllocator struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]bool
}

// NewPortAllocator creates an allocator over [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[int]bool),
	}
}

// Allocate reserves a free port from the range.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}

		if a.inUse[port] {
			continue
		}
		if !probeFree(port) {
			continue
		}
		a.inUse[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no free ports in range %d-%d", a.min, a.max)
}

// Reserve marks a specific port as in use, for containers discovered at
// startup that already hold a binding.
func (a *PortAllocator) Reserve(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port >= a.min && port <= a.max {
		a.inUse[port] = true
	}
}

// Release returns a port to the pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// probeFree checks the port is bindable right now.
func probeFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
