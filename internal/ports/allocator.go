// Package ports owns the per-tier port ranges agents are assigned from.
package ports

import (
	"fmt"
	"net"
	"sort"
	"sync"
)

// Range is an inclusive port span.
type Range struct {
	Start int
	End   int
}

// Size returns the number of ports in the range.
func (r Range) Size() int { return r.End - r.Start + 1 }

// Contains reports whether port falls inside the range.
func (r Range) Contains(port int) bool { return port >= r.Start && port <= r.End }

// NoAvailablePortsError is returned when a tier's range is exhausted.
type NoAvailablePortsError struct {
	Tier  string
	Range Range
}

func (e *NoAvailablePortsError) Error() string {
	return fmt.Sprintf("no available ports for tier %q in range %d-%d",
		e.Tier, e.Range.Start, e.Range.End)
}

// Allocator hands out ports from disjoint per-tier ranges. Candidates are
// bind-probed before being reserved so bookkeeping can't drift from ports
// already bound by unrelated processes. One Allocator instance is shared
// by all callers; allocation and release are atomic under its mutex.
type Allocator struct {
	mu       sync.Mutex
	ranges   map[string]Range
	reserved map[int]string // port -> tier
	probe    func(port int) bool
}

// NewAllocator builds an allocator over the given tier ranges.
func NewAllocator(ranges map[string]Range) *Allocator {
	rs := make(map[string]Range, len(ranges))
	for tier, r := range ranges {
		rs[tier] = r
	}
	return &Allocator{
		ranges:   rs,
		reserved: make(map[int]string),
		probe:    Probe,
	}
}

// RangeFor returns the range for the given tier.
func (a *Allocator) RangeFor(tier string) (Range, bool) {
	r, ok := a.ranges[tier]
	return r, ok
}

// Ranges returns a copy of all tier ranges.
func (a *Allocator) Ranges() map[string]Range {
	out := make(map[string]Range, len(a.ranges))
	for tier, r := range a.ranges {
		out[tier] = r
	}
	return out
}

// Allocate reserves the first free, bindable port in the tier's range.
func (a *Allocator) Allocate(tier string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.ranges[tier]
	if !ok {
		return 0, fmt.Errorf("unknown tier %q", tier)
	}
	for port := r.Start; port <= r.End; port++ {
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if !a.probe(port) {
			// Bound by someone outside our bookkeeping; skip it.
			continue
		}
		a.reserved[port] = tier
		return port, nil
	}
	return 0, &NoAvailablePortsError{Tier: tier, Range: r}
}

// Reserve marks an explicitly chosen port as taken. The port must fall in
// the tier's range and not already be reserved.
func (a *Allocator) Reserve(tier string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.ranges[tier]
	if !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}
	if !r.Contains(port) {
		return fmt.Errorf("port %d outside tier %q range %d-%d", port, tier, r.Start, r.End)
	}
	if owner, taken := a.reserved[port]; taken {
		return fmt.Errorf("port %d already reserved for tier %q", port, owner)
	}
	a.reserved[port] = tier
	return nil
}

// Release returns a port to the free pool. Releasing an unreserved port is
// a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Reserved returns the reserved ports in ascending order.
func (a *Allocator) Reserved() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.reserved))
	for port := range a.reserved {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}

// TierOf returns which tier range contains the port, reserved or not.
func (a *Allocator) TierOf(port int) (string, bool) {
	for tier, r := range a.ranges {
		if r.Contains(port) {
			return tier, true
		}
	}
	return "", false
}

// Probe reports whether the port can actually be bound on localhost right
// now. The listener is closed immediately; callers must tolerate the usual
// bind-then-release window.
func Probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
