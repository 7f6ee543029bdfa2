package tunnel

import (
	"fmt"
	"sort"
	"sync"
)

// PortManager tracks which ports in [low, high] are currently bound
// by a TCP or UDP tunnel worker. All methods are safe for concurrent
// use; callers never need their own locking around Allocate/Release.
//
// All methods must be called with mu held internally — callers never
// take the lock themselves.
type PortManager struct {
	low, high uint16

	mu      sync.Mutex
	used    map[uint16]struct{}
	removed map[uint16]struct{}
}

// NewPortManager builds a manager over the inclusive port range
// [low, high].
func NewPortManager(low, high uint16) (*PortManager, error) {
	if low == 0 || high == 0 || low > high {
		return nil, fmt.Errorf("tunnel: invalid port range [%d, %d]", low, high)
	}
	return &PortManager{
		low:     low,
		high:    high,
		used:    make(map[uint16]struct{}),
		removed: make(map[uint16]struct{}),
	}, nil
}

// Allocate reserves a port. If preferred is non-zero, that exact port
// is reserved or ErrPortInUse/ErrPortOutOfRange is returned. If
// preferred is zero, the lowest-numbered free port in range is
// returned. Ports previously passed to Remove are never handed out
// again, whether preferred or dynamically chosen.
func (m *PortManager) Allocate(preferred uint16) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if preferred != 0 {
		if preferred < m.low || preferred > m.high {
			return 0, &ErrPortOutOfRange{Port: preferred, Low: m.low, High: m.high}
		}
		if _, taken := m.used[preferred]; taken {
			return 0, &ErrPortInUse{Port: preferred}
		}
		if _, gone := m.removed[preferred]; gone {
			return 0, &ErrPortInUse{Port: preferred}
		}
		m.used[preferred] = struct{}{}
		return preferred, nil
	}

	for p := m.low; ; p++ {
		_, taken := m.used[p]
		_, gone := m.removed[p]
		if !taken && !gone {
			m.used[p] = struct{}{}
			return p, nil
		}
		if p == m.high {
			break
		}
	}
	return 0, &ErrResourceExhausted{Low: m.low, High: m.high}
}

// Release returns port to the free pool. Releasing a port that is not
// currently held is a no-op.
func (m *PortManager) Release(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.used, port)
}

// Remove permanently marks port unusable after a failed bind,
// distinct from Release: the port is taken out of circulation rather
// than returned to the free pool, so a later dynamic allocation never
// picks the same unbindable port again.
func (m *PortManager) Remove(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.used, port)
	m.removed[port] = struct{}{}
}

// InUse reports the currently allocated ports in ascending order,
// mainly for metrics and diagnostics.
func (m *PortManager) InUse() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint16, 0, len(m.used))
	for p := range m.used {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
