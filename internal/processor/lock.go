package processor

import "sync"

// rangeLocks serializes overlapping date ranges within the process. Ranges
// that do not overlap may run concurrently.
type rangeLocks struct {
	mu     sync.Mutex
	active [][2]string
}

func newRangeLocks() *rangeLocks {
	return &rangeLocks{}
}

// acquire reserves [start, end] if no held range overlaps it. Dates are
// YYYY-MM-DD so string comparison orders correctly.
func (l *rangeLocks) acquire(start, end string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.active {
		if start <= r[1] && end >= r[0] {
			return false
		}
	}
	l.active = append(l.active, [2]string{start, end})
	return true
}

func (l *rangeLocks) release(start, end string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.active {
		if r[0] == start && r[1] == end {
			l.active = append(l.active[:i], l.active[i+1:]...)
			return
		}
	}
}
