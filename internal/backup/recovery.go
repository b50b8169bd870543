package backup

import "sync"

// recoveryRing holds the most recent recovery points. When full, adding a
// point drops the oldest.
type recoveryRing struct {
	mu       sync.Mutex
	capacity int
	points   []RecoveryPoint // oldest first
}

func newRecoveryRing(capacity int) *recoveryRing {
	return &recoveryRing{capacity: capacity}
}

// add stores p and returns the point it displaced, if any.
func (r *recoveryRing) add(p RecoveryPoint) (dropped *RecoveryPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capacity <= 0 {
		return nil
	}
	if len(r.points) == r.capacity {
		oldest := r.points[0]
		dropped = &oldest
		r.points = append(r.points[:0:0], r.points[1:]...)
	}
	r.points = append(r.points, p)
	return dropped
}

func (r *recoveryRing) get(id string) (RecoveryPoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.points {
		if p.ID == id {
			return p, true
		}
	}
	return RecoveryPoint{}, false
}

// list returns the points newest first.
func (r *recoveryRing) list() []RecoveryPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecoveryPoint, 0, len(r.points))
	for i := len(r.points) - 1; i >= 0; i-- {
		out = append(out, r.points[i])
	}
	return out
}
