// Package dedupe remembers keys for a bounded time window so that late or
// duplicated requests can be recognized and ignored.
package dedupe

// Window is a time-windowed set. Timestamps are opaque monotonic counters
// supplied by the caller (microseconds, ticks); the set never reads a clock.
type Window[K comparable] struct {
	ttl     uint64
	expires map[K]uint64
}

func NewWindow[K comparable](ttl uint64) *Window[K] {
	return &Window[K]{ttl: ttl, expires: map[K]uint64{}}
}

func (w *Window[K]) TTL() uint64 { return w.ttl }

// Remember records k as seen at now. A repeat refreshes the window.
func (w *Window[K]) Remember(k K, now uint64) {
	w.expires[k] = now + w.ttl
}

// Contains reports whether k was remembered within the window ending at now.
func (w *Window[K]) Contains(k K, now uint64) bool {
	exp, ok := w.expires[k]
	if !ok {
		return false
	}
	if now >= exp {
		delete(w.expires, k)
		return false
	}
	return true
}

// Forget removes k regardless of age.
func (w *Window[K]) Forget(k K) { delete(w.expires, k) }

// Prune drops every expired key and returns how many were dropped.
func (w *Window[K]) Prune(now uint64) int {
	n := 0
	for k, exp := range w.expires {
		if now >= exp {
			delete(w.expires, k)
			n++
		}
	}
	return n
}

func (w *Window[K]) Len() int { return len(w.expires) }
