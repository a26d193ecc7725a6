package executor

// ring is a fixed-capacity result history: oldest entries are evicted first.
// Not safe for concurrent use; the owning sessionState serializes access.
type ring struct {
	entries []Result
	next    int
	count   int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 100
	}
	return &ring{entries: make([]Result, capacity)}
}

func (r *ring) append(res Result) {
	r.entries[r.next] = res
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

// snapshot returns up to limit of the most recent results, oldest first
// (newest last). limit <= 0 returns everything retained.
func (r *ring) snapshot(limit int) []Result {
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]Result, 0, limit)
	start := r.next - limit
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < limit; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}

func (r *ring) len() int { return r.count }
