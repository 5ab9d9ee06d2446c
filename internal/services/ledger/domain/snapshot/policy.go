package snapshot

// DefaultInterval is the number of events between snapshots.
const DefaultInterval = 500

// Policy decides whether an append that moved a stream from previous to
// current revision should produce a snapshot.
type Policy interface {
	ShouldSnapshot(previous, current int64) bool
}

// EveryN snapshots each time a stream crosses a multiple of N.
type EveryN int

// ShouldSnapshot implements Policy.
func (n EveryN) ShouldSnapshot(previous, current int64) bool {
	if n <= 0 || current <= previous {
		return false
	}
	return current/int64(n) > previous/int64(n)
}

// Never disables automatic snapshots. Explicit triggers still work.
type Never struct{}

// ShouldSnapshot implements Policy.
func (Never) ShouldSnapshot(int64, int64) bool { return false }
