package es

import "time"

type (
	// SnapshotStrategy decides after a save whether the repository should
	// materialize a new snapshot. eventsSinceLast counts events appended
	// since the last snapshot (or since version 0), sinceLast is the time
	// elapsed since then.
	SnapshotStrategy interface {
		ShouldSnapshot(eventsSinceLast int, sinceLast time.Duration) bool
	}

	SnapshotStrategyFunc func(eventsSinceLast int, sinceLast time.Duration) bool
)

func (f SnapshotStrategyFunc) ShouldSnapshot(eventsSinceLast int, sinceLast time.Duration) bool {
	return f(eventsSinceLast, sinceLast)
}

// EveryNEvents snapshots once at least n events accumulated since the last
// snapshot. n <= 0 never snapshots.
func EveryNEvents(n int) SnapshotStrategy {
	return SnapshotStrategyFunc(func(eventsSinceLast int, _ time.Duration) bool {
		return n > 0 && eventsSinceLast >= n
	})
}

// MaxAge snapshots once the last snapshot is older than d. d <= 0 never
// snapshots.
func MaxAge(d time.Duration) SnapshotStrategy {
	return SnapshotStrategyFunc(func(eventsSinceLast int, sinceLast time.Duration) bool {
		return d > 0 && eventsSinceLast > 0 && sinceLast > d
	})
}

// AnyOf snapshots when at least one strategy votes yes. Empty takes no
// snapshots.
func AnyOf(strategies ...SnapshotStrategy) SnapshotStrategy {
	return SnapshotStrategyFunc(func(eventsSinceLast int, sinceLast time.Duration) bool {
		for _, s := range strategies {
			if s.ShouldSnapshot(eventsSinceLast, sinceLast) {
				return true
			}
		}
		return false
	})
}

// AllOf snapshots only when every strategy votes yes. Empty takes no
// snapshots.
func AllOf(strategies ...SnapshotStrategy) SnapshotStrategy {
	return SnapshotStrategyFunc(func(eventsSinceLast int, sinceLast time.Duration) bool {
		if len(strategies) == 0 {
			return false
		}
		for _, s := range strategies {
			if !s.ShouldSnapshot(eventsSinceLast, sinceLast) {
				return false
			}
		}
		return true
	})
}

// NeverSnapshot disables snapshotting regardless of configuration.
func NeverSnapshot() SnapshotStrategy {
	return SnapshotStrategyFunc(func(int, time.Duration) bool { return false })
}
