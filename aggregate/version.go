package aggregate

import (
	"fmt"
	"time"
)

// Version is a point-in-time snapshot of an aggregate's version counter,
// used for optimistic concurrency checks between repository reads.
type Version struct {
	AggregateID   string
	AggregateType string
	Version       int64
	Data          map[string]any
	Timestamp     time.Time
}

// NewerThan reports whether v is strictly newer than other. Comparing
// versions of different aggregates is a programming error and is rejected
// rather than answered.
func (v Version) NewerThan(other Version) (bool, error) {
	if v.AggregateID != other.AggregateID {
		return false, fmt.Errorf("cannot compare versions of different aggregates: %s vs %s", v.AggregateID, other.AggregateID)
	}
	return v.Version > other.Version, nil
}

// Same reports whether both snapshots refer to the same aggregate at the
// same version.
func (v Version) Same(other Version) bool {
	return v.AggregateID == other.AggregateID && v.Version == other.Version
}

// Next returns the snapshot that follows v by one applied event.
func (v Version) Next(at time.Time) Version {
	next := v
	next.Version++
	next.Timestamp = at
	return next
}
