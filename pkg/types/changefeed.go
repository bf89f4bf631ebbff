package types

import (
	"strconv"
	"time"
)

// ChangeFeedAction is the kind of mutation a feed entry records.
type ChangeFeedAction int

const (
	ActionCreate ChangeFeedAction = iota
	ActionUpdate
	ActionDelete
)

func (a ChangeFeedAction) String() string {
	switch a {
	case ActionCreate:
		return "Create"
	case ActionUpdate:
		return "Update"
	case ActionDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// ChangeFeedOrder selects which ordering a feed read follows.
type ChangeFeedOrder int

const (
	OrderSequence ChangeFeedOrder = iota
	OrderTimestamp
)

// InstanceState is the current state of the identity a feed entry refers to:
// either active at a watermark, or deleted. The zero value is Deleted, so an
// unset state never reads as an active watermark.
type InstanceState struct {
	active    bool
	watermark int64
}

// Active returns the state of an identity whose latest version has watermark w.
func Active(w int64) InstanceState {
	return InstanceState{active: true, watermark: w}
}

// Deleted returns the state of a deleted identity.
func Deleted() InstanceState {
	return InstanceState{}
}

// Watermark returns the active watermark, or false when deleted.
func (s InstanceState) Watermark() (int64, bool) {
	return s.watermark, s.active
}

// IsDeleted reports whether the identity is deleted.
func (s InstanceState) IsDeleted() bool {
	return !s.active
}

func (s InstanceState) String() string {
	if !s.active {
		return "Deleted"
	}
	return "Active(" + strconv.FormatInt(s.watermark, 10) + ")"
}

// ChangeFeedEntry is an immutable record of one index mutation.
// CurrentWatermark is the value stored with the entry: the version it
// produced, or nil for deletes. State is derived at read time from the newest
// entry of the same identity.
type ChangeFeedEntry struct {
	Sequence          int64
	Timestamp         time.Time
	Action            ChangeFeedAction
	Identifier        InstanceIdentifier
	OriginalWatermark int64
	CurrentWatermark  *int64
	State             InstanceState
}

// TimeRange is a half-open [Start, End) timestamp range. A zero bound is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Unbounded reports whether neither bound is set.
func (r TimeRange) Unbounded() bool {
	return r.Start.IsZero() && r.End.IsZero()
}
