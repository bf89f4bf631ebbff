package types

import "time"

// InstanceStatus is the lifecycle status of an indexed instance version.
// Purged instances no longer have a row.
type InstanceStatus int

const (
	InstanceCreating InstanceStatus = iota
	InstanceCreated
	InstanceSoftDeleted
)

func (s InstanceStatus) String() string {
	switch s {
	case InstanceCreating:
		return "Creating"
	case InstanceCreated:
		return "Created"
	case InstanceSoftDeleted:
		return "SoftDeleted"
	default:
		return "Unknown"
	}
}

// InstanceMetadata is the indexed record of one instance version.
type InstanceMetadata struct {
	VersionedInstanceIdentifier
	Status            InstanceStatus
	OriginalWatermark *int64
	CreatedAt         time.Time
	LastStatusUpdate  time.Time
}

// DeletedInstance is a soft-deleted instance version awaiting purge.
type DeletedInstance struct {
	VersionedInstanceIdentifier
	DeletedAt    time.Time
	CleanupAfter time.Time
	RetryCount   int
}
