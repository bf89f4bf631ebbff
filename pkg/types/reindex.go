package types

import "time"

// OperationStatus is the status of a reindex operation.
type OperationStatus int

const (
	OperationRunning OperationStatus = iota
	OperationCompleted
	OperationFailed
	OperationCanceled
)

func (s OperationStatus) String() string {
	switch s {
	case OperationRunning:
		return "Running"
	case OperationCompleted:
		return "Completed"
	case OperationFailed:
		return "Failed"
	case OperationCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// BatchStatus is the checkpointed status of one reindex batch.
type BatchStatus int

const (
	BatchPending BatchStatus = iota
	BatchCompleted
	BatchFailed
)

// ReindexOperation is the durable record of a reindex operation.
type ReindexOperation struct {
	ID        string
	Status    OperationStatus
	TagKeys   []int64
	Ceiling   int64
	BatchSize int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Failure   string
}

// ReindexBatch is the checkpoint of one watermark range of an operation.
type ReindexBatch struct {
	OperationID string
	Range       WatermarkRange
	Status      BatchStatus
	Attempts    int
}
