package types

import "fmt"

// DefaultPartitionKey is the partition used when partitioning is disabled.
const DefaultPartitionKey = 1

// InstanceIdentifier is the natural identity of an instance.
type InstanceIdentifier struct {
	PartitionKey      int    `json:"partition_key"`
	StudyInstanceUID  string `json:"study_instance_uid"`
	SeriesInstanceUID string `json:"series_instance_uid"`
	SOPInstanceUID    string `json:"sop_instance_uid"`
}

func (id InstanceIdentifier) String() string {
	return fmt.Sprintf("%d/%s/%s/%s", id.PartitionKey, id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID)
}

// Validate checks that every UID is present.
func (id InstanceIdentifier) Validate() error {
	switch {
	case id.StudyInstanceUID == "":
		return fmt.Errorf("%w: StudyInstanceUID", ErrMissingIdentifier)
	case id.SeriesInstanceUID == "":
		return fmt.Errorf("%w: SeriesInstanceUID", ErrMissingIdentifier)
	case id.SOPInstanceUID == "":
		return fmt.Errorf("%w: SOPInstanceUID", ErrMissingIdentifier)
	}
	return nil
}

// VersionedInstanceIdentifier is an instance identity pinned to one watermark.
type VersionedInstanceIdentifier struct {
	InstanceIdentifier
	Version int64 `json:"version"`
}

// NewVersionedInstanceIdentifier pairs an identity with a watermark.
func NewVersionedInstanceIdentifier(id InstanceIdentifier, version int64) VersionedInstanceIdentifier {
	return VersionedInstanceIdentifier{InstanceIdentifier: id, Version: version}
}

func (v VersionedInstanceIdentifier) String() string {
	return fmt.Sprintf("%s@%d", v.InstanceIdentifier, v.Version)
}

// WatermarkRange is an inclusive range of watermarks.
type WatermarkRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// NewWatermarkRange creates a range, rejecting start > end and non-positive starts.
func NewWatermarkRange(start, end int64) (WatermarkRange, error) {
	if start < 1 || start > end {
		return WatermarkRange{}, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, start, end)
	}
	return WatermarkRange{Start: start, End: end}, nil
}

// Contains reports whether w lies in the range.
func (r WatermarkRange) Contains(w int64) bool {
	return w >= r.Start && w <= r.End
}

// Count is the number of watermark values covered by the range.
func (r WatermarkRange) Count() int64 {
	return r.End - r.Start + 1
}

func (r WatermarkRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// BatchRanges partitions [1, ceiling] into consecutive ranges of at most
// batchSize watermarks, newest first. A ceiling below 1 yields no ranges.
func BatchRanges(ceiling, batchSize int64) []WatermarkRange {
	if ceiling < 1 || batchSize < 1 {
		return nil
	}
	ranges := make([]WatermarkRange, 0, (ceiling+batchSize-1)/batchSize)
	for end := ceiling; end >= 1; end -= batchSize {
		start := end - batchSize + 1
		if start < 1 {
			start = 1
		}
		ranges = append(ranges, WatermarkRange{Start: start, End: end})
	}
	return ranges
}
