package changefeed

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/arkilian/dicomindex/pkg/types"
)

// Message is the broker form of a feed entry.
type Message struct {
	Sequence          int64     `json:"sequence"`
	Timestamp         time.Time `json:"timestamp"`
	Action            string    `json:"action"`
	PartitionKey      int       `json:"partition_key"`
	StudyInstanceUID  string    `json:"study_instance_uid"`
	SeriesInstanceUID string    `json:"series_instance_uid"`
	SOPInstanceUID    string    `json:"sop_instance_uid"`
	OriginalWatermark int64     `json:"original_watermark"`
	CurrentWatermark  *int64    `json:"current_watermark,omitempty"`
	State             string    `json:"state"`
}

// NewMessage converts a feed entry.
func NewMessage(e types.ChangeFeedEntry) Message {
	return Message{
		Sequence:          e.Sequence,
		Timestamp:         e.Timestamp.UTC(),
		Action:            e.Action.String(),
		PartitionKey:      e.Identifier.PartitionKey,
		StudyInstanceUID:  e.Identifier.StudyInstanceUID,
		SeriesInstanceUID: e.Identifier.SeriesInstanceUID,
		SOPInstanceUID:    e.Identifier.SOPInstanceUID,
		OriginalWatermark: e.OriginalWatermark,
		CurrentWatermark:  e.CurrentWatermark,
		State:             e.State.String(),
	}
}

// Shard maps an identity to one of n shards. Every entry of an identity
// lands on the same shard, so one consumer per shard sees them in order.
func Shard(id types.InstanceIdentifier, n int) int {
	if n <= 1 {
		return 0
	}
	key := strconv.Itoa(id.PartitionKey) + "/" + id.StudyInstanceUID + "/" + id.SeriesInstanceUID + "/" + id.SOPInstanceUID
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}

// RoutingKey returns the routing key of shard.
func RoutingKey(shard int) string {
	return fmt.Sprintf("changefeed.%d", shard)
}
