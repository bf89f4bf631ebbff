package indexstore

import (
	"context"
	"time"

	"github.com/arkilian/dicomindex/pkg/types"
)

// InstanceStore reads instance records.
type InstanceStore interface {
	// GetInstanceIdentifiersByWatermarkRange returns the identities in range
	// with the given status, ordered by watermark ascending.
	GetInstanceIdentifiersByWatermarkRange(ctx context.Context, r types.WatermarkRange, status types.InstanceStatus) ([]types.VersionedInstanceIdentifier, error)

	// GetMaxInstanceWatermark returns the highest allocated instance watermark, 0 when empty.
	GetMaxInstanceWatermark(ctx context.Context) (int64, error)

	// GetInstance returns the Created version of an identity.
	GetInstance(ctx context.Context, id types.InstanceIdentifier) (*types.InstanceMetadata, error)

	// GetInstancesInSeries returns the Created versions in a series.
	GetInstancesInSeries(ctx context.Context, partitionKey int, studyUID, seriesUID string) ([]types.VersionedInstanceIdentifier, error)
}

// IndexDataStore writes instance records through their lifecycle.
type IndexDataStore interface {
	// BeginCreate allocates a watermark and inserts a Creating row with the
	// core and extended values of ds.
	BeginCreate(ctx context.Context, partitionKey int, ds *types.Dataset, snapshot types.TagSnapshot) (int64, error)

	// EndCreate publishes a Creating row as Created. It fails with OutOfDate
	// when a tag was added after snapshot, unless allowExpiredTags is set.
	EndCreate(ctx context.Context, partitionKey int, watermark int64, ds *types.Dataset, snapshot types.TagSnapshot, allowExpiredTags bool) error

	// AbandonCreate removes a Creating row left by a failed write.
	AbandonCreate(ctx context.Context, partitionKey int, watermark int64) error

	// BeginUpdate reads the current version of a Created instance.
	BeginUpdate(ctx context.Context, partitionKey int, watermark int64) (*types.InstanceMetadata, error)

	// ReserveWatermark allocates the watermark of an upcoming update.
	ReserveWatermark(ctx context.Context) (int64, error)

	// EndUpdate moves the instance at expectedWatermark to the reserved
	// newWatermark. It fails with Conflict when the instance has moved since
	// it was read and with OutOfDate when snapshot is stale.
	EndUpdate(ctx context.Context, partitionKey int, expectedWatermark, newWatermark int64, ds *types.Dataset, snapshot types.TagSnapshot) error

	DeleteStudyIndex(ctx context.Context, partitionKey int, studyUID string, cleanupAfter time.Time) ([]types.VersionedInstanceIdentifier, error)
	DeleteSeriesIndex(ctx context.Context, partitionKey int, studyUID, seriesUID string, cleanupAfter time.Time) ([]types.VersionedInstanceIdentifier, error)
	DeleteInstanceIndex(ctx context.Context, id types.InstanceIdentifier, cleanupAfter time.Time) ([]types.VersionedInstanceIdentifier, error)

	// RetrieveDeletedInstances returns due deletions with fewer than maxRetries attempts.
	RetrieveDeletedInstances(ctx context.Context, batchSize, maxRetries int) ([]types.DeletedInstance, error)

	// DeleteDeletedInstance purges a deleted version. It is idempotent.
	DeleteDeletedInstance(ctx context.Context, v types.VersionedInstanceIdentifier) error

	// IncrementDeletedInstanceRetry records a failed purge and reschedules it.
	IncrementDeletedInstanceRetry(ctx context.Context, v types.VersionedInstanceIdentifier, cleanupAfter time.Time) (int, error)

	// GetOldestDeletedInstance returns when the oldest pending deletion happened.
	GetOldestDeletedInstance(ctx context.Context) (time.Time, bool, error)

	// RetrieveNumExhaustedDeletedInstanceAttempts counts deletions that ran out of retries.
	RetrieveNumExhaustedDeletedInstanceAttempts(ctx context.Context, maxRetries int) (int, error)
}

// ExtendedQueryTagStore owns extended query tag definitions and values.
type ExtendedQueryTagStore interface {
	// Add inserts normalized tags in Adding (or Ready when ready is set).
	Add(ctx context.Context, tags []types.ExtendedQueryTag, maxAllowedCount int, ready bool) ([]int64, error)

	// ConfirmReindexing claims unclaimed Adding tags for operationID.
	ConfirmReindexing(ctx context.Context, keys []int64, operationID string) ([]types.ExtendedQueryTag, error)

	// CompleteReindexing marks tags still owned by operationID as Ready and
	// returns the tags it changed.
	CompleteReindexing(ctx context.Context, operationID string, keys []int64) ([]types.ExtendedQueryTag, error)

	Get(ctx context.Context, path string) (*types.ExtendedQueryTag, error)
	GetAll(ctx context.Context) ([]types.ExtendedQueryTag, error)
	GetByKeys(ctx context.Context, keys []int64) ([]types.ExtendedQueryTag, error)
	GetByOperation(ctx context.Context, operationID string) ([]types.ExtendedQueryTag, error)
	GetQueryable(ctx context.Context) ([]types.ExtendedQueryTag, error)
	GetSnapshot(ctx context.Context) (types.TagSnapshot, error)
	GetMaxTagKey(ctx context.Context) (int64, error)
	GetErrors(ctx context.Context, path string, limit, offset int) ([]types.ExtendedQueryTagError, error)
	UpdateQueryStatus(ctx context.Context, path string, status types.QueryStatus) (*types.ExtendedQueryTag, error)

	// Delete hides a tag immediately and then removes its values.
	Delete(ctx context.Context, path string) error

	// PurgeDeletedTags finishes deletes interrupted between their two phases.
	PurgeDeletedTags(ctx context.Context) (int, error)

	// ReindexInstance upserts the values of tags for one Created instance
	// version and returns how many values failed extraction.
	ReindexInstance(ctx context.Context, tags []types.ExtendedQueryTag, v types.VersionedInstanceIdentifier, ds *types.Dataset) (int, error)

	// RecordTagErrors records one error per tag for a version whose object
	// could not be decoded.
	RecordTagErrors(ctx context.Context, tags []types.ExtendedQueryTag, v types.VersionedInstanceIdentifier, code string) error
}

// ReindexCheckpointStore persists reindex operation progress.
type ReindexCheckpointStore interface {
	CreateReindexOperation(ctx context.Context, op types.ReindexOperation, ranges []types.WatermarkRange) error
	GetReindexOperation(ctx context.Context, id string) (*types.ReindexOperation, error)
	ListReindexOperations(ctx context.Context, status types.OperationStatus) ([]types.ReindexOperation, error)
	GetReindexBatches(ctx context.Context, id string) ([]types.ReindexBatch, error)
	CompleteReindexBatch(ctx context.Context, id string, r types.WatermarkRange) error
	RecordReindexBatchFailure(ctx context.Context, id string, r types.WatermarkRange, exhausted bool) (int, error)
	SetReindexOperationStatus(ctx context.Context, id string, status types.OperationStatus, failure string) error
}

// ChangeFeedStore reads the change feed.
type ChangeFeedStore interface {
	GetChangeFeedLatest(ctx context.Context, order types.ChangeFeedOrder) (*types.ChangeFeedEntry, error)
	GetChangeFeedPage(ctx context.Context, r types.TimeRange, offset, limit int64, order types.ChangeFeedOrder) ([]types.ChangeFeedEntry, error)
	GetChangeFeedCursor(ctx context.Context, name string) (int64, error)
	SetChangeFeedCursor(ctx context.Context, name string, sequence int64) error
}

var (
	_ InstanceStore          = (*Store)(nil)
	_ IndexDataStore         = (*Store)(nil)
	_ ExtendedQueryTagStore  = (*Store)(nil)
	_ ReindexCheckpointStore = (*Store)(nil)
	_ ChangeFeedStore        = (*Store)(nil)
)
