package indexstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// instanceRow is an instance version with its surrogate keys.
type instanceRow struct {
	instanceKey int64
	studyKey    int64
	seriesKey   int64
	id          types.InstanceIdentifier
	watermark   int64
	status      types.InstanceStatus
}

func (r instanceRow) entityKeys() entityKeys {
	return entityKeys{
		partitionKey: r.id.PartitionKey,
		studyKey:     r.studyKey,
		seriesKey:    r.seriesKey,
		instanceKey:  r.instanceKey,
	}
}

const instanceRowColumns = `instance_key, study_key, series_key, partition_key, study_uid, series_uid, sop_uid, watermark, status`

func scanInstanceRow(row interface{ Scan(...interface{}) error }) (*instanceRow, error) {
	var r instanceRow
	err := row.Scan(&r.instanceKey, &r.studyKey, &r.seriesKey, &r.id.PartitionKey,
		&r.id.StudyInstanceUID, &r.id.SeriesInstanceUID, &r.id.SOPInstanceUID, &r.watermark, &r.status)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// loadInstanceByWatermark returns nil when no row has the watermark.
func loadInstanceByWatermark(ctx context.Context, q queryer, partitionKey int, watermark int64) (*instanceRow, error) {
	r, err := scanInstanceRow(q.QueryRowContext(ctx,
		`SELECT `+instanceRowColumns+` FROM instances WHERE partition_key = ? AND watermark = ?`,
		partitionKey, watermark))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// loadLiveInstance returns the Creating or Created row of an identity, or nil.
func loadLiveInstance(ctx context.Context, q queryer, id types.InstanceIdentifier) (*instanceRow, error) {
	r, err := scanInstanceRow(q.QueryRowContext(ctx,
		`SELECT `+instanceRowColumns+` FROM instances
		 WHERE partition_key = ? AND study_uid = ? AND series_uid = ? AND sop_uid = ? AND status IN (0, 1)`,
		id.PartitionKey, id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func liveInstanceError(r *instanceRow) error {
	if r.status == types.InstanceCreating {
		return ierrors.Newf(ierrors.KindAlreadyExists, ierrors.CodePendingInstance,
			"instance %s is already being created", r.id)
	}
	return ierrors.Newf(ierrors.KindAlreadyExists, ierrors.CodeInstanceAlreadyExists,
		"instance %s already exists", r.id)
}

func allocateWatermark(ctx context.Context, tx *sql.Tx) (int64, error) {
	var w int64
	err := tx.QueryRowContext(ctx,
		`UPDATE watermark_sequence SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&w)
	if err != nil {
		return 0, fmt.Errorf("allocate watermark: %w", err)
	}
	return w, nil
}

func datasetIdentifier(ds *types.Dataset, partitionKey int) (types.InstanceIdentifier, error) {
	id, err := ds.Identifier(partitionKey)
	if err != nil {
		return types.InstanceIdentifier{}, ierrors.Wrap(ierrors.KindValidation, ierrors.CodeInvalidIdentifier,
			"dataset does not identify an instance", err)
	}
	return id, nil
}

// BeginCreate allocates a watermark and inserts a Creating row.
func (s *Store) BeginCreate(ctx context.Context, partitionKey int, ds *types.Dataset, snapshot types.TagSnapshot) (int64, error) {
	id, err := datasetIdentifier(ds, partitionKey)
	if err != nil {
		return 0, err
	}
	if _, err := extractCoreValues(ds); err != nil {
		return 0, err
	}

	var watermark int64
	err = s.write(ctx, "begin create", func(tx *sql.Tx, now time.Time) error {
		existing, err := loadLiveInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return liveInstanceError(existing)
		}

		studyKey, err := ensureStudy(ctx, tx, id)
		if err != nil {
			return err
		}
		seriesKey, err := ensureSeries(ctx, tx, studyKey, id)
		if err != nil {
			return err
		}

		w, err := allocateWatermark(ctx, tx)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO instances (study_key, series_key, partition_key, study_uid, series_uid, sop_uid,
				watermark, status, created_at, last_status_update)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			studyKey, seriesKey, id.PartitionKey, id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID,
			w, now.UnixMicro(), now.UnixMicro())
		if err != nil {
			if isUniqueViolation(err) {
				return ierrors.Newf(ierrors.KindAlreadyExists, ierrors.CodePendingInstance,
					"instance %s is already being created", id)
			}
			return fmt.Errorf("insert instance: %w", err)
		}
		instanceKey, err := res.LastInsertId()
		if err != nil {
			return err
		}

		keys := entityKeys{partitionKey: id.PartitionKey, studyKey: studyKey, seriesKey: seriesKey, instanceKey: instanceKey}
		if _, err := writeTagValues(ctx, tx, keys, w, ds, snapshot.Tags, now); err != nil {
			return err
		}
		watermark = w
		return nil
	})
	if err != nil {
		return 0, err
	}
	return watermark, nil
}

// EndCreate publishes a Creating row. Tag values for snapshot are written
// again so a retry with a fresh snapshot indexes newly added tags.
func (s *Store) EndCreate(ctx context.Context, partitionKey int, watermark int64, ds *types.Dataset, snapshot types.TagSnapshot, allowExpiredTags bool) error {
	core, err := extractCoreValues(ds)
	if err != nil {
		return err
	}
	return s.write(ctx, "end create", func(tx *sql.Tx, now time.Time) error {
		r, err := loadInstanceByWatermark(ctx, tx, partitionKey, watermark)
		if err != nil {
			return err
		}
		if r == nil || r.status != types.InstanceCreating {
			return ierrors.Newf(ierrors.KindNotFound, ierrors.CodeInstanceNotFound,
				"no pending instance with watermark %d", watermark)
		}

		if _, err := upsertStudy(ctx, tx, r.id, core); err != nil {
			return err
		}
		if _, err := upsertSeries(ctx, tx, r.studyKey, r.id, core); err != nil {
			return err
		}
		if _, err := writeTagValues(ctx, tx, r.entityKeys(), watermark, ds, snapshot.Tags, now); err != nil {
			return err
		}

		if !allowExpiredTags {
			current, err := maxLiveTagKey(ctx, tx)
			if err != nil {
				return err
			}
			if current > snapshot.MaxKey {
				return ierrors.OutOfDate(fmt.Sprintf(
					"extended query tags changed while instance %s was being stored", r.id))
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE instances SET status = 1, last_status_update = ? WHERE instance_key = ?`,
			now.UnixMicro(), r.instanceKey); err != nil {
			return fmt.Errorf("publish instance: %w", err)
		}

		current := watermark
		return appendChangeFeed(ctx, tx, now, types.ActionCreate,
			types.NewVersionedInstanceIdentifier(r.id, watermark), &current)
	})
}

// AbandonCreate removes a Creating row and anything indexed for it.
func (s *Store) AbandonCreate(ctx context.Context, partitionKey int, watermark int64) error {
	return s.write(ctx, "abandon create", func(tx *sql.Tx, now time.Time) error {
		r, err := loadInstanceByWatermark(ctx, tx, partitionKey, watermark)
		if err != nil {
			return err
		}
		if r == nil || r.status != types.InstanceCreating {
			return ierrors.Newf(ierrors.KindNotFound, ierrors.CodeInstanceNotFound,
				"no pending instance with watermark %d", watermark)
		}
		return purgeInstanceRow(ctx, tx, r)
	})
}

// BeginUpdate reads the current Created version at watermark.
func (s *Store) BeginUpdate(ctx context.Context, partitionKey int, watermark int64) (*types.InstanceMetadata, error) {
	md, err := scanInstanceMetadata(s.readDB.QueryRowContext(ctx,
		`SELECT `+instanceMetadataColumns+` FROM instances WHERE partition_key = ? AND watermark = ? AND status = 1`,
		partitionKey, watermark))
	if err == sql.ErrNoRows {
		return nil, ierrors.Newf(ierrors.KindNotFound, ierrors.CodeInstanceNotFound,
			"no instance with watermark %d", watermark)
	}
	if err != nil {
		return nil, storeError("begin update", err)
	}
	return md, nil
}

// EndUpdate moves the instance at expectedWatermark to newWatermark, which
// must come from ReserveWatermark. The previous version is queued for blob
// cleanup. Like EndCreate it fails with OutOfDate when a tag was added
// after snapshot.
func (s *Store) EndUpdate(ctx context.Context, partitionKey int, expectedWatermark, newWatermark int64, ds *types.Dataset, snapshot types.TagSnapshot) error {
	if newWatermark <= expectedWatermark {
		return ierrors.Validation(ierrors.CodeInvalidRange,
			fmt.Sprintf("new watermark %d does not follow %d", newWatermark, expectedWatermark))
	}
	id, err := datasetIdentifier(ds, partitionKey)
	if err != nil {
		return err
	}
	core, err := extractCoreValues(ds)
	if err != nil {
		return err
	}

	return s.write(ctx, "end update", func(tx *sql.Tx, now time.Time) error {
		r, err := loadInstanceByWatermark(ctx, tx, partitionKey, expectedWatermark)
		if err != nil {
			return err
		}
		if r == nil || r.status != types.InstanceCreated {
			live, err := loadLiveInstance(ctx, tx, id)
			if err != nil {
				return err
			}
			if live != nil {
				return ierrors.Newf(ierrors.KindConflict, ierrors.CodeWatermarkMismatch,
					"instance %s is at watermark %d, expected %d", id, live.watermark, expectedWatermark)
			}
			return ierrors.Newf(ierrors.KindNotFound, ierrors.CodeInstanceNotFound,
				"no instance with watermark %d", expectedWatermark)
		}
		if r.id != id {
			return ierrors.Newf(ierrors.KindValidation, ierrors.CodeInvalidIdentifier,
				"dataset identifies %s but watermark %d belongs to %s", id, expectedWatermark, r.id)
		}

		if err := checkReservedWatermark(ctx, tx, newWatermark); err != nil {
			return err
		}
		current, err := maxLiveTagKey(ctx, tx)
		if err != nil {
			return err
		}
		if current > snapshot.MaxKey {
			return ierrors.OutOfDate(fmt.Sprintf(
				"extended query tags changed while instance %s was being updated", id))
		}
		w := newWatermark

		res, err := tx.ExecContext(ctx, `
			UPDATE instances
			SET watermark = ?, original_watermark = COALESCE(original_watermark, ?), last_status_update = ?
			WHERE instance_key = ? AND watermark = ? AND status = 1`,
			w, expectedWatermark, now.UnixMicro(), r.instanceKey, expectedWatermark)
		if err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ierrors.Newf(ierrors.KindConflict, ierrors.CodeWatermarkMismatch,
				"instance %s moved from watermark %d", id, expectedWatermark)
		}

		if _, err := upsertStudy(ctx, tx, id, core); err != nil {
			return err
		}
		if _, err := upsertSeries(ctx, tx, r.studyKey, id, core); err != nil {
			return err
		}
		// Attributes dropped by the new version must not stay queryable.
		if err := clearInstanceValues(ctx, tx, r); err != nil {
			return err
		}
		if _, err := writeTagValues(ctx, tx, r.entityKeys(), w, ds, snapshot.Tags, now); err != nil {
			return err
		}

		if err := enqueueDeletion(ctx, tx, types.NewVersionedInstanceIdentifier(id, expectedWatermark), now, now); err != nil {
			return err
		}

		return appendChangeFeed(ctx, tx, now, types.ActionUpdate,
			types.NewVersionedInstanceIdentifier(id, expectedWatermark), &w)
	})
}

// ReserveWatermark allocates a watermark for a later EndUpdate, so the
// object of the new version can be written before it is published.
// Reserved watermarks that are never used leave a gap.
func (s *Store) ReserveWatermark(ctx context.Context) (int64, error) {
	var w int64
	err := s.write(ctx, "reserve watermark", func(tx *sql.Tx, _ time.Time) error {
		var err error
		w, err = allocateWatermark(ctx, tx)
		return err
	})
	return w, err
}

// checkReservedWatermark rejects watermarks that were never allocated or
// already belong to an instance.
func checkReservedWatermark(ctx context.Context, tx *sql.Tx, w int64) error {
	var allocated int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM watermark_sequence WHERE id = 1`).Scan(&allocated); err != nil {
		return fmt.Errorf("read watermark sequence: %w", err)
	}
	if w > allocated {
		return ierrors.Validation(ierrors.CodeInvalidRange, fmt.Sprintf("watermark %d was not reserved", w))
	}
	var used int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE watermark = ?`, w).Scan(&used)
	if err == nil {
		return ierrors.Conflict(ierrors.CodeWatermarkMismatch, fmt.Sprintf("watermark %d is already in use", w))
	}
	if err != sql.ErrNoRows {
		return err
	}
	return nil
}

// DeleteStudyIndex soft-deletes every Created instance of a study.
func (s *Store) DeleteStudyIndex(ctx context.Context, partitionKey int, studyUID string, cleanupAfter time.Time) ([]types.VersionedInstanceIdentifier, error) {
	return s.softDelete(ctx, "delete study index",
		`partition_key = ? AND study_uid = ?`, []interface{}{partitionKey, studyUID},
		ierrors.NotFound(ierrors.CodeStudyNotFound, "study not found: "+studyUID), cleanupAfter)
}

// DeleteSeriesIndex soft-deletes every Created instance of a series.
func (s *Store) DeleteSeriesIndex(ctx context.Context, partitionKey int, studyUID, seriesUID string, cleanupAfter time.Time) ([]types.VersionedInstanceIdentifier, error) {
	return s.softDelete(ctx, "delete series index",
		`partition_key = ? AND study_uid = ? AND series_uid = ?`, []interface{}{partitionKey, studyUID, seriesUID},
		ierrors.NotFound(ierrors.CodeSeriesNotFound, "series not found: "+seriesUID), cleanupAfter)
}

// DeleteInstanceIndex soft-deletes one instance.
func (s *Store) DeleteInstanceIndex(ctx context.Context, id types.InstanceIdentifier, cleanupAfter time.Time) ([]types.VersionedInstanceIdentifier, error) {
	return s.softDelete(ctx, "delete instance index",
		`partition_key = ? AND study_uid = ? AND series_uid = ? AND sop_uid = ?`,
		[]interface{}{id.PartitionKey, id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID},
		ierrors.NotFound(ierrors.CodeInstanceNotFound, "instance not found: "+id.String()), cleanupAfter)
}

func (s *Store) softDelete(ctx context.Context, op, where string, args []interface{}, notFound error, cleanupAfter time.Time) ([]types.VersionedInstanceIdentifier, error) {
	var deleted []types.VersionedInstanceIdentifier
	err := s.write(ctx, op, func(tx *sql.Tx, now time.Time) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+instanceRowColumns+` FROM instances WHERE status = 1 AND `+where+` ORDER BY watermark`, args...)
		if err != nil {
			return err
		}
		var targets []*instanceRow
		for rows.Next() {
			r, err := scanInstanceRow(rows)
			if err != nil {
				rows.Close()
				return err
			}
			targets = append(targets, r)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(targets) == 0 {
			return notFound
		}

		for _, r := range targets {
			if _, err := tx.ExecContext(ctx,
				`UPDATE instances SET status = 2, last_status_update = ? WHERE instance_key = ?`,
				now.UnixMicro(), r.instanceKey); err != nil {
				return fmt.Errorf("soft delete instance: %w", err)
			}
			v := types.NewVersionedInstanceIdentifier(r.id, r.watermark)
			if err := enqueueDeletion(ctx, tx, v, now, cleanupAfter); err != nil {
				return err
			}
			if err := appendChangeFeed(ctx, tx, now, types.ActionDelete, v, nil); err != nil {
				return err
			}
			deleted = append(deleted, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func enqueueDeletion(ctx context.Context, tx *sql.Tx, v types.VersionedInstanceIdentifier, now, cleanupAfter time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO deleted_instances
			(watermark, partition_key, study_uid, series_uid, sop_uid, deleted_at, cleanup_after, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		v.Version, v.PartitionKey, v.StudyInstanceUID, v.SeriesInstanceUID, v.SOPInstanceUID,
		now.UnixMicro(), cleanupAfter.UnixMicro())
	if err != nil {
		return fmt.Errorf("enqueue deletion: %w", err)
	}
	return nil
}

// RetrieveDeletedInstances returns due deletions, oldest due first.
func (s *Store) RetrieveDeletedInstances(ctx context.Context, batchSize, maxRetries int) ([]types.DeletedInstance, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT watermark, partition_key, study_uid, series_uid, sop_uid, deleted_at, cleanup_after, retry_count
		FROM deleted_instances
		WHERE retry_count < ? AND cleanup_after <= ?
		ORDER BY cleanup_after, watermark
		LIMIT ?`, maxRetries, s.clock().UnixMicro(), batchSize)
	if err != nil {
		return nil, storeError("retrieve deleted instances", err)
	}
	defer rows.Close()

	var out []types.DeletedInstance
	for rows.Next() {
		var d types.DeletedInstance
		var deletedAt, cleanupAfter int64
		if err := rows.Scan(&d.Version, &d.PartitionKey, &d.StudyInstanceUID, &d.SeriesInstanceUID,
			&d.SOPInstanceUID, &deletedAt, &cleanupAfter, &d.RetryCount); err != nil {
			return nil, storeError("retrieve deleted instances", err)
		}
		d.DeletedAt = fromMicros(deletedAt)
		d.CleanupAfter = fromMicros(cleanupAfter)
		out = append(out, d)
	}
	return out, storeError("retrieve deleted instances", rows.Err())
}

// DeleteDeletedInstance purges a soft-deleted version: its instance row and
// values, any study or series left empty, and the queue entry. Purging an
// already purged version is a no-op.
func (s *Store) DeleteDeletedInstance(ctx context.Context, v types.VersionedInstanceIdentifier) error {
	return s.write(ctx, "delete deleted instance", func(tx *sql.Tx, now time.Time) error {
		r, err := loadInstanceByWatermark(ctx, tx, v.PartitionKey, v.Version)
		if err != nil {
			return err
		}
		if r != nil && r.status == types.InstanceSoftDeleted {
			if err := purgeInstanceRow(ctx, tx, r); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM extended_query_tag_errors WHERE watermark = ?`, v.Version); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM deleted_instances WHERE watermark = ?`, v.Version)
		return err
	})
}

// purgeInstanceRow removes an instance row with its instance-level values,
// then prunes its series and study when nothing else references them.
// clearInstanceValues removes the instance level values and the tag errors
// recorded for the version at r.watermark.
func clearInstanceValues(ctx context.Context, tx *sql.Tx, r *instanceRow) error {
	for _, t := range valueTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.name+` WHERE instance_key = ?`, r.instanceKey); err != nil {
			return fmt.Errorf("purge instance values: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM extended_query_tag_errors WHERE watermark = ?`, r.watermark); err != nil {
		return fmt.Errorf("purge instance tag errors: %w", err)
	}
	return nil
}

func purgeInstanceRow(ctx context.Context, tx *sql.Tx, r *instanceRow) error {
	if err := clearInstanceValues(ctx, tx, r); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE instance_key = ?`, r.instanceKey); err != nil {
		return fmt.Errorf("purge instance: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE series_key = ?`, r.seriesKey).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		for _, t := range valueTables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.name+` WHERE series_key = ?`, r.seriesKey); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM series WHERE series_key = ?`, r.seriesKey); err != nil {
			return err
		}
	}

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE study_key = ?`, r.studyKey).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		for _, t := range valueTables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.name+` WHERE study_key = ?`, r.studyKey); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM series WHERE study_key = ?`, r.studyKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM studies WHERE study_key = ?`, r.studyKey); err != nil {
			return err
		}
	}
	return nil
}

// IncrementDeletedInstanceRetry records a failed purge attempt and returns the new retry count.
func (s *Store) IncrementDeletedInstanceRetry(ctx context.Context, v types.VersionedInstanceIdentifier, cleanupAfter time.Time) (int, error) {
	var count int
	err := s.write(ctx, "increment deleted instance retry", func(tx *sql.Tx, now time.Time) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE deleted_instances SET retry_count = retry_count + 1, cleanup_after = ?
			WHERE watermark = ? RETURNING retry_count`,
			cleanupAfter.UnixMicro(), v.Version).Scan(&count)
		if err == sql.ErrNoRows {
			return ierrors.Newf(ierrors.KindNotFound, ierrors.CodeInstanceNotFound,
				"no pending deletion for watermark %d", v.Version)
		}
		return err
	})
	return count, err
}

// GetOldestDeletedInstance returns the deletion time of the oldest queued deletion.
func (s *Store) GetOldestDeletedInstance(ctx context.Context) (time.Time, bool, error) {
	var oldest sql.NullInt64
	if err := s.readDB.QueryRowContext(ctx, `SELECT MIN(deleted_at) FROM deleted_instances`).Scan(&oldest); err != nil {
		return time.Time{}, false, storeError("get oldest deleted instance", err)
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return fromMicros(oldest.Int64), true, nil
}

// RetrieveNumExhaustedDeletedInstanceAttempts counts deletions with at least maxRetries attempts.
func (s *Store) RetrieveNumExhaustedDeletedInstanceAttempts(ctx context.Context, maxRetries int) (int, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deleted_instances WHERE retry_count >= ?`, maxRetries).Scan(&n)
	if err != nil {
		return 0, storeError("count exhausted deletions", err)
	}
	return n, nil
}

// GetInstanceIdentifiersByWatermarkRange returns identities in r with the
// given status, ordered by watermark.
func (s *Store) GetInstanceIdentifiersByWatermarkRange(ctx context.Context, r types.WatermarkRange, status types.InstanceStatus) ([]types.VersionedInstanceIdentifier, error) {
	if r.Start > r.End {
		return nil, ierrors.Validation(ierrors.CodeInvalidRange, "invalid watermark range "+r.String())
	}
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT partition_key, study_uid, series_uid, sop_uid, watermark
		FROM instances
		WHERE watermark BETWEEN ? AND ? AND status = ?
		ORDER BY watermark ASC`, r.Start, r.End, status)
	if err != nil {
		return nil, storeError("get instances by watermark range", err)
	}
	defer rows.Close()
	return scanVersionedIdentifiers(rows)
}

func scanVersionedIdentifiers(rows *sql.Rows) ([]types.VersionedInstanceIdentifier, error) {
	var out []types.VersionedInstanceIdentifier
	for rows.Next() {
		var v types.VersionedInstanceIdentifier
		if err := rows.Scan(&v.PartitionKey, &v.StudyInstanceUID, &v.SeriesInstanceUID, &v.SOPInstanceUID, &v.Version); err != nil {
			return nil, storeError("scan instance identifiers", err)
		}
		out = append(out, v)
	}
	return out, storeError("scan instance identifiers", rows.Err())
}

// GetMaxInstanceWatermark returns the highest watermark of any instance row.
func (s *Store) GetMaxInstanceWatermark(ctx context.Context) (int64, error) {
	var w int64
	if err := s.readDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(watermark), 0) FROM instances`).Scan(&w); err != nil {
		return 0, storeError("get max instance watermark", err)
	}
	return w, nil
}

const instanceMetadataColumns = `partition_key, study_uid, series_uid, sop_uid, watermark, status, original_watermark, created_at, last_status_update`

func scanInstanceMetadata(row interface{ Scan(...interface{}) error }) (*types.InstanceMetadata, error) {
	var md types.InstanceMetadata
	var original sql.NullInt64
	var createdAt, lastUpdate int64
	if err := row.Scan(&md.PartitionKey, &md.StudyInstanceUID, &md.SeriesInstanceUID, &md.SOPInstanceUID,
		&md.Version, &md.Status, &original, &createdAt, &lastUpdate); err != nil {
		return nil, err
	}
	if original.Valid {
		v := original.Int64
		md.OriginalWatermark = &v
	}
	md.CreatedAt = fromMicros(createdAt)
	md.LastStatusUpdate = fromMicros(lastUpdate)
	return &md, nil
}

// GetInstance returns the Created version of an identity.
func (s *Store) GetInstance(ctx context.Context, id types.InstanceIdentifier) (*types.InstanceMetadata, error) {
	md, err := scanInstanceMetadata(s.readDB.QueryRowContext(ctx, `
		SELECT `+instanceMetadataColumns+` FROM instances
		WHERE partition_key = ? AND study_uid = ? AND series_uid = ? AND sop_uid = ? AND status = 1`,
		id.PartitionKey, id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID))
	if err == sql.ErrNoRows {
		return nil, ierrors.NotFound(ierrors.CodeInstanceNotFound, "instance not found: "+id.String())
	}
	if err != nil {
		return nil, storeError("get instance", err)
	}
	return md, nil
}

// GetInstancesInSeries returns the Created versions of a series ordered by watermark.
func (s *Store) GetInstancesInSeries(ctx context.Context, partitionKey int, studyUID, seriesUID string) ([]types.VersionedInstanceIdentifier, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT partition_key, study_uid, series_uid, sop_uid, watermark
		FROM instances
		WHERE partition_key = ? AND study_uid = ? AND series_uid = ? AND status = 1
		ORDER BY watermark`, partitionKey, studyUID, seriesUID)
	if err != nil {
		return nil, storeError("get instances in series", err)
	}
	defer rows.Close()
	return scanVersionedIdentifiers(rows)
}
