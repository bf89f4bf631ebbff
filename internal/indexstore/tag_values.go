package indexstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

// Extraction error codes recorded in extended_query_tag_errors.
const (
	ErrorCodeMultipleValues    = "MultipleValues"
	ErrorCodeVRMismatch        = "VRMismatch"
	ErrorCodeEmptyValue        = "EmptyValue"
	ErrorCodeInvalidDate       = "DateIsInvalid"
	ErrorCodeInvalidDateTime   = "DateTimeIsInvalid"
	ErrorCodeInvalidTime       = "TimeIsInvalid"
	ErrorCodeInvalidInteger    = "IntegerIsInvalid"
	ErrorCodeInvalidDecimal    = "DecimalIsInvalid"
	ErrorCodeUnreadableDataset = "DatasetUnreadable"
)

// entityKeys locates a value row. Keys below the tag's level are stored as 0.
type entityKeys struct {
	partitionKey int
	studyKey     int64
	seriesKey    int64
	instanceKey  int64
}

func (k entityKeys) forLevel(level types.Level) entityKeys {
	switch level {
	case types.LevelStudy:
		k.seriesKey, k.instanceKey = 0, 0
	case types.LevelSeries:
		k.instanceKey = 0
	}
	return k
}

func valueTableFor(class types.VRClass) (string, bool) {
	switch class {
	case types.VRClassString:
		return tableString, true
	case types.VRClassPersonName:
		return tablePersonName, true
	case types.VRClassInteger, types.VRClassTime:
		return tableLong, true
	case types.VRClassDecimal:
		return tableDouble, true
	case types.VRClassDate, types.VRClassDateTime:
		return tableDateTime, true
	}
	return "", false
}

func extractionErrorCode(class types.VRClass) string {
	switch class {
	case types.VRClassDate:
		return ErrorCodeInvalidDate
	case types.VRClassDateTime:
		return ErrorCodeInvalidDateTime
	case types.VRClassTime:
		return ErrorCodeInvalidTime
	case types.VRClassInteger:
		return ErrorCodeInvalidInteger
	case types.VRClassDecimal:
		return ErrorCodeInvalidDecimal
	}
	return ErrorCodeEmptyValue
}

// writeTagValues upserts the values of tags found in ds and records
// extraction errors. Absent attributes are skipped. It returns the number of
// values that failed extraction.
func writeTagValues(ctx context.Context, tx *sql.Tx, keys entityKeys, watermark int64, ds *types.Dataset, tags []types.ExtendedQueryTag, now time.Time) (int, error) {
	failed := 0
	for _, tag := range tags {
		if tag.Status == types.TagDeleted {
			continue
		}
		t, err := tag.Tag()
		if err != nil {
			continue
		}
		el, ok := ds.Get(t)
		if !ok || len(el.Values) == 0 {
			continue
		}

		class := tag.VR.Class()
		table, ok := valueTableFor(class)
		if !ok {
			continue
		}

		code := ""
		var value any
		switch {
		case el.VR != "" && el.VR != tag.VR:
			code = ErrorCodeVRMismatch
		case len(el.Values) > 1:
			code = ErrorCodeMultipleValues
		default:
			value, err = types.IndexValue(class, el.First())
			if err != nil {
				code = extractionErrorCode(class)
			}
		}
		if code != "" {
			if err := recordTagError(ctx, tx, tag.Key, watermark, code, now); err != nil {
				return failed, err
			}
			failed++
			continue
		}

		if err := upsertValue(ctx, tx, table, tag, keys.forLevel(tag.Level), value, watermark); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// upsertValue writes one value row. A row is only overwritten by a write at
// the same or a newer watermark, so replays and late reindex batches never
// regress a value.
func upsertValue(ctx context.Context, tx *sql.Tx, table string, tag types.ExtendedQueryTag, keys entityKeys, value any, watermark int64) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (tag_key, study_key, series_key, instance_key, partition_key, tag_value, watermark)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tag_key, study_key, series_key, instance_key) DO UPDATE SET
			tag_value = excluded.tag_value,
			watermark = excluded.watermark
		WHERE excluded.watermark >= %[1]s.watermark`, table),
		tag.Key, keys.studyKey, keys.seriesKey, keys.instanceKey, keys.partitionKey, value, watermark)
	if err != nil {
		return fmt.Errorf("upsert %s value for tag %d: %w", table, tag.Key, err)
	}
	return nil
}

// recordTagError inserts an error row and bumps the tag's error count only
// when the (tag, watermark) pair is new.
func recordTagError(ctx context.Context, tx *sql.Tx, tagKey, watermark int64, code string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO extended_query_tag_errors (tag_key, watermark, error_code, created_at)
		VALUES (?, ?, ?, ?)`, tagKey, watermark, code, now.UnixMicro())
	if err != nil {
		return fmt.Errorf("record tag error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE extended_query_tags SET error_count = error_count + 1 WHERE tag_key = ?`, tagKey)
	return err
}

func maxLiveTagKey(ctx context.Context, q queryer) (int64, error) {
	var k int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(tag_key), 0) FROM extended_query_tags WHERE tag_status <> 3`).Scan(&k)
	return k, err
}

// liveTags narrows tags to those not deleted since they were read.
func liveTags(ctx context.Context, tx *sql.Tx, tags []types.ExtendedQueryTag) ([]types.ExtendedQueryTag, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	keys := make([]int64, len(tags))
	for i, t := range tags {
		keys[i] = t.Key
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT tag_key FROM extended_query_tags WHERE tag_status <> 3 AND tag_key IN (`+inClause(len(keys))+`)`,
		int64Args(keys)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	live := make(map[int64]bool, len(keys))
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		live[k] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]types.ExtendedQueryTag, 0, len(tags))
	for _, t := range tags {
		if live[t.Key] {
			out = append(out, t)
		}
	}
	return out, nil
}

// reindexTarget loads the Created row at v, or NotFound when the instance was
// deleted or updated since it was enumerated.
func reindexTarget(ctx context.Context, tx *sql.Tx, v types.VersionedInstanceIdentifier) (*instanceRow, error) {
	r, err := loadInstanceByWatermark(ctx, tx, v.PartitionKey, v.Version)
	if err != nil {
		return nil, err
	}
	if r == nil || r.status != types.InstanceCreated {
		return nil, ierrors.Newf(ierrors.KindNotFound, ierrors.CodeInstanceNotFound,
			"instance %s is no longer current", v)
	}
	return r, nil
}

// ReindexInstance writes the values of tags for one existing instance version.
func (s *Store) ReindexInstance(ctx context.Context, tags []types.ExtendedQueryTag, v types.VersionedInstanceIdentifier, ds *types.Dataset) (int, error) {
	failed := 0
	err := s.write(ctx, "reindex instance", func(tx *sql.Tx, now time.Time) error {
		r, err := reindexTarget(ctx, tx, v)
		if err != nil {
			return err
		}
		live, err := liveTags(ctx, tx, tags)
		if err != nil {
			return err
		}
		failed, err = writeTagValues(ctx, tx, r.entityKeys(), v.Version, ds, live, now)
		return err
	})
	return failed, err
}

// RecordTagErrors records code against every live tag for an instance
// version whose dataset could not be read.
func (s *Store) RecordTagErrors(ctx context.Context, tags []types.ExtendedQueryTag, v types.VersionedInstanceIdentifier, code string) error {
	err := s.write(ctx, "record tag errors", func(tx *sql.Tx, now time.Time) error {
		if _, err := reindexTarget(ctx, tx, v); err != nil {
			return err
		}
		live, err := liveTags(ctx, tx, tags)
		if err != nil {
			return err
		}
		for _, t := range live {
			if err := recordTagError(ctx, tx, t.Key, v.Version, code, now); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ierrors.ErrNotFound) {
		return nil
	}
	return err
}
