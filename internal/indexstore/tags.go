package indexstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

const tagColumns = `tag_key, tag_path, tag_vr, tag_private_creator, tag_level, tag_status, query_status, error_count, operation_id`

func scanTag(row interface{ Scan(...interface{}) error }) (types.ExtendedQueryTag, error) {
	var t types.ExtendedQueryTag
	var creator, opID sql.NullString
	err := row.Scan(&t.Key, &t.Path, &t.VR, &creator, &t.Level, &t.Status, &t.QueryStatus, &t.ErrorCount, &opID)
	t.PrivateCreator = creator.String
	t.OperationID = opID.String
	return t, err
}

func scanTags(rows *sql.Rows) ([]types.ExtendedQueryTag, error) {
	defer rows.Close()
	var out []types.ExtendedQueryTag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func tagNotFound(path string) error {
	return ierrors.NotFound(ierrors.CodeTagNotFound, "extended query tag not found: "+path)
}

// Add inserts tag definitions. New tags start in Adding, or Ready when ready
// is set (used when no instances exist to reindex).
func (s *Store) Add(ctx context.Context, tags []types.ExtendedQueryTag, maxAllowedCount int, ready bool) ([]int64, error) {
	status := types.TagAdding
	if ready {
		status = types.TagReady
	}

	keys := make([]int64, 0, len(tags))
	err := s.write(ctx, "add extended query tags", func(tx *sql.Tx, now time.Time) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM extended_query_tags WHERE tag_status <> 3`).Scan(&count); err != nil {
			return err
		}
		if count+len(tags) > maxAllowedCount {
			return ierrors.ResourceExhausted(ierrors.CodeMaxTagCount,
				fmt.Sprintf("adding %d tags would exceed the limit of %d extended query tags", len(tags), maxAllowedCount))
		}

		for _, t := range tags {
			var key int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO extended_query_tags (tag_path, tag_vr, tag_private_creator, tag_level, tag_status, query_status, created_at)
				VALUES (?, ?, ?, ?, ?, 1, ?)
				RETURNING tag_key`,
				t.Path, string(t.VR), sql.NullString{String: t.PrivateCreator, Valid: t.PrivateCreator != ""},
				t.Level, status, now.UnixMicro()).Scan(&key)
			if err != nil {
				if isUniqueViolation(err) {
					return ierrors.AlreadyExists(ierrors.CodeTagAlreadyExists,
						"extended query tag already exists: "+t.Path)
				}
				return fmt.Errorf("insert tag %s: %w", t.Path, err)
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ConfirmReindexing assigns operationID to those of keys that are Adding and
// unowned, and returns every tag in keys the operation now owns. A second
// call by the same operation returns the same set.
func (s *Store) ConfirmReindexing(ctx context.Context, keys []int64, operationID string) ([]types.ExtendedQueryTag, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var confirmed []types.ExtendedQueryTag
	err := s.write(ctx, "confirm reindexing", func(tx *sql.Tx, now time.Time) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE extended_query_tags SET tag_status = 1, operation_id = ?
			WHERE tag_status = 0 AND operation_id IS NULL AND tag_key IN (`+inClause(len(keys))+`)`,
			int64Args(keys, operationID)...); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT `+tagColumns+` FROM extended_query_tags
			WHERE operation_id = ? AND tag_status = 1 AND tag_key IN (`+inClause(len(keys))+`)
			ORDER BY tag_key`, int64Args(keys, operationID)...)
		if err != nil {
			return err
		}
		confirmed, err = scanTags(rows)
		return err
	})
	return confirmed, err
}

// CompleteReindexing moves tags owned by operationID to Ready and returns
// the tags it changed. Tags deleted meanwhile are skipped, and a repeated
// call returns nothing.
func (s *Store) CompleteReindexing(ctx context.Context, operationID string, keys []int64) ([]types.ExtendedQueryTag, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var completed []types.ExtendedQueryTag
	err := s.write(ctx, "complete reindexing", func(tx *sql.Tx, now time.Time) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE extended_query_tags SET tag_status = 2, operation_id = NULL
			WHERE operation_id = ? AND tag_status = 1 AND tag_key IN (`+inClause(len(keys))+`)
			RETURNING `+tagColumns, int64Args(keys, operationID)...)
		if err != nil {
			return err
		}
		completed, err = scanTags(rows)
		return err
	})
	return completed, err
}

// Get returns the non-deleted tag at path.
func (s *Store) Get(ctx context.Context, path string) (*types.ExtendedQueryTag, error) {
	t, err := scanTag(s.readDB.QueryRowContext(ctx,
		`SELECT `+tagColumns+` FROM extended_query_tags WHERE tag_path = ? AND tag_status <> 3`, path))
	if err == sql.ErrNoRows {
		return nil, tagNotFound(path)
	}
	if err != nil {
		return nil, storeError("get extended query tag", err)
	}
	return &t, nil
}

func (s *Store) listTags(ctx context.Context, op, where string, args ...interface{}) ([]types.ExtendedQueryTag, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT `+tagColumns+` FROM extended_query_tags WHERE `+where+` ORDER BY tag_key`, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	tags, err := scanTags(rows)
	if err != nil {
		return nil, storeError(op, err)
	}
	return tags, nil
}

// GetAll returns every non-deleted tag ordered by key.
func (s *Store) GetAll(ctx context.Context) ([]types.ExtendedQueryTag, error) {
	return s.listTags(ctx, "list extended query tags", `tag_status <> 3`)
}

func (s *Store) GetByKeys(ctx context.Context, keys []int64) ([]types.ExtendedQueryTag, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return s.listTags(ctx, "get extended query tags by key",
		`tag_status <> 3 AND tag_key IN (`+inClause(len(keys))+`)`, int64Args(keys)...)
}

func (s *Store) GetByOperation(ctx context.Context, operationID string) ([]types.ExtendedQueryTag, error) {
	return s.listTags(ctx, "get extended query tags by operation",
		`tag_status = 1 AND operation_id = ?`, operationID)
}

// GetQueryable returns Ready tags with querying enabled.
func (s *Store) GetQueryable(ctx context.Context) ([]types.ExtendedQueryTag, error) {
	return s.listTags(ctx, "get queryable extended query tags", `tag_status = 2 AND query_status = 1`)
}

// GetSnapshot returns the tags a writer must index: every non-deleted tag.
func (s *Store) GetSnapshot(ctx context.Context) (types.TagSnapshot, error) {
	tags, err := s.GetAll(ctx)
	if err != nil {
		return types.TagSnapshot{}, err
	}
	return types.NewTagSnapshot(tags), nil
}

// GetMaxTagKey returns the largest key of a non-deleted tag, 0 when none.
func (s *Store) GetMaxTagKey(ctx context.Context) (int64, error) {
	k, err := maxLiveTagKey(ctx, s.readDB)
	if err != nil {
		return 0, storeError("get max tag key", err)
	}
	return k, nil
}

// GetErrors lists extraction errors of the tag at path for instances that
// still exist, ordered by watermark.
func (s *Store) GetErrors(ctx context.Context, path string, limit, offset int) ([]types.ExtendedQueryTagError, error) {
	tag, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT e.tag_key, e.watermark, e.error_code, i.partition_key, i.study_uid, i.series_uid, i.sop_uid
		FROM extended_query_tag_errors e
		JOIN instances i ON i.watermark = e.watermark
		WHERE e.tag_key = ?
		ORDER BY e.watermark
		LIMIT ? OFFSET ?`, tag.Key, limit, offset)
	if err != nil {
		return nil, storeError("get extended query tag errors", err)
	}
	defer rows.Close()

	var out []types.ExtendedQueryTagError
	for rows.Next() {
		var e types.ExtendedQueryTagError
		if err := rows.Scan(&e.TagKey, &e.Watermark, &e.ErrorCode, &e.Instance.PartitionKey,
			&e.Instance.StudyInstanceUID, &e.Instance.SeriesInstanceUID, &e.Instance.SOPInstanceUID); err != nil {
			return nil, storeError("get extended query tag errors", err)
		}
		out = append(out, e)
	}
	return out, storeError("get extended query tag errors", rows.Err())
}

// UpdateQueryStatus enables or disables querying on a tag.
func (s *Store) UpdateQueryStatus(ctx context.Context, path string, status types.QueryStatus) (*types.ExtendedQueryTag, error) {
	var updated types.ExtendedQueryTag
	err := s.write(ctx, "update query status", func(tx *sql.Tx, now time.Time) error {
		t, err := scanTag(tx.QueryRowContext(ctx, `
			UPDATE extended_query_tags SET query_status = ?
			WHERE tag_path = ? AND tag_status <> 3
			RETURNING `+tagColumns, status, path))
		if err == sql.ErrNoRows {
			return tagNotFound(path)
		}
		updated = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete hides the tag at path and then purges its values. A failure after
// the first transaction leaves a Deleted row for PurgeDeletedTags.
func (s *Store) Delete(ctx context.Context, path string) error {
	var key int64
	err := s.write(ctx, "delete extended query tag", func(tx *sql.Tx, now time.Time) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE extended_query_tags SET tag_status = 3, operation_id = NULL
			WHERE tag_path = ? AND tag_status <> 3
			RETURNING tag_key`, path).Scan(&key)
		if err == sql.ErrNoRows {
			return tagNotFound(path)
		}
		return err
	})
	if err != nil {
		return err
	}
	return s.purgeTag(ctx, key)
}

func (s *Store) purgeTag(ctx context.Context, key int64) error {
	return s.write(ctx, "purge extended query tag", func(tx *sql.Tx, now time.Time) error {
		for _, t := range valueTables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.name+` WHERE tag_key = ?`, key); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM extended_query_tag_errors WHERE tag_key = ?`, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM extended_query_tags WHERE tag_key = ? AND tag_status = 3`, key)
		return err
	})
}

// PurgeDeletedTags purges every tag left in Deleted and returns how many it removed.
func (s *Store) PurgeDeletedTags(ctx context.Context) (int, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT tag_key FROM extended_query_tags WHERE tag_status = 3`)
	if err != nil {
		return 0, storeError("list deleted tags", err)
	}
	var keys []int64
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, storeError("list deleted tags", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storeError("list deleted tags", err)
	}

	for i, k := range keys {
		if err := s.purgeTag(ctx, k); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}
