package indexstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

// appendChangeFeed records a mutation in the same transaction that applied it.
// current is nil for deletes.
func appendChangeFeed(ctx context.Context, tx *sql.Tx, now time.Time, action types.ChangeFeedAction, v types.VersionedInstanceIdentifier, current *int64) error {
	var cur sql.NullInt64
	if current != nil {
		cur = sql.NullInt64{Int64: *current, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_feed (timestamp, action, partition_key, study_uid, series_uid, sop_uid,
			original_watermark, current_watermark)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		now.UnixMicro(), action, v.PartitionKey, v.StudyInstanceUID, v.SeriesInstanceUID, v.SOPInstanceUID,
		v.Version, cur)
	if err != nil {
		return fmt.Errorf("append change feed: %w", err)
	}
	return nil
}

// changeFeedSelect reads entries with the state of their identity, taken
// from the newest entry for the same identity.
const changeFeedSelect = `
	SELECT c.sequence, c.timestamp, c.action, c.partition_key, c.study_uid, c.series_uid, c.sop_uid,
		c.original_watermark, c.current_watermark,
		(SELECT l.current_watermark FROM change_feed l
		 WHERE l.partition_key = c.partition_key AND l.study_uid = c.study_uid
		   AND l.series_uid = c.series_uid AND l.sop_uid = c.sop_uid
		 ORDER BY l.sequence DESC LIMIT 1) AS state_watermark
	FROM change_feed c`

func scanChangeFeedEntry(row interface{ Scan(...interface{}) error }) (types.ChangeFeedEntry, error) {
	var e types.ChangeFeedEntry
	var ts int64
	var current, state sql.NullInt64
	err := row.Scan(&e.Sequence, &ts, &e.Action, &e.Identifier.PartitionKey, &e.Identifier.StudyInstanceUID,
		&e.Identifier.SeriesInstanceUID, &e.Identifier.SOPInstanceUID, &e.OriginalWatermark, &current, &state)
	if err != nil {
		return e, err
	}
	e.Timestamp = fromMicros(ts)
	if current.Valid {
		v := current.Int64
		e.CurrentWatermark = &v
	}
	if state.Valid {
		e.State = types.Active(state.Int64)
	} else {
		e.State = types.Deleted()
	}
	return e, nil
}

// GetChangeFeedLatest returns the last entry in the given order, or nil when
// the feed is empty.
func (s *Store) GetChangeFeedLatest(ctx context.Context, order types.ChangeFeedOrder) (*types.ChangeFeedEntry, error) {
	orderBy := ` ORDER BY c.sequence DESC LIMIT 1`
	if order == types.OrderTimestamp {
		orderBy = ` ORDER BY c.timestamp DESC, c.sequence DESC LIMIT 1`
	}
	e, err := scanChangeFeedEntry(s.readDB.QueryRowContext(ctx, changeFeedSelect+orderBy))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get latest change feed entry", err)
	}
	return &e, nil
}

// GetChangeFeedPage reads a page of the feed.
//
// In sequence order the range must be unbounded and offset is a sequence
// number: the page starts after it. In timestamp order entries in [Start, End)
// are returned by (timestamp, sequence) and offset skips that many rows.
func (s *Store) GetChangeFeedPage(ctx context.Context, r types.TimeRange, offset, limit int64, order types.ChangeFeedOrder) ([]types.ChangeFeedEntry, error) {
	if offset < 0 {
		return nil, ierrors.Validation(ierrors.CodeInvalidQueryParam, "offset must not be negative")
	}
	if limit <= 0 {
		return nil, ierrors.Validation(ierrors.CodeInvalidQueryParam, "limit must be positive")
	}
	if !r.Start.IsZero() && !r.End.IsZero() && !r.Start.Before(r.End) {
		return nil, ierrors.Validation(ierrors.CodeInvalidRange, "time range start must be before its end")
	}

	var (
		query string
		args  []interface{}
	)
	switch order {
	case types.OrderSequence:
		if !r.Unbounded() {
			return nil, ierrors.Validation(ierrors.CodeInvalidRange,
				"a time range cannot be combined with sequence ordering")
		}
		query = changeFeedSelect + ` WHERE c.sequence > ? ORDER BY c.sequence LIMIT ?`
		args = []interface{}{offset, limit}
	case types.OrderTimestamp:
		query = changeFeedSelect + ` WHERE 1 = 1`
		if !r.Start.IsZero() {
			query += ` AND c.timestamp >= ?`
			args = append(args, r.Start.UnixMicro())
		}
		if !r.End.IsZero() {
			query += ` AND c.timestamp < ?`
			args = append(args, r.End.UnixMicro())
		}
		query += ` ORDER BY c.timestamp, c.sequence LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	default:
		return nil, ierrors.Newf(ierrors.KindValidation, ierrors.CodeInvalidQueryParam, "unknown change feed order %d", order)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("read change feed", err)
	}
	defer rows.Close()

	var out []types.ChangeFeedEntry
	for rows.Next() {
		e, err := scanChangeFeedEntry(rows)
		if err != nil {
			return nil, storeError("read change feed", err)
		}
		out = append(out, e)
	}
	return out, storeError("read change feed", rows.Err())
}

// GetChangeFeedCursor returns the last sequence a named consumer handled, 0 if none.
func (s *Store) GetChangeFeedCursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT sequence FROM change_feed_cursors WHERE name = ?`, name).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storeError("get change feed cursor", err)
	}
	return seq, nil
}

// SetChangeFeedCursor moves a named cursor forward. It never moves backwards.
func (s *Store) SetChangeFeedCursor(ctx context.Context, name string, sequence int64) error {
	return s.write(ctx, "set change feed cursor", func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO change_feed_cursors (name, sequence, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET sequence = excluded.sequence, updated_at = excluded.updated_at
			WHERE excluded.sequence > change_feed_cursors.sequence`,
			name, sequence, now.UnixMicro())
		return err
	})
}
