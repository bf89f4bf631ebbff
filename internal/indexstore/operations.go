package indexstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

func operationNotFound(id string) error {
	return ierrors.NotFound(ierrors.CodeOperationNotFound, "reindex operation not found: "+id)
}

// CreateReindexOperation records an operation and its pending batches.
// Recording an operation that already exists is a no-op.
func (s *Store) CreateReindexOperation(ctx context.Context, op types.ReindexOperation, ranges []types.WatermarkRange) error {
	keys, err := json.Marshal(op.TagKeys)
	if err != nil {
		return fmt.Errorf("indexstore: failed to encode tag keys: %w", err)
	}
	return s.write(ctx, "create reindex operation", func(tx *sql.Tx, now time.Time) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO reindex_operations
				(operation_id, status, tag_keys, ceiling_watermark, batch_size, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			op.ID, op.Status, string(keys), op.Ceiling, op.BatchSize, now.UnixMicro(), now.UnixMicro())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		for _, r := range ranges {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO reindex_batches (operation_id, start_watermark, end_watermark, status, attempts, updated_at)
				VALUES (?, ?, ?, 0, 0, ?)`, op.ID, r.Start, r.End, now.UnixMicro()); err != nil {
				return err
			}
		}
		return nil
	})
}

const operationColumns = `operation_id, status, tag_keys, ceiling_watermark, batch_size, created_at, updated_at, failure`

func scanOperation(row interface{ Scan(...interface{}) error }) (*types.ReindexOperation, error) {
	var op types.ReindexOperation
	var keys string
	var createdAt, updatedAt int64
	var failure sql.NullString
	if err := row.Scan(&op.ID, &op.Status, &keys, &op.Ceiling, &op.BatchSize, &createdAt, &updatedAt, &failure); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keys), &op.TagKeys); err != nil {
		return nil, fmt.Errorf("decode tag keys of operation %s: %w", op.ID, err)
	}
	op.CreatedAt = fromMicros(createdAt)
	op.UpdatedAt = fromMicros(updatedAt)
	op.Failure = failure.String
	return &op, nil
}

func (s *Store) GetReindexOperation(ctx context.Context, id string) (*types.ReindexOperation, error) {
	op, err := scanOperation(s.readDB.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM reindex_operations WHERE operation_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, operationNotFound(id)
	}
	if err != nil {
		return nil, storeError("get reindex operation", err)
	}
	return op, nil
}

// ListReindexOperations returns operations in status, oldest first.
func (s *Store) ListReindexOperations(ctx context.Context, status types.OperationStatus) ([]types.ReindexOperation, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM reindex_operations WHERE status = ? ORDER BY created_at, operation_id`, status)
	if err != nil {
		return nil, storeError("list reindex operations", err)
	}
	defer rows.Close()

	var ops []types.ReindexOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, storeError("list reindex operations", err)
		}
		ops = append(ops, *op)
	}
	return ops, storeError("list reindex operations", rows.Err())
}

// GetReindexBatches returns the batches of an operation, newest range first.
func (s *Store) GetReindexBatches(ctx context.Context, id string) ([]types.ReindexBatch, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT operation_id, start_watermark, end_watermark, status, attempts
		FROM reindex_batches WHERE operation_id = ?
		ORDER BY start_watermark DESC`, id)
	if err != nil {
		return nil, storeError("get reindex batches", err)
	}
	defer rows.Close()

	var out []types.ReindexBatch
	for rows.Next() {
		var b types.ReindexBatch
		if err := rows.Scan(&b.OperationID, &b.Range.Start, &b.Range.End, &b.Status, &b.Attempts); err != nil {
			return nil, storeError("get reindex batches", err)
		}
		out = append(out, b)
	}
	return out, storeError("get reindex batches", rows.Err())
}

// CompleteReindexBatch marks a batch done. Completing it again is a no-op.
func (s *Store) CompleteReindexBatch(ctx context.Context, id string, r types.WatermarkRange) error {
	return s.write(ctx, "complete reindex batch", func(tx *sql.Tx, now time.Time) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE reindex_batches SET status = 1, updated_at = ?
			WHERE operation_id = ? AND start_watermark = ? AND end_watermark = ?`,
			now.UnixMicro(), id, r.Start, r.End)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ierrors.Newf(ierrors.KindNotFound, ierrors.CodeOperationNotFound,
				"operation %s has no batch %s", id, r)
		}
		return nil
	})
}

// RecordReindexBatchFailure counts a failed attempt and returns the attempt
// total. When exhausted is set the batch is marked Failed.
func (s *Store) RecordReindexBatchFailure(ctx context.Context, id string, r types.WatermarkRange, exhausted bool) (int, error) {
	var attempts int
	err := s.write(ctx, "record reindex batch failure", func(tx *sql.Tx, now time.Time) error {
		status := types.BatchPending
		if exhausted {
			status = types.BatchFailed
		}
		err := tx.QueryRowContext(ctx, `
			UPDATE reindex_batches SET attempts = attempts + 1, status = ?, updated_at = ?
			WHERE operation_id = ? AND start_watermark = ? AND end_watermark = ? AND status <> 1
			RETURNING attempts`, status, now.UnixMicro(), id, r.Start, r.End).Scan(&attempts)
		if err == sql.ErrNoRows {
			return ierrors.Newf(ierrors.KindNotFound, ierrors.CodeOperationNotFound,
				"operation %s has no open batch %s", id, r)
		}
		return err
	})
	return attempts, err
}

// SetReindexOperationStatus moves an operation to status with an optional failure reason.
func (s *Store) SetReindexOperationStatus(ctx context.Context, id string, status types.OperationStatus, failure string) error {
	return s.write(ctx, "set reindex operation status", func(tx *sql.Tx, now time.Time) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE reindex_operations SET status = ?, failure = ?, updated_at = ?
			WHERE operation_id = ?`,
			status, sql.NullString{String: failure, Valid: failure != ""}, now.UnixMicro(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return operationNotFound(id)
		}
		return nil
	})
}
