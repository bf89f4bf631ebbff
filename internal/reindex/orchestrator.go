// Package reindex backfills extended query tag values for instances that
// were stored before the tags were added.
//
// An operation is a durable state machine kept in the index database:
//
//	Start            claim Adding tags, record the watermark ceiling and batches
//	EnumerateBatches list the pending watermark ranges, newest first
//	ProcessBatch     extract tag values for every Created instance in a range
//	Complete         mark the claimed tags Ready
//
// Every step is idempotent, so an operation interrupted by a crash is
// resumed by running the remaining steps again with the same id.
package reindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/internal/indexstore"
	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/arkilian/dicomindex/internal/observability"
	"github.com/arkilian/dicomindex/pkg/types"
)

// Store is the slice of the index store an orchestrator needs.
type Store interface {
	indexstore.InstanceStore
	indexstore.ExtendedQueryTagStore
	indexstore.ReindexCheckpointStore
}

// ObjectReader reads the stored object of an instance version.
type ObjectReader interface {
	Get(ctx context.Context, v types.VersionedInstanceIdentifier) ([]byte, error)
}

// Decoder parses a stored object into a dataset.
type Decoder interface {
	Decode(data []byte) (*types.Dataset, error)
}

// Config holds reindex settings.
type Config struct {
	// BatchSize is the number of watermarks covered by one batch.
	BatchSize int64

	// MaxParallelBatches bounds concurrently processed batches.
	MaxParallelBatches int

	// ThreadsPerBatch bounds concurrently processed instances within a batch.
	ThreadsPerBatch int

	// MaxRetries is the number of retries for a failed batch.
	MaxRetries int

	// RetryBaseDelay is the first backoff delay, doubled per attempt.
	RetryBaseDelay time.Duration

	// ResumeInterval is how often the daemon looks for orphaned operations.
	ResumeInterval time.Duration
}

// DefaultConfig returns the default reindex configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:          100,
		MaxParallelBatches: 4,
		ThreadsPerBatch:    5,
		MaxRetries:         3,
		RetryBaseDelay:     100 * time.Millisecond,
		ResumeInterval:     time.Minute,
	}
}

// Orchestrator runs reindex operations.
type Orchestrator struct {
	cfg     Config
	store   Store
	objects ObjectReader
	decoder Decoder
	log     zerolog.Logger

	// running holds the cancel functions of operations owned by this process.
	running    *registry
	background sync.WaitGroup

	// sleep waits between batch retries; tests replace it.
	sleep func(time.Duration)

	onComplete func()
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, store Store, objects ObjectReader, decoder Decoder) *Orchestrator {
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxParallelBatches < 1 {
		cfg.MaxParallelBatches = def.MaxParallelBatches
	}
	if cfg.ThreadsPerBatch < 1 {
		cfg.ThreadsPerBatch = def.ThreadsPerBatch
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ResumeInterval <= 0 {
		cfg.ResumeInterval = def.ResumeInterval
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		objects: objects,
		decoder: decoder,
		log:     logging.Component("reindex"),
		running: newRegistry(),
		sleep:   time.Sleep,
	}
}

// Start records a new operation over the watermarks allocated so far and
// claims the Adding tags among keys for it. It fails with AlreadyExists
// when every tag is already claimed or no longer Adding.
func (o *Orchestrator) Start(ctx context.Context, keys []int64) (*types.ReindexOperation, error) {
	if len(keys) == 0 {
		return nil, ierrors.Validation(ierrors.CodeInvalidTag, "no extended query tags to reindex")
	}

	// The ceiling is read after the tags exist, so every instance above it
	// was written with the tags in its snapshot.
	ceiling, err := o.store.GetMaxInstanceWatermark(ctx)
	if err != nil {
		return nil, err
	}

	op := types.ReindexOperation{
		ID:        uuid.NewString(),
		Status:    types.OperationRunning,
		TagKeys:   append([]int64(nil), keys...),
		Ceiling:   ceiling,
		BatchSize: o.cfg.BatchSize,
	}
	if err := o.store.CreateReindexOperation(ctx, op, types.BatchRanges(ceiling, o.cfg.BatchSize)); err != nil {
		return nil, err
	}

	// Claiming after the operation row exists lets a resume finish the claim
	// if the process dies in between.
	claimed, err := o.store.ConfirmReindexing(ctx, keys, op.ID)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		if err := o.store.SetReindexOperationStatus(ctx, op.ID, types.OperationCanceled, "no tags were claimed"); err != nil {
			o.log.Warn().Err(err).Str("operation", op.ID).Msg("failed to cancel unclaimed operation")
		}
		return nil, ierrors.AlreadyExists(ierrors.CodeTagBusy,
			"the extended query tags are already being indexed or are not in the Adding state")
	}

	observability.ReindexOperations.WithLabelValues("started").Inc()
	o.log.Info().
		Str("operation", op.ID).
		Int("tags", len(claimed)).
		Int64("ceiling", ceiling).
		Msg("reindex operation started")
	return &op, nil
}

// EnumerateBatches returns the ranges of an operation that still need
// processing, newest first.
func (o *Orchestrator) EnumerateBatches(ctx context.Context, operationID string) ([]types.WatermarkRange, error) {
	batches, err := o.store.GetReindexBatches(ctx, operationID)
	if err != nil {
		return nil, err
	}
	var out []types.WatermarkRange
	for _, b := range batches {
		if b.Status == types.BatchPending {
			out = append(out, b.Range)
		}
	}
	return out, nil
}

// ProcessBatch extracts the operation's tags from every Created instance in
// r and checkpoints the batch. Instances that were deleted or updated while
// the batch ran are skipped; the write path indexed their new versions.
func (o *Orchestrator) ProcessBatch(ctx context.Context, operationID string, r types.WatermarkRange) error {
	start := time.Now()

	tags, err := o.store.GetByOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if len(tags) > 0 {
		if err := o.reindexRange(ctx, tags, r); err != nil {
			return err
		}
	}

	if err := o.store.CompleteReindexBatch(ctx, operationID, r); err != nil {
		return err
	}
	observability.ReindexBatchDuration.Observe(time.Since(start).Seconds())
	o.log.Debug().Str("operation", operationID).Stringer("range", r).Msg("batch completed")
	return nil
}

func (o *Orchestrator) reindexRange(ctx context.Context, tags []types.ExtendedQueryTag, r types.WatermarkRange) error {
	ids, err := o.store.GetInstanceIdentifiersByWatermarkRange(ctx, r, types.InstanceCreated)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(int64(o.cfg.ThreadsPerBatch))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, v := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(v types.VersionedInstanceIdentifier) {
			defer wg.Done()
			defer sem.Release(1)

			if err := o.reindexInstance(ctx, tags, v); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("instance %s: %w", v, err)
				}
				mu.Unlock()
			}
		}(v)
	}
	wg.Wait()
	return firstErr
}

func (o *Orchestrator) reindexInstance(ctx context.Context, tags []types.ExtendedQueryTag, v types.VersionedInstanceIdentifier) error {
	data, err := o.objects.Get(ctx, v)
	if ierrors.GetKind(err) == ierrors.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	ds, err := o.decoder.Decode(data)
	if err != nil {
		o.log.Warn().Err(err).Stringer("instance", v).Msg("stored object is unreadable")
		observability.ReindexExtractionErrors.Add(float64(len(tags)))
		return o.store.RecordTagErrors(ctx, tags, v, indexstore.ErrorCodeUnreadableDataset)
	}

	failed, err := o.store.ReindexInstance(ctx, tags, v, ds)
	if ierrors.GetKind(err) == ierrors.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	observability.ReindexInstances.Inc()
	if failed > 0 {
		observability.ReindexExtractionErrors.Add(float64(failed))
	}
	return nil
}

// OnComplete registers fn to run after an operation moves tags to Ready,
// so readers caching the queryable set can refresh it.
func (o *Orchestrator) OnComplete(fn func()) *Orchestrator {
	o.onComplete = fn
	return o
}

// Complete marks the operation's tags Ready once every batch is done.
// It returns the tags it changed; completing twice changes nothing.
func (o *Orchestrator) Complete(ctx context.Context, operationID string) ([]types.ExtendedQueryTag, error) {
	op, err := o.store.GetReindexOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	pending, err := o.EnumerateBatches(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return nil, ierrors.Conflict(ierrors.CodeTagBusy,
			fmt.Sprintf("operation %s has %d unprocessed batches", operationID, len(pending)))
	}

	completed, err := o.store.CompleteReindexing(ctx, operationID, op.TagKeys)
	if err != nil {
		return nil, err
	}
	if op.Status != types.OperationCompleted {
		if err := o.store.SetReindexOperationStatus(ctx, operationID, types.OperationCompleted, ""); err != nil {
			return nil, err
		}
		observability.ReindexOperations.WithLabelValues("completed").Inc()
	}
	if len(completed) > 0 && o.onComplete != nil {
		o.onComplete()
	}

	o.log.Info().Str("operation", operationID).Int("tags", len(completed)).Msg("reindex operation completed")
	return completed, nil
}
