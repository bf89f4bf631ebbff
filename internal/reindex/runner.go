package reindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/internal/observability"
	"github.com/arkilian/dicomindex/pkg/types"
)

// Run drives an operation to completion: it processes the pending batches
// with bounded parallelism and then completes the operation.
//
// Cancelling ctx, or calling Cancel, stops dispatch of new batches. Batches
// already dispatched finish on a context that is not cancelled, and the
// operation stays Running so it can be resumed. A batch that exhausts its
// retries fails the operation; its tags stay Reindexing.
func (o *Orchestrator) Run(ctx context.Context, operationID string) error {
	dispatch, stop := context.WithCancel(ctx)
	defer stop()

	if !o.running.claim(operationID, stop) {
		return ierrors.Conflict(ierrors.CodeTagBusy, fmt.Sprintf("operation %s is already running", operationID))
	}
	defer o.running.release(operationID)

	op, err := o.store.GetReindexOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Status != types.OperationRunning {
		return nil
	}

	// Finishes a claim that was interrupted after the operation was recorded.
	if _, err := o.store.ConfirmReindexing(ctx, op.TagKeys, op.ID); err != nil {
		return err
	}

	ranges, err := o.EnumerateBatches(ctx, op.ID)
	if err != nil {
		return err
	}

	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallelBatches)
	for _, r := range ranges {
		if dispatch.Err() != nil {
			break
		}
		r := r
		g.Go(func() error {
			if dispatch.Err() != nil {
				return nil
			}
			if err := o.processWithRetry(work, op.ID, r); err != nil {
				stop()
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.fail(work, op.ID, err)
		return err
	}
	if dispatch.Err() != nil {
		o.log.Info().Str("operation", op.ID).Msg("reindex operation paused")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return context.Canceled
	}

	_, err = o.Complete(work, op.ID)
	return err
}

// Go runs the operation in the background. Wait waits for it.
func (o *Orchestrator) Go(ctx context.Context, operationID string) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		o.runLogged(ctx, operationID)
	}()
}

// Wait waits for the operations started with Go.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

func (o *Orchestrator) runLogged(ctx context.Context, operationID string) {
	err := o.Run(ctx, operationID)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case ierrors.GetKind(err) == ierrors.KindConflict:
		o.log.Debug().Str("operation", operationID).Msg("operation already has a runner")
	default:
		o.log.Error().Err(err).Str("operation", operationID).Msg("reindex operation did not complete")
	}
}

// Cancel stops dispatch for an operation run by this process. It reports
// whether the operation was running here.
func (o *Orchestrator) Cancel(operationID string) bool {
	return o.running.cancel(operationID)
}

// Shutdown pauses every operation run by this process and waits for the
// operations started with Go.
func (o *Orchestrator) Shutdown() {
	o.running.cancelAll()
	o.background.Wait()
}

// Running returns the ids of the operations run by this process.
func (o *Orchestrator) Running() []string {
	return o.running.ids()
}

func (o *Orchestrator) processWithRetry(ctx context.Context, operationID string, r types.WatermarkRange) error {
	for attempt := 0; ; attempt++ {
		err := o.ProcessBatch(ctx, operationID, r)
		if err == nil {
			observability.ReindexBatches.WithLabelValues("completed").Inc()
			return nil
		}

		exhausted := attempt >= o.cfg.MaxRetries || !retryable(err)
		if _, rerr := o.store.RecordReindexBatchFailure(ctx, operationID, r, exhausted); rerr != nil {
			o.log.Warn().Err(rerr).Str("operation", operationID).Stringer("range", r).Msg("failed to record batch failure")
		}
		if exhausted {
			observability.ReindexBatches.WithLabelValues("failed").Inc()
			return ierrors.Fatal(fmt.Sprintf("batch %s of operation %s failed after %d attempts", r, operationID, attempt+1), err)
		}

		observability.ReindexBatches.WithLabelValues("retried").Inc()
		backoff := time.Duration(math.Pow(2, float64(attempt))) * o.cfg.RetryBaseDelay
		o.log.Warn().
			Err(err).
			Str("operation", operationID).
			Stringer("range", r).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("batch failed, retrying")
		o.sleep(backoff)
	}
}

// retryable treats errors that carry no kind, such as raw I/O errors, as
// transient.
func retryable(err error) bool {
	return ierrors.IsRetryable(err) || ierrors.GetKind(err) == ""
}

func (o *Orchestrator) fail(ctx context.Context, operationID string, cause error) {
	if err := o.store.SetReindexOperationStatus(ctx, operationID, types.OperationFailed, cause.Error()); err != nil {
		o.log.Error().Err(err).Str("operation", operationID).Msg("failed to mark operation failed")
	}
	observability.ReindexOperations.WithLabelValues("failed").Inc()
	o.log.Error().Err(cause).Str("operation", operationID).Msg("reindex operation failed; tags remain Reindexing")
}
