// Package cleanup purges the objects and index rows of deleted instance
// versions once their delay has passed, and reports how far behind the
// purge is.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/arkilian/dicomindex/internal/observability"
	"github.com/arkilian/dicomindex/pkg/types"
)

// Store is the slice of the index store the sweeper needs.
type Store interface {
	RetrieveDeletedInstances(ctx context.Context, batchSize, maxRetries int) ([]types.DeletedInstance, error)
	DeleteDeletedInstance(ctx context.Context, v types.VersionedInstanceIdentifier) error
	IncrementDeletedInstanceRetry(ctx context.Context, v types.VersionedInstanceIdentifier, cleanupAfter time.Time) (int, error)
	PurgeDeletedTags(ctx context.Context) (int, error)
}

// ObjectDeleter removes stored objects. Deleting a missing object succeeds.
type ObjectDeleter interface {
	Delete(ctx context.Context, v types.VersionedInstanceIdentifier) error
}

// Config holds sweeper settings.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Minute,
		BatchSize:    100,
		MaxRetries:   5,
		RetryBackoff: 10 * time.Minute,
	}
}

// SweepResult holds the outcome of one sweep.
type SweepResult struct {
	Purged     int
	Failed     int
	PurgedTags int
}

// Sweeper periodically purges due deletions.
type Sweeper struct {
	cfg     Config
	store   Store
	objects ObjectDeleter
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg Config, store Store, objects ObjectDeleter) *Sweeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &Sweeper{
		cfg:     cfg,
		store:   store,
		objects: objects,
		log:     logging.Component("cleanup"),
		now:     time.Now,
	}
}

// Start begins the sweep loop. It runs until the context is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cleanup: sweeper is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})

	go s.run(ctx)
	return nil
}

// Stop stops the loop and waits for the current sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	<-s.done
	s.running = false
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error().Err(err).Msg("sweep failed")
				}
				continue
			}
			if result.Purged > 0 || result.Failed > 0 || result.PurgedTags > 0 {
				s.log.Info().
					Int("purged", result.Purged).
					Int("failed", result.Failed).
					Int("purged_tags", result.PurgedTags).
					Msg("sweep completed")
			}
		}
	}
}

// Sweep purges due deletions batch by batch, then finishes interrupted tag
// deletes. A deletion that fails is pushed back by the retry backoff.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	for ctx.Err() == nil {
		batch, err := s.store.RetrieveDeletedInstances(ctx, s.cfg.BatchSize, s.cfg.MaxRetries)
		if err != nil {
			return result, fmt.Errorf("cleanup: failed to retrieve deleted instances: %w", err)
		}

		purged := 0
		for _, d := range batch {
			if ctx.Err() != nil {
				break
			}
			if s.purge(ctx, d) {
				purged++
			} else {
				result.Failed++
			}
		}
		result.Purged += purged

		// A short batch drained the queue; a batch without progress would
		// only return the same rows again.
		if len(batch) < s.cfg.BatchSize || purged == 0 {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	n, err := s.store.PurgeDeletedTags(ctx)
	if err != nil {
		return result, fmt.Errorf("cleanup: failed to purge deleted tags: %w", err)
	}
	result.PurgedTags = n
	return result, nil
}

func (s *Sweeper) purge(ctx context.Context, d types.DeletedInstance) bool {
	v := d.VersionedInstanceIdentifier
	err := s.objects.Delete(ctx, v)
	if err == nil {
		err = s.store.DeleteDeletedInstance(ctx, v)
	}
	if err == nil {
		observability.CleanupResults.WithLabelValues("purged").Inc()
		return true
	}

	observability.CleanupResults.WithLabelValues("failed").Inc()
	retries, rerr := s.store.IncrementDeletedInstanceRetry(ctx, v, s.now().Add(s.cfg.RetryBackoff))
	if rerr != nil {
		s.log.Warn().Err(rerr).Stringer("instance", v).Msg("failed to reschedule deletion")
	}
	s.log.Warn().Err(err).Stringer("instance", v).Int("retries", retries).Msg("failed to purge deleted instance")
	return false
}
