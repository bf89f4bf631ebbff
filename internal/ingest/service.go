// Package ingest stores, updates and deletes instances by coordinating the
// index store with the object store.
//
// A new instance is first indexed as Creating, then its object is written,
// then the row is published as Created. A failure between the steps leaves
// no visible instance: the Creating row is abandoned and the object removed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/arkilian/dicomindex/internal/blob"
	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/internal/indexstore"
	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/arkilian/dicomindex/internal/notify"
	"github.com/arkilian/dicomindex/internal/observability"
	"github.com/arkilian/dicomindex/pkg/types"
)

// Store is the slice of the index store the service writes through.
type Store interface {
	indexstore.InstanceStore
	indexstore.IndexDataStore
	GetSnapshot(ctx context.Context) (types.TagSnapshot, error)
}

// SnapshotSource reads the tags a writer must index.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context) (types.TagSnapshot, error)
}

// Decoder parses an uploaded object into a dataset.
type Decoder interface {
	Decode(data []byte) (*types.Dataset, error)
}

// Config holds ingest settings.
type Config struct {
	// MaxRetriesWhenTagVersionMismatch bounds how often a write is retried
	// with a fresh tag snapshot after tags were added concurrently.
	MaxRetriesWhenTagVersionMismatch int

	// DeleteDelay postpones the purge of deleted objects.
	DeleteDelay time.Duration
}

// DefaultConfig returns the default ingest configuration.
func DefaultConfig() Config {
	return Config{MaxRetriesWhenTagVersionMismatch: 3}
}

// Service implements the instance write paths.
type Service struct {
	cfg     Config
	store   Store
	blobs   blob.Store
	decoder Decoder
	tags    SnapshotSource
	events  *notify.Notifier
	log     zerolog.Logger
	now     func() time.Time
}

// NewService creates an ingest service.
func NewService(cfg Config, store Store, blobs blob.Store, decoder Decoder) *Service {
	if cfg.MaxRetriesWhenTagVersionMismatch < 0 {
		cfg.MaxRetriesWhenTagVersionMismatch = 0
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		blobs:   blobs,
		decoder: decoder,
		tags:    store,
		log:     logging.Component("ingest"),
		now:     time.Now,
	}
}

// WithSnapshots reads tag snapshots from src instead of the store.
func (s *Service) WithSnapshots(src SnapshotSource) *Service {
	s.tags = src
	return s
}

// WithNotifier announces committed writes on n.
func (s *Service) WithNotifier(n *notify.Notifier) *Service {
	s.events = n
	return s
}

// StoreInstance indexes and stores a new instance and returns its version.
func (s *Service) StoreInstance(ctx context.Context, partitionKey int, data []byte) (v types.VersionedInstanceIdentifier, err error) {
	defer func() { record("store", err) }()

	ds, id, err := s.decode(data, partitionKey)
	if err != nil {
		return v, err
	}
	snapshot, err := s.tags.GetSnapshot(ctx)
	if err != nil {
		return v, err
	}

	w, err := s.store.BeginCreate(ctx, partitionKey, ds, snapshot)
	if err != nil {
		return v, err
	}
	v = types.NewVersionedInstanceIdentifier(id, w)

	if err = s.blobs.Put(ctx, v, data); err != nil {
		s.abandon(ctx, v)
		return v, err
	}

	err = s.withFreshSnapshot(ctx, snapshot, func(snapshot types.TagSnapshot) error {
		return s.store.EndCreate(ctx, partitionKey, w, ds, snapshot, false)
	})
	if err != nil {
		s.abandon(ctx, v)
		return v, err
	}

	s.log.Debug().Stringer("instance", v).Msg("instance stored")
	s.announce(notify.InstanceStored, v)
	return v, nil
}

// UpdateInstance replaces the stored version at expectedWatermark with data,
// which must identify the same instance. The previous object is left for
// the cleanup sweeper.
func (s *Service) UpdateInstance(ctx context.Context, partitionKey int, expectedWatermark int64, data []byte) (v types.VersionedInstanceIdentifier, err error) {
	defer func() { record("update", err) }()

	ds, id, err := s.decode(data, partitionKey)
	if err != nil {
		return v, err
	}
	current, err := s.store.BeginUpdate(ctx, partitionKey, expectedWatermark)
	if errors.Is(err, ierrors.ErrNotFound) {
		if live, lerr := s.store.GetInstance(ctx, id); lerr == nil {
			return v, ierrors.Newf(ierrors.KindConflict, ierrors.CodeWatermarkMismatch,
				"instance %s is at watermark %d, expected %d", id, live.Version, expectedWatermark)
		}
	}
	if err != nil {
		return v, err
	}
	if current.InstanceIdentifier != id {
		return v, ierrors.Newf(ierrors.KindValidation, ierrors.CodeInvalidIdentifier,
			"dataset identifies %s but watermark %d belongs to %s", id, expectedWatermark, current.InstanceIdentifier)
	}

	w, err := s.store.ReserveWatermark(ctx)
	if err != nil {
		return v, err
	}
	v = types.NewVersionedInstanceIdentifier(id, w)
	if err = s.blobs.Put(ctx, v, data); err != nil {
		s.deleteObject(ctx, v)
		return v, err
	}

	snapshot, err := s.tags.GetSnapshot(ctx)
	if err == nil {
		err = s.withFreshSnapshot(ctx, snapshot, func(snapshot types.TagSnapshot) error {
			return s.store.EndUpdate(ctx, partitionKey, expectedWatermark, w, ds, snapshot)
		})
	}
	if err != nil {
		s.deleteObject(ctx, v)
		return v, err
	}

	s.log.Debug().Stringer("instance", v).Int64("previous", expectedWatermark).Msg("instance updated")
	s.announce(notify.InstanceUpdated, v)
	return v, nil
}

// RetrieveInstance returns the stored object of the current version of id.
func (s *Service) RetrieveInstance(ctx context.Context, id types.InstanceIdentifier) ([]byte, *types.InstanceMetadata, error) {
	md, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blobs.Get(ctx, md.VersionedInstanceIdentifier)
	if err != nil {
		return nil, nil, err
	}
	return data, md, nil
}

// DeleteStudy soft-deletes every instance of a study.
func (s *Service) DeleteStudy(ctx context.Context, partitionKey int, studyUID string) ([]types.VersionedInstanceIdentifier, error) {
	deleted, err := s.store.DeleteStudyIndex(ctx, partitionKey, studyUID, s.cleanupAfter())
	record("delete", err)
	s.announce(notify.InstanceDeleted, deleted...)
	return deleted, err
}

// DeleteSeries soft-deletes every instance of a series.
func (s *Service) DeleteSeries(ctx context.Context, partitionKey int, studyUID, seriesUID string) ([]types.VersionedInstanceIdentifier, error) {
	deleted, err := s.store.DeleteSeriesIndex(ctx, partitionKey, studyUID, seriesUID, s.cleanupAfter())
	record("delete", err)
	s.announce(notify.InstanceDeleted, deleted...)
	return deleted, err
}

// DeleteInstance soft-deletes one instance.
func (s *Service) DeleteInstance(ctx context.Context, id types.InstanceIdentifier) ([]types.VersionedInstanceIdentifier, error) {
	deleted, err := s.store.DeleteInstanceIndex(ctx, id, s.cleanupAfter())
	record("delete", err)
	s.announce(notify.InstanceDeleted, deleted...)
	return deleted, err
}

func (s *Service) announce(typ notify.EventType, versions ...types.VersionedInstanceIdentifier) {
	if s.events == nil {
		return
	}
	for _, v := range versions {
		s.events.Publish(notify.Event{Type: typ, Instance: v})
	}
}

func (s *Service) cleanupAfter() time.Time {
	return s.now().Add(s.cfg.DeleteDelay)
}

func (s *Service) decode(data []byte, partitionKey int) (*types.Dataset, types.InstanceIdentifier, error) {
	ds, err := s.decoder.Decode(data)
	if err != nil {
		return nil, types.InstanceIdentifier{}, err
	}
	id, err := ds.Identifier(partitionKey)
	if err != nil {
		return nil, types.InstanceIdentifier{}, ierrors.Wrap(ierrors.KindValidation, ierrors.CodeInvalidIdentifier,
			"dataset does not identify an instance", err)
	}
	return ds, id, nil
}

// withFreshSnapshot runs publish and, while it fails with OutOfDate, runs it
// again with a newly read snapshot.
func (s *Service) withFreshSnapshot(ctx context.Context, snapshot types.TagSnapshot, publish func(types.TagSnapshot) error) error {
	for attempt := 0; ; attempt++ {
		err := publish(snapshot)
		if ierrors.GetKind(err) != ierrors.KindOutOfDate {
			return err
		}
		if attempt >= s.cfg.MaxRetriesWhenTagVersionMismatch {
			return fmt.Errorf("tags kept changing after %d retries: %w", attempt, err)
		}
		s.log.Debug().Int("attempt", attempt+1).Msg("extended query tags changed, retrying with a fresh snapshot")
		if snapshot, err = s.tags.GetSnapshot(ctx); err != nil {
			return err
		}
	}
}

// abandon removes the Creating row and the object of a failed store.
func (s *Service) abandon(ctx context.Context, v types.VersionedInstanceIdentifier) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.AbandonCreate(ctx, v.PartitionKey, v.Version); err != nil && ierrors.GetKind(err) != ierrors.KindNotFound {
		s.log.Warn().Err(err).Stringer("instance", v).Msg("failed to abandon creating instance")
	}
	s.deleteObject(ctx, v)
}

func (s *Service) deleteObject(ctx context.Context, v types.VersionedInstanceIdentifier) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), v); err != nil {
		s.log.Warn().Err(err).Stringer("instance", v).Msg("failed to delete orphaned object")
	}
}

func record(operation string, err error) {
	result := "ok"
	if err != nil {
		result = string(ierrors.GetKind(err))
		if result == "" {
			result = "error"
		}
	}
	observability.IngestResults.WithLabelValues(operation, result).Inc()
}
