package querytag

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/arkilian/dicomindex/internal/indexstore"
	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/arkilian/dicomindex/pkg/types"
)

// Reindexer starts and runs reindex operations.
type Reindexer interface {
	Start(ctx context.Context, keys []int64) (*types.ReindexOperation, error)
	Go(ctx context.Context, operationID string)
}

// Service adds, lists and removes extended query tags.
type Service struct {
	store           indexstore.ExtendedQueryTagStore
	reindexer       Reindexer
	cache           *Cache
	maxAllowedCount int
	log             zerolog.Logger

	// runCtx outlives the requests that start operations.
	runCtx context.Context
}

// NewService creates a tag service. Operations it starts run on runCtx.
func NewService(runCtx context.Context, store indexstore.ExtendedQueryTagStore, reindexer Reindexer, cache *Cache, maxAllowedCount int) *Service {
	return &Service{
		store:           store,
		reindexer:       reindexer,
		cache:           cache,
		maxAllowedCount: maxAllowedCount,
		log:             logging.Component("querytag"),
		runCtx:          runCtx,
	}
}

// AddExtendedQueryTags validates and adds tags, then starts the operation
// that indexes them for the instances already stored. It returns the
// operation, which keeps running in the background.
func (s *Service) AddExtendedQueryTags(ctx context.Context, entries []types.ExtendedQueryTagEntry) (*types.ReindexOperation, error) {
	tags, err := Normalize(entries)
	if err != nil {
		return nil, err
	}

	keys, err := s.store.Add(ctx, tags, s.maxAllowedCount, false)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate()

	op, err := s.reindexer.Start(ctx, keys)
	if err != nil {
		return nil, err
	}
	s.reindexer.Go(s.runCtx, op.ID)

	s.log.Info().Str("operation", op.ID).Int("tags", len(keys)).Msg("extended query tags added")
	return op, nil
}

// GetExtendedQueryTag returns one tag by path.
func (s *Service) GetExtendedQueryTag(ctx context.Context, path string) (*types.ExtendedQueryTag, error) {
	path, err := canonicalPath(path)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, path)
}

// ListExtendedQueryTags returns every tag that is not being deleted.
func (s *Service) ListExtendedQueryTags(ctx context.Context) ([]types.ExtendedQueryTag, error) {
	return s.store.GetAll(ctx)
}

// GetErrors pages through the extraction errors of a tag.
func (s *Service) GetErrors(ctx context.Context, path string, limit, offset int) ([]types.ExtendedQueryTagError, error) {
	path, err := canonicalPath(path)
	if err != nil {
		return nil, err
	}
	return s.store.GetErrors(ctx, path, limit, offset)
}

// UpdateQueryStatus enables or disables querying on a Ready tag.
func (s *Service) UpdateQueryStatus(ctx context.Context, path string, enabled bool) (*types.ExtendedQueryTag, error) {
	path, err := canonicalPath(path)
	if err != nil {
		return nil, err
	}
	status := types.QueryDisabled
	if enabled {
		status = types.QueryEnabled
	}
	tag, err := s.store.UpdateQueryStatus(ctx, path, status)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate()
	return tag, nil
}

// DeleteExtendedQueryTag removes a tag and its values.
func (s *Service) DeleteExtendedQueryTag(ctx context.Context, path string) error {
	path, err := canonicalPath(path)
	if err != nil {
		return err
	}
	defer s.cache.Invalidate()
	return s.store.Delete(ctx, path)
}

// canonicalPath accepts a keyword or tag and returns the stored path form.
func canonicalPath(path string) (string, error) {
	tags, err := types.ParseTagPath(path)
	if err != nil || len(tags) != 1 {
		return "", invalid(path, "the path is not a tag or keyword")
	}
	return tags[0].String(), nil
}
