// Package changefeed reads the change feed for clients and relays it to a
// message broker.
package changefeed

import (
	"context"
	"fmt"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/internal/indexstore"
	"github.com/arkilian/dicomindex/pkg/types"
)

const (
	DefaultLimit = 100
	MaxLimit     = 200
)

// Reader serves change feed pages with validated paging parameters.
type Reader struct {
	store indexstore.ChangeFeedStore
}

// NewReader creates a reader over store.
func NewReader(store indexstore.ChangeFeedStore) *Reader {
	return &Reader{store: store}
}

// GetLatest returns the newest entry in the given order, or nil for an
// empty feed.
func (r *Reader) GetLatest(ctx context.Context, order types.ChangeFeedOrder) (*types.ChangeFeedEntry, error) {
	return r.store.GetChangeFeedLatest(ctx, order)
}

// GetPage returns entries of the feed. A zero limit selects DefaultLimit.
func (r *Reader) GetPage(ctx context.Context, window types.TimeRange, offset, limit int64, order types.ChangeFeedOrder) ([]types.ChangeFeedEntry, error) {
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, ierrors.Validation(ierrors.CodeInvalidQueryParam,
			fmt.Sprintf("limit must be between 1 and %d, got %d", MaxLimit, limit))
	}
	return r.store.GetChangeFeedPage(ctx, window, offset, limit, order)
}
