package querytag

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/internal/indexstore"
	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/arkilian/dicomindex/internal/reindex"
	"github.com/arkilian/dicomindex/pkg/types"
)

type noObjects struct{}

func (noObjects) Get(context.Context, types.VersionedInstanceIdentifier) ([]byte, error) {
	return nil, errors.New("no objects")
}

func (noObjects) Decode([]byte) (*types.Dataset, error) {
	return nil, errors.New("no objects")
}

func newService(t *testing.T) (*Service, *indexstore.Store, *reindex.Orchestrator) {
	t.Helper()
	logging.Discard()
	s, err := indexstore.Open(filepath.Join(t.TempDir(), "index.db"), indexstore.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	orch := reindex.NewOrchestrator(reindex.DefaultConfig(), s, noObjects{}, noObjects{})
	t.Cleanup(orch.Shutdown)
	return NewService(context.Background(), s, orch, NewCache(s, time.Minute), 5), s, orch
}

func TestService_AddRunsReindexToReady(t *testing.T) {
	svc, _, orch := newService(t)
	ctx := context.Background()

	op, err := svc.AddExtendedQueryTags(ctx, []types.ExtendedQueryTagEntry{
		{Path: "DeviceSerialNumber", Level: "Series"},
		{Path: "InstanceNumber", Level: "Instance"},
	})
	require.NoError(t, err)
	assert.Len(t, op.TagKeys, 2)
	orch.Wait()

	tag, err := svc.GetExtendedQueryTag(ctx, "DeviceSerialNumber")
	require.NoError(t, err)
	assert.Equal(t, types.TagReady, tag.Status)

	queryable, err := svc.cache.GetQueryable(ctx)
	require.NoError(t, err)
	assert.Len(t, queryable, 2, "adding a tag invalidates the cached queryable set")

	_, err = svc.AddExtendedQueryTags(ctx, []types.ExtendedQueryTagEntry{{Path: "00181000", Level: "Series"}})
	assert.ErrorIs(t, err, ierrors.ErrAlreadyExists)
}

func TestService_AddRejectsInvalidEntriesBeforeWriting(t *testing.T) {
	svc, s, _ := newService(t)
	ctx := context.Background()

	_, err := svc.AddExtendedQueryTags(ctx, []types.ExtendedQueryTagEntry{
		{Path: "DeviceSerialNumber", Level: "Series"},
		{Path: "PatientName", Level: "Study"},
	})
	require.ErrorIs(t, err, ierrors.ErrValidation)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestService_AddRespectsMaxCount(t *testing.T) {
	svc, _, _ := newService(t)
	entries := []types.ExtendedQueryTagEntry{
		{Path: "DeviceSerialNumber", Level: "Series"},
		{Path: "InstanceNumber", Level: "Instance"},
		{Path: "SeriesNumber", Level: "Series"},
		{Path: "BodyPartExamined", Level: "Series"},
		{Path: "ProtocolName", Level: "Series"},
		{Path: "Manufacturer", Level: "Series"},
	}
	_, err := svc.AddExtendedQueryTags(context.Background(), entries)
	assert.ErrorIs(t, err, ierrors.ErrResourceExhausted)
}

func TestService_QueryStatusAndDelete(t *testing.T) {
	svc, _, orch := newService(t)
	ctx := context.Background()

	_, err := svc.AddExtendedQueryTags(ctx, []types.ExtendedQueryTagEntry{{Path: "DeviceSerialNumber", Level: "Series"}})
	require.NoError(t, err)
	orch.Wait()

	queryable, err := svc.cache.GetQueryable(ctx)
	require.NoError(t, err)
	require.Len(t, queryable, 1)

	tag, err := svc.UpdateQueryStatus(ctx, "00181000", false)
	require.NoError(t, err)
	assert.Equal(t, types.QueryDisabled, tag.QueryStatus)
	queryable, err = svc.cache.GetQueryable(ctx)
	require.NoError(t, err)
	assert.Empty(t, queryable)

	require.NoError(t, svc.DeleteExtendedQueryTag(ctx, "DeviceSerialNumber"))
	_, err = svc.GetExtendedQueryTag(ctx, "DeviceSerialNumber")
	assert.ErrorIs(t, err, ierrors.ErrNotFound)

	_, err = svc.GetErrors(ctx, "Not.A.Tag", 10, 0)
	assert.ErrorIs(t, err, ierrors.ErrValidation)
}
