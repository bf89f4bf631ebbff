package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/dicomindex/internal/blob"
	"github.com/arkilian/dicomindex/internal/dicomjson"
	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/internal/indexstore"
	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/arkilian/dicomindex/internal/notify"
	"github.com/arkilian/dicomindex/internal/query"
	"github.com/arkilian/dicomindex/internal/query/parser"
	"github.com/arkilian/dicomindex/pkg/types"
)

var tagDeviceSerial = types.NewTag(0x0018, 0x1000)

// hookedBlobs runs beforePut ahead of every write to the wrapped store.
type hookedBlobs struct {
	blob.Store
	mu        sync.Mutex
	beforePut func(v types.VersionedInstanceIdentifier) error
}

func (h *hookedBlobs) Put(ctx context.Context, v types.VersionedInstanceIdentifier, data []byte) error {
	h.mu.Lock()
	hook := h.beforePut
	h.mu.Unlock()
	if hook != nil {
		if err := hook(v); err != nil {
			return err
		}
	}
	return h.Store.Put(ctx, v, data)
}

// staleStore fails every EndCreate with OutOfDate.
type staleStore struct {
	*indexstore.Store
	endCreates int
}

func (s *staleStore) EndCreate(context.Context, int, int64, *types.Dataset, types.TagSnapshot, bool) error {
	s.endCreates++
	return ierrors.OutOfDate("tags changed")
}

type fixture struct {
	store *indexstore.Store
	blobs *hookedBlobs
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logging.Discard()
	dir := t.TempDir()

	s, err := indexstore.Open(filepath.Join(dir, "index.db"), indexstore.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	local, err := blob.NewLocalStore(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	f := &fixture{store: s, blobs: &hookedBlobs{Store: local}}
	f.svc = NewService(Config{MaxRetriesWhenTagVersionMismatch: 3, DeleteDelay: time.Hour}, s, f.blobs, dicomjson.Codec{})
	return f
}

func encodeInstance(t *testing.T, sop, serial, patientID string) []byte {
	t.Helper()
	data, err := dicomjson.Encode(types.NewDataset(
		types.Element{Tag: types.TagStudyInstanceUID, VR: types.VRUI, Values: []string{"1.2"}},
		types.Element{Tag: types.TagSeriesInstanceUID, VR: types.VRUI, Values: []string{"1.2.3"}},
		types.Element{Tag: types.TagSOPInstanceUID, VR: types.VRUI, Values: []string{sop}},
		types.Element{Tag: types.TagPatientID, VR: types.VRLO, Values: []string{patientID}},
		types.Element{Tag: tagDeviceSerial, VR: types.VRLO, Values: []string{serial}},
	))
	require.NoError(t, err)
	return data
}

func instanceID(sop string) types.InstanceIdentifier {
	return types.InstanceIdentifier{
		PartitionKey:      types.DefaultPartitionKey,
		StudyInstanceUID:  "1.2",
		SeriesInstanceUID: "1.2.3",
		SOPInstanceUID:    sop,
	}
}

func (f *fixture) seriesBySerial(t *testing.T, serial string) int {
	t.Helper()
	ctx := context.Background()
	tags, err := f.store.GetQueryable(ctx)
	require.NoError(t, err)
	expr, err := parser.NewParser(0, 0).Parse(parser.Parameters{
		Resource: query.ResourceAllSeries,
		Filters:  []parser.Filter{{Key: "DeviceSerialNumber", Value: serial}},
	}, tags)
	require.NoError(t, err)
	got, err := f.store.Query(ctx, expr)
	require.NoError(t, err)
	return len(got)
}

func TestService_StoreAndRetrieve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := encodeInstance(t, "1.2.3.4", "SN-1", "P1")

	v, err := f.svc.StoreInstance(ctx, types.DefaultPartitionKey, data)
	require.NoError(t, err)
	assert.Equal(t, instanceID("1.2.3.4"), v.InstanceIdentifier)
	assert.Positive(t, v.Version)

	got, md, err := f.svc.RetrieveInstance(ctx, instanceID("1.2.3.4"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, types.InstanceCreated, md.Status)

	_, err = f.svc.StoreInstance(ctx, types.DefaultPartitionKey, data)
	assert.ErrorIs(t, err, ierrors.ErrAlreadyExists)
}

func TestService_StoreRejectsUnidentifiedDataset(t *testing.T) {
	f := newFixture(t)
	data, err := dicomjson.Encode(types.NewDataset(
		types.Element{Tag: types.TagStudyInstanceUID, VR: types.VRUI, Values: []string{"1.2"}},
	))
	require.NoError(t, err)

	_, err = f.svc.StoreInstance(context.Background(), types.DefaultPartitionKey, data)
	assert.ErrorIs(t, err, ierrors.ErrValidation)

	_, err = f.svc.StoreInstance(context.Background(), types.DefaultPartitionKey, []byte("{not json"))
	assert.ErrorIs(t, err, ierrors.ErrValidation)
}

func TestService_FailedPutAbandonsCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := encodeInstance(t, "1.2.3.5", "SN-2", "P1")

	f.blobs.beforePut = func(types.VersionedInstanceIdentifier) error {
		return ierrors.Transient(ierrors.CodeBlobUnavailable, "object store down", errors.New("connection refused"))
	}
	_, err := f.svc.StoreInstance(ctx, types.DefaultPartitionKey, data)
	require.ErrorIs(t, err, ierrors.ErrTransient)

	_, err = f.store.GetInstance(ctx, instanceID("1.2.3.5"))
	assert.ErrorIs(t, err, ierrors.ErrNotFound, "the Creating row must be abandoned")

	f.blobs.beforePut = nil
	_, err = f.svc.StoreInstance(ctx, types.DefaultPartitionKey, data)
	require.NoError(t, err, "the identity is free again after the abandoned write")
}

func TestService_StoreRetriesWithFreshSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A ready tag added while the object is written makes the first
	// EndCreate stale.
	f.blobs.beforePut = func(types.VersionedInstanceIdentifier) error {
		_, err := f.store.Add(ctx, []types.ExtendedQueryTag{
			{Path: "00181000", VR: types.VRLO, Level: types.LevelSeries},
		}, 10, true)
		return err
	}
	_, err := f.svc.StoreInstance(ctx, types.DefaultPartitionKey, encodeInstance(t, "1.2.3.6", "SN-3", "P1"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.seriesBySerial(t, "SN-3"), "the retry indexes the tag added mid-write")
}

func TestService_StoreGivesUpAfterRepeatedMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := &staleStore{Store: f.store}
	svc := NewService(Config{MaxRetriesWhenTagVersionMismatch: 3}, stale, f.blobs, dicomjson.Codec{})

	v, err := svc.StoreInstance(ctx, types.DefaultPartitionKey, encodeInstance(t, "1.2.3.7", "SN-4", "P1"))
	require.ErrorIs(t, err, ierrors.ErrOutOfDate)
	assert.Equal(t, 4, stale.endCreates, "one attempt plus three retries")

	exists, err := f.blobs.Exists(ctx, v)
	require.NoError(t, err)
	assert.False(t, exists, "the object of an abandoned write is removed")
	_, err = f.store.GetInstance(ctx, instanceID("1.2.3.7"))
	assert.ErrorIs(t, err, ierrors.ErrNotFound)
}

func TestService_UpdateInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, err := f.svc.StoreInstance(ctx, types.DefaultPartitionKey, encodeInstance(t, "1.2.3.8", "SN-5", "OLD"))
	require.NoError(t, err)

	updated := encodeInstance(t, "1.2.3.8", "SN-5", "NEW")
	v2, err := f.svc.UpdateInstance(ctx, types.DefaultPartitionKey, v1.Version, updated)
	require.NoError(t, err)
	assert.Greater(t, v2.Version, v1.Version)

	got, md, err := f.svc.RetrieveInstance(ctx, instanceID("1.2.3.8"))
	require.NoError(t, err)
	assert.Equal(t, updated, got)
	assert.Equal(t, v2.Version, md.Version)

	exists, err := f.blobs.Exists(ctx, v1)
	require.NoError(t, err)
	assert.True(t, exists, "the previous object is left for the cleanup sweeper")

	_, err = f.svc.UpdateInstance(ctx, types.DefaultPartitionKey, v1.Version, updated)
	assert.ErrorIs(t, err, ierrors.ErrConflict, "a stale expected watermark loses")
	assert.Equal(t, ierrors.CodeWatermarkMismatch, ierrors.GetCode(err))

	_, err = f.svc.UpdateInstance(ctx, types.DefaultPartitionKey, v2.Version+100, encodeInstance(t, "1.2.3.99", "SN-5", "NEW"))
	assert.ErrorIs(t, err, ierrors.ErrNotFound, "an unknown instance is not a conflict")
}

func TestService_UpdateRejectsDifferentIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, err := f.svc.StoreInstance(ctx, types.DefaultPartitionKey, encodeInstance(t, "1.2.3.9", "SN-6", "P1"))
	require.NoError(t, err)

	_, err = f.svc.UpdateInstance(ctx, types.DefaultPartitionKey, v1.Version, encodeInstance(t, "1.2.3.10", "SN-6", "P1"))
	assert.Equal(t, ierrors.CodeInvalidIdentifier, ierrors.GetCode(err))
}

func TestService_FailedUpdatePutKeepsCurrentVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, err := f.svc.StoreInstance(ctx, types.DefaultPartitionKey, encodeInstance(t, "1.2.3.11", "SN-7", "P1"))
	require.NoError(t, err)

	f.blobs.beforePut = func(types.VersionedInstanceIdentifier) error {
		return ierrors.Transient(ierrors.CodeBlobUnavailable, "object store down", nil)
	}
	_, err = f.svc.UpdateInstance(ctx, types.DefaultPartitionKey, v1.Version, encodeInstance(t, "1.2.3.11", "SN-7", "P2"))
	require.Error(t, err)

	md, err := f.store.GetInstance(ctx, instanceID("1.2.3.11"))
	require.NoError(t, err)
	assert.Equal(t, v1.Version, md.Version)
}

func TestService_DeleteSchedulesCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	f.store.SetClock(func() time.Time { return now })

	for _, sop := range []string{"1.2.3.12", "1.2.3.13"} {
		_, err := f.svc.StoreInstance(ctx, types.DefaultPartitionKey, encodeInstance(t, sop, "SN-8", "P1"))
		require.NoError(t, err)
	}

	deleted, err := f.svc.DeleteSeries(ctx, types.DefaultPartitionKey, "1.2", "1.2.3")
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	due, err := f.store.RetrieveDeletedInstances(ctx, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, due, "deletions wait for the configured delay")

	f.store.SetClock(func() time.Time { return now.Add(time.Hour + time.Second) })
	due, err = f.store.RetrieveDeletedInstances(ctx, 10, 3)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	_, err = f.svc.DeleteStudy(ctx, types.DefaultPartitionKey, "1.2")
	assert.ErrorIs(t, err, ierrors.ErrNotFound)
}

func TestService_AnnouncesCommittedWrites(t *testing.T) {
	f := newFixture(t)
	events := notify.NewNotifier(8)
	sub := events.Subscribe()
	f.svc.WithNotifier(events)
	ctx := context.Background()
	data := encodeInstance(t, "1.2.3.4", "SN-1", "P1")

	v, err := f.svc.StoreInstance(ctx, types.DefaultPartitionKey, data)
	require.NoError(t, err)
	_, err = f.svc.StoreInstance(ctx, types.DefaultPartitionKey, data)
	require.Error(t, err)
	_, err = f.svc.DeleteInstance(ctx, instanceID("1.2.3.4"))
	require.NoError(t, err)

	require.Len(t, sub.C, 2, "failed writes are not announced")
	e := <-sub.C
	assert.Equal(t, notify.InstanceStored, e.Type)
	assert.Equal(t, v, e.Instance)
	e = <-sub.C
	assert.Equal(t, notify.InstanceDeleted, e.Type)
	assert.Equal(t, v.Version, e.Instance.Version)
}
