package reindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/internal/indexstore"
	"github.com/arkilian/dicomindex/internal/logging"
	"github.com/arkilian/dicomindex/internal/query"
	"github.com/arkilian/dicomindex/internal/query/parser"
	"github.com/arkilian/dicomindex/internal/querytag"
	"github.com/arkilian/dicomindex/pkg/types"
)

var tagDeviceSerial = types.NewTag(0x0018, 0x1000)

// memObjects serves datasets keyed by watermark. The object bytes are the
// watermark itself, which memDecoder maps back to the dataset.
type memObjects struct {
	mu       sync.Mutex
	datasets map[int64]*types.Dataset
	fail     func(v types.VersionedInstanceIdentifier) error
	reads    int
}

func (m *memObjects) Get(_ context.Context, v types.VersionedInstanceIdentifier) ([]byte, error) {
	m.mu.Lock()
	m.reads++
	fail := m.fail
	m.mu.Unlock()
	if fail != nil {
		if err := fail(v); err != nil {
			return nil, err
		}
	}
	return []byte(strconv.FormatInt(v.Version, 10)), nil
}

type memDecoder struct {
	objects    *memObjects
	unreadable map[int64]bool
}

func (d memDecoder) Decode(data []byte) (*types.Dataset, error) {
	w, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return nil, err
	}
	if d.unreadable[w] {
		return nil, fmt.Errorf("truncated object")
	}
	d.objects.mu.Lock()
	defer d.objects.mu.Unlock()
	ds, ok := d.objects.datasets[w]
	if !ok {
		return nil, fmt.Errorf("no object %d", w)
	}
	return ds, nil
}

type fixture struct {
	store   *indexstore.Store
	objects *memObjects
	decoder memDecoder
	orch    *Orchestrator
	sleeps  []time.Duration
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logging.Discard()

	s, err := indexstore.Open(filepath.Join(t.TempDir(), "index.db"), indexstore.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, objects: &memObjects{datasets: make(map[int64]*types.Dataset)}}
	f.decoder = memDecoder{objects: f.objects, unreadable: make(map[int64]bool)}
	f.orch = NewOrchestrator(cfg, s, f.objects, f.decoder)
	f.orch.sleep = func(d time.Duration) { f.sleeps = append(f.sleeps, d) }
	return f
}

// seed stores n instances of one study, each in its own series with its
// own device serial number.
func (f *fixture) seed(t *testing.T, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	var out []int64
	for i := 0; i < n; i++ {
		ds := types.NewDataset(
			types.Element{Tag: types.TagStudyInstanceUID, VR: types.VRUI, Values: []string{"1.2"}},
			types.Element{Tag: types.TagSeriesInstanceUID, VR: types.VRUI, Values: []string{fmt.Sprintf("1.2.%d", i)}},
			types.Element{Tag: types.TagSOPInstanceUID, VR: types.VRUI, Values: []string{fmt.Sprintf("1.2.%d.1", i)}},
			types.Element{Tag: tagDeviceSerial, VR: types.VRLO, Values: []string{fmt.Sprintf("SN-%d", i)}},
		)
		snapshot, err := f.store.GetSnapshot(ctx)
		require.NoError(t, err)
		w, err := f.store.BeginCreate(ctx, types.DefaultPartitionKey, ds, snapshot)
		require.NoError(t, err)
		require.NoError(t, f.store.EndCreate(ctx, types.DefaultPartitionKey, w, ds, snapshot, false))

		f.objects.mu.Lock()
		f.objects.datasets[w] = ds
		f.objects.mu.Unlock()
		out = append(out, w)
	}
	return out
}

func (f *fixture) addTag(t *testing.T) []int64 {
	t.Helper()
	keys, err := f.store.Add(context.Background(), []types.ExtendedQueryTag{
		{Path: "00181000", VR: types.VRLO, Level: types.LevelSeries},
	}, 10, false)
	require.NoError(t, err)
	return keys
}

func (f *fixture) tag(t *testing.T) *types.ExtendedQueryTag {
	t.Helper()
	tag, err := f.store.Get(context.Background(), "00181000")
	require.NoError(t, err)
	return tag
}

// hasSeries reports whether a series query on the device serial number
// finds exactly one series.
func (f *fixture) hasSeries(t *testing.T, serial string) bool {
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
	return len(got) == 1
}

func TestOrchestrator_StartRunComplete(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2, MaxParallelBatches: 2, ThreadsPerBatch: 2})
	ctx := context.Background()
	f.seed(t, 5)
	keys := f.addTag(t)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)
	assert.EqualValues(t, 5, op.Ceiling)
	assert.Equal(t, types.TagReindexing, f.tag(t).Status)

	pending, err := f.orch.EnumerateBatches(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.WatermarkRange{{Start: 4, End: 5}, {Start: 2, End: 3}, {Start: 1, End: 1}}, pending)

	require.NoError(t, f.orch.Run(ctx, op.ID))

	tag := f.tag(t)
	assert.Equal(t, types.TagReady, tag.Status)
	assert.Empty(t, tag.OperationID)
	assert.Zero(t, tag.ErrorCount)
	assert.Equal(t, 5, f.objects.reads)
	assert.True(t, f.hasSeries(t, "SN-3"))

	got, err := f.store.GetReindexOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationCompleted, got.Status)

	again, err := f.orch.Complete(ctx, op.ID)
	require.NoError(t, err)
	assert.Empty(t, again, "completing twice changes nothing")
	assert.NoError(t, f.orch.Run(ctx, op.ID), "running a completed operation is a no-op")
}

func TestOrchestrator_CompleteRefreshesQueryableCache(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	ctx := context.Background()
	f.seed(t, 3)
	keys := f.addTag(t)

	cache := querytag.NewCache(f.store, time.Hour)
	f.orch.OnComplete(cache.Invalidate)
	before, err := cache.GetQueryable(ctx)
	require.NoError(t, err)
	require.Empty(t, before)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, op.ID))

	after, err := cache.GetQueryable(ctx)
	require.NoError(t, err)
	require.Len(t, after, 1, "a completed tag is queryable without waiting for the ttl")
	assert.Equal(t, "00181000", after[0].Path)
}

func TestOrchestrator_StartClaimedTagsAlreadyExists(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.seed(t, 1)
	keys := f.addTag(t)

	_, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)

	_, err = f.orch.Start(ctx, keys)
	assert.ErrorIs(t, err, ierrors.ErrAlreadyExists)

	canceled, err := f.store.ListReindexOperations(ctx, types.OperationCanceled)
	require.NoError(t, err)
	assert.Len(t, canceled, 1, "the unclaimed operation is not left Running")
}

func TestOrchestrator_EmptyIndexCompletesWithoutBatches(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	keys := f.addTag(t)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)
	assert.Zero(t, op.Ceiling)

	require.NoError(t, f.orch.Run(ctx, op.ID))
	assert.Equal(t, types.TagReady, f.tag(t).Status)
}

func TestOrchestrator_UnreadableObjectIsCountedNotFatal(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 10})
	ctx := context.Background()
	ws := f.seed(t, 3)
	f.decoder.unreadable[ws[1]] = true
	keys := f.addTag(t)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, op.ID))

	tag := f.tag(t)
	assert.Equal(t, types.TagReady, tag.Status)
	assert.EqualValues(t, 1, tag.ErrorCount)

	errs, err := f.store.GetErrors(ctx, "00181000", 10, 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, indexstore.ErrorCodeUnreadableDataset, errs[0].ErrorCode)
}

func TestOrchestrator_DeletedObjectIsSkipped(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 10})
	ctx := context.Background()
	ws := f.seed(t, 2)
	f.objects.fail = func(v types.VersionedInstanceIdentifier) error {
		if v.Version == ws[0] {
			return ierrors.NotFound(ierrors.CodeObjectNotFound, "gone")
		}
		return nil
	}
	keys := f.addTag(t)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, op.ID))
	assert.Equal(t, types.TagReady, f.tag(t).Status)
	assert.Zero(t, f.tag(t).ErrorCount)
}

func TestOrchestrator_TransientFailureIsRetriedWithBackoff(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 10, ThreadsPerBatch: 1, MaxRetries: 3, RetryBaseDelay: 10 * time.Millisecond})
	ctx := context.Background()
	ws := f.seed(t, 2)

	var failures int
	f.objects.fail = func(v types.VersionedInstanceIdentifier) error {
		if v.Version == ws[0] && failures < 2 {
			failures++
			return ierrors.Transient(ierrors.CodeBlobUnavailable, "blob store unavailable", errors.New("connection reset"))
		}
		return nil
	}
	keys := f.addTag(t)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, op.ID))

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, f.sleeps)
	assert.Equal(t, types.TagReady, f.tag(t).Status)

	batches, err := f.store.GetReindexBatches(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, types.BatchCompleted, batches[0].Status)
	assert.Equal(t, 2, batches[0].Attempts)
}

func TestOrchestrator_ExhaustedBatchFailsOperation(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 10, MaxRetries: 2, RetryBaseDelay: time.Millisecond})
	ctx := context.Background()
	f.seed(t, 2)
	f.objects.fail = func(types.VersionedInstanceIdentifier) error {
		return ierrors.Transient(ierrors.CodeBlobUnavailable, "blob store unavailable", nil)
	}
	keys := f.addTag(t)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)

	err = f.orch.Run(ctx, op.ID)
	assert.ErrorIs(t, err, ierrors.ErrFatal)
	assert.Len(t, f.sleeps, 2)

	got, err := f.store.GetReindexOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationFailed, got.Status)
	assert.NotEmpty(t, got.Failure)

	tag := f.tag(t)
	assert.Equal(t, types.TagReindexing, tag.Status, "failed operations leave their tags for an operator")
	assert.Equal(t, op.ID, tag.OperationID)
}

func TestOrchestrator_ValidationFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 10, MaxRetries: 5})
	ctx := context.Background()
	f.seed(t, 1)
	f.objects.fail = func(types.VersionedInstanceIdentifier) error {
		return ierrors.Validation(ierrors.CodeInvalidIdentifier, "bad object key")
	}
	keys := f.addTag(t)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)
	assert.ErrorIs(t, f.orch.Run(ctx, op.ID), ierrors.ErrFatal)
	assert.Empty(t, f.sleeps)
}

// TestOrchestrator_ResumeAfterPartialProgress processes M of N batches by
// hand, as if the process died, and checks that a new runner finishes the
// rest with the same result as an uninterrupted run.
func TestOrchestrator_ResumeAfterPartialProgress(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2, MaxParallelBatches: 1})
	ctx := context.Background()
	f.seed(t, 7)
	keys := f.addTag(t)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)
	pending, err := f.orch.EnumerateBatches(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, pending, 4)

	for _, r := range pending[:2] {
		require.NoError(t, f.orch.ProcessBatch(ctx, op.ID, r))
	}
	// Reprocessing a finished batch is harmless.
	require.NoError(t, f.orch.ProcessBatch(ctx, op.ID, pending[0]))

	_, err = f.orch.Complete(ctx, op.ID)
	assert.ErrorIs(t, err, ierrors.ErrConflict, "completion waits for every batch")

	readsBefore := f.objects.reads
	resumed := NewOrchestrator(Config{BatchSize: 2}, f.store, f.objects, f.decoder)
	require.NoError(t, resumed.Run(ctx, op.ID))

	assert.Equal(t, 3, f.objects.reads-readsBefore, "only the unprocessed batches are read")
	assert.Equal(t, types.TagReady, f.tag(t).Status)
	for i := 0; i < 7; i++ {
		assert.True(t, f.hasSeries(t, fmt.Sprintf("SN-%d", i)))
	}
}

func TestOrchestrator_CancelPausesDispatch(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 1, MaxParallelBatches: 1, ThreadsPerBatch: 1})
	ctx := context.Background()
	f.seed(t, 3)
	keys := f.addTag(t)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)

	f.objects.fail = func(types.VersionedInstanceIdentifier) error {
		f.orch.Cancel(op.ID)
		return nil
	}
	err = f.orch.Run(ctx, op.ID)
	assert.ErrorIs(t, err, context.Canceled)

	pending, err := f.orch.EnumerateBatches(ctx, op.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "the in-flight batch finished and no other was dispatched")

	got, err := f.store.GetReindexOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OperationRunning, got.Status, "a paused operation can be resumed")

	f.objects.fail = nil
	require.NoError(t, f.orch.Run(ctx, op.ID))
	assert.Equal(t, types.TagReady, f.tag(t).Status)
	assert.False(t, f.orch.Cancel(op.ID), "nothing is running any more")
}

func TestDaemon_ResumesOrphanedOperations(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2, ResumeInterval: 10 * time.Millisecond})
	ctx := context.Background()
	f.seed(t, 4)
	keys := f.addTag(t)

	op, err := f.orch.Start(ctx, keys)
	require.NoError(t, err)

	d := NewDaemon(f.orch)
	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx), "starting twice fails")

	require.Eventually(t, func() bool {
		got, err := f.store.GetReindexOperation(ctx, op.ID)
		return err == nil && got.Status == types.OperationCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	assert.Empty(t, f.orch.Running())
	assert.Equal(t, types.TagReady, f.tag(t).Status)
}
