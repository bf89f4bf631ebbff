package querytag

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/dicomindex/pkg/types"
)

type countingSource struct {
	queryableReads atomic.Int32
	snapshotReads  atomic.Int32
	release        chan struct{}
}

func (c *countingSource) GetQueryable(context.Context) ([]types.ExtendedQueryTag, error) {
	c.queryableReads.Add(1)
	return []types.ExtendedQueryTag{{Key: 1, Path: "00181000", VR: types.VRLO}}, nil
}

func (c *countingSource) GetSnapshot(context.Context) (types.TagSnapshot, error) {
	c.snapshotReads.Add(1)
	if c.release != nil {
		<-c.release
	}
	return types.TagSnapshot{MaxKey: 1}, nil
}

func TestCache_QueryableIsCachedUntilInvalidated(t *testing.T) {
	src := &countingSource{}
	c := NewCache(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tags, err := c.GetQueryable(ctx)
		require.NoError(t, err)
		require.Len(t, tags, 1)
	}
	assert.EqualValues(t, 1, src.queryableReads.Load())

	c.Invalidate()
	_, err := c.GetQueryable(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.queryableReads.Load())
}

func TestCache_ZeroTTLReadsThrough(t *testing.T) {
	src := &countingSource{}
	c := NewCache(src, 0)

	for i := 0; i < 3; i++ {
		_, err := c.GetQueryable(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, src.queryableReads.Load())
}

func TestCache_ConcurrentSnapshotReadsShareOneLoad(t *testing.T) {
	src := &countingSource{release: make(chan struct{})}
	c := NewCache(src, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.GetSnapshot(context.Background())
			assert.NoError(t, err)
			assert.EqualValues(t, 1, snap.MaxKey)
		}()
	}
	require.Eventually(t, func() bool { return src.snapshotReads.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.LessOrEqual(t, src.snapshotReads.Load(), int32(8))
	_, err := c.GetSnapshot(context.Background())
	require.NoError(t, err)
	assert.Greater(t, src.snapshotReads.Load(), int32(1), "snapshots are not cached between calls")
}
