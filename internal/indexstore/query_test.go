package indexstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/dicomindex/internal/query"
	"github.com/arkilian/dicomindex/internal/query/parser"
	"github.com/arkilian/dicomindex/pkg/types"
)

func seedQueryData(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Add(ctx, []types.ExtendedQueryTag{tagEntry("00181000", types.VRLO, types.LevelSeries)}, 10, true)
	require.NoError(t, err)

	createInstance(t, s, instanceDataset("50.1", "50.1.1", "50.1.1.1",
		element(types.TagPatientName, types.VRPN, "Smith^John"),
		element(types.TagStudyDate, types.VRDA, "20200115"),
		element(types.TagModality, types.VRCS, "CT"),
		element(tagDeviceSerial, types.VRLO, "SN-A"),
	))
	createInstance(t, s, instanceDataset("50.1", "50.1.1", "50.1.1.2",
		element(types.TagPatientName, types.VRPN, "Smith^John"),
		element(types.TagStudyDate, types.VRDA, "20200115"),
		element(types.TagModality, types.VRCS, "CT"),
		element(tagDeviceSerial, types.VRLO, "SN-A"),
	))
	createInstance(t, s, instanceDataset("50.2", "50.2.1", "50.2.1.1",
		element(types.TagPatientName, types.VRPN, "Jones^Mary"),
		element(types.TagStudyDate, types.VRDA, "20210601"),
		element(types.TagModality, types.VRCS, "MR"),
		element(tagDeviceSerial, types.VRLO, "SN-B"),
	))
}

func runQuery(t *testing.T, s *Store, params parser.Parameters) []types.VersionedInstanceIdentifier {
	t.Helper()
	ctx := context.Background()
	tags, err := s.GetQueryable(ctx)
	require.NoError(t, err)
	expr, err := parser.NewParser(0, 0).Parse(params, tags)
	require.NoError(t, err)
	got, err := s.Query(ctx, expr)
	require.NoError(t, err)
	return got
}

func TestQuery_StudiesByDateRange(t *testing.T) {
	s := newTestStore(t)
	seedQueryData(t, s)

	got := runQuery(t, s, parser.Parameters{
		Resource: query.ResourceAllStudies,
		Filters:  []parser.Filter{{Key: "StudyDate", Value: "20200101-20201231"}},
	})
	require.Len(t, got, 1, "one result per study")
	assert.Equal(t, "50.1", got[0].StudyInstanceUID)
	assert.Equal(t, "50.1.1.2", got[0].SOPInstanceUID, "study results come from the newest instance")
}

func TestQuery_FuzzyPersonName(t *testing.T) {
	s := newTestStore(t)
	seedQueryData(t, s)

	got := runQuery(t, s, parser.Parameters{
		Resource:      query.ResourceAllStudies,
		Filters:       []parser.Filter{{Key: "PatientName", Value: "joh"}},
		FuzzyMatching: true,
	})
	require.Len(t, got, 1)
	assert.Equal(t, "50.1", got[0].StudyInstanceUID)

	exact := runQuery(t, s, parser.Parameters{
		Resource: query.ResourceAllStudies,
		Filters:  []parser.Filter{{Key: "PatientName", Value: "joh"}},
	})
	assert.Empty(t, exact, "without fuzzy matching the name must match exactly")
}

func TestQuery_ExtendedSeriesAttribute(t *testing.T) {
	s := newTestStore(t)
	seedQueryData(t, s)

	got := runQuery(t, s, parser.Parameters{
		Resource: query.ResourceAllSeries,
		Filters:  []parser.Filter{{Key: "DeviceSerialNumber", Value: "SN-B"}},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "50.2.1", got[0].SeriesInstanceUID)

	instances := runQuery(t, s, parser.Parameters{
		Resource:          query.ResourceStudySeriesInstances,
		StudyInstanceUID:  "50.1",
		SeriesInstanceUID: "50.1.1",
		Limit:             1,
		Offset:            1,
	})
	require.Len(t, instances, 1)
	assert.Equal(t, "50.1.1.2", instances[0].SOPInstanceUID)
}

func TestQuery_ExcludesDeletedInstances(t *testing.T) {
	s := newTestStore(t)
	seedQueryData(t, s)

	id := types.InstanceIdentifier{PartitionKey: types.DefaultPartitionKey, StudyInstanceUID: "50.2", SeriesInstanceUID: "50.2.1", SOPInstanceUID: "50.2.1.1"}
	_, err := s.DeleteInstanceIndex(context.Background(), id, s.clock())
	require.NoError(t, err)

	got := runQuery(t, s, parser.Parameters{
		Resource: query.ResourceAllInstances,
		Filters:  []parser.Filter{{Key: "Modality", Value: "MR"}},
	})
	assert.Empty(t, got)
}

func TestQuery_UpdateDropsRemovedInstanceValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Add(ctx, []types.ExtendedQueryTag{tagEntry("00181000", types.VRLO, types.LevelInstance)}, 10, true)
	require.NoError(t, err)

	w1 := createInstance(t, s, instanceDataset("60.1", "60.1.1", "60.1.1.1",
		element(tagDeviceSerial, types.VRLO, "OLD")))
	filter := parser.Parameters{
		Resource: query.ResourceAllInstances,
		Filters:  []parser.Filter{{Key: "DeviceSerialNumber", Value: "OLD"}},
	}
	require.Len(t, runQuery(t, s, filter), 1)

	snapshot, err := s.GetSnapshot(ctx)
	require.NoError(t, err)
	w2, err := s.ReserveWatermark(ctx)
	require.NoError(t, err)
	require.NoError(t, s.EndUpdate(ctx, types.DefaultPartitionKey, w1, w2,
		instanceDataset("60.1", "60.1.1", "60.1.1.1"), snapshot))

	assert.Empty(t, runQuery(t, s, filter), "the new version has no serial number")
}

func TestQuery_PendingSiblingLeavesStudyValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, instanceDataset("61.1", "61.1.1", "61.1.1.1",
		element(types.TagPatientName, types.VRPN, "Doe^John")))
	filter := parser.Parameters{
		Resource: query.ResourceAllStudies,
		Filters:  []parser.Filter{{Key: "PatientName", Value: "Doe^John"}},
	}
	require.Len(t, runQuery(t, s, filter), 1)

	sibling := instanceDataset("61.1", "61.1.2", "61.1.2.1")
	w, err := s.BeginCreate(ctx, types.DefaultPartitionKey, sibling, types.TagSnapshot{})
	require.NoError(t, err)
	assert.Len(t, runQuery(t, s, filter), 1, "a Creating instance must not change study values")

	require.NoError(t, s.AbandonCreate(ctx, types.DefaultPartitionKey, w))
	assert.Len(t, runQuery(t, s, filter), 1)
}
