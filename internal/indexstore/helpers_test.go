package indexstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arkilian/dicomindex/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"), DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func element(tag types.Tag, vr types.VR, values ...string) types.Element {
	return types.Element{Tag: tag, VR: vr, Values: values}
}

func instanceDataset(study, series, sop string, extra ...types.Element) *types.Dataset {
	elements := []types.Element{
		element(types.TagStudyInstanceUID, types.VRUI, study),
		element(types.TagSeriesInstanceUID, types.VRUI, series),
		element(types.TagSOPInstanceUID, types.VRUI, sop),
	}
	return types.NewDataset(append(elements, extra...)...)
}

// createInstance runs BeginCreate and EndCreate and returns the watermark.
func createInstance(t *testing.T, s *Store, ds *types.Dataset) int64 {
	t.Helper()
	ctx := context.Background()
	snapshot, err := s.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("failed to get snapshot: %v", err)
	}
	w, err := s.BeginCreate(ctx, types.DefaultPartitionKey, ds, snapshot)
	if err != nil {
		t.Fatalf("BeginCreate failed: %v", err)
	}
	if err := s.EndCreate(ctx, types.DefaultPartitionKey, w, ds, snapshot, false); err != nil {
		t.Fatalf("EndCreate failed: %v", err)
	}
	return w
}

func countRows(t *testing.T, s *Store, query string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return n
}

func tagEntry(path string, vr types.VR, level types.Level) types.ExtendedQueryTag {
	return types.ExtendedQueryTag{Path: path, VR: vr, Level: level}
}
