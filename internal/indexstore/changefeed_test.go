package indexstore

import (
	"context"
	"errors"
	"testing"
	"time"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

func TestChangeFeed_CreateThenDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := createInstance(t, s, instanceDataset("40.1", "40.1.1", "40.1.1.1"))
	id := types.InstanceIdentifier{PartitionKey: types.DefaultPartitionKey, StudyInstanceUID: "40.1", SeriesInstanceUID: "40.1.1", SOPInstanceUID: "40.1.1.1"}
	if _, err := s.DeleteInstanceIndex(ctx, id, time.Now()); err != nil {
		t.Fatalf("DeleteInstanceIndex failed: %v", err)
	}

	entries, err := s.GetChangeFeedPage(ctx, types.TimeRange{}, 0, 10, types.OrderSequence)
	if err != nil {
		t.Fatalf("GetChangeFeedPage failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	create, del := entries[0], entries[1]
	if create.Action != types.ActionCreate || create.CurrentWatermark == nil || *create.CurrentWatermark != w {
		t.Errorf("unexpected create entry %+v", create)
	}
	if del.Action != types.ActionDelete || del.OriginalWatermark != w || del.CurrentWatermark != nil {
		t.Errorf("unexpected delete entry %+v", del)
	}
	if create.Sequence >= del.Sequence {
		t.Errorf("sequences not increasing: %d then %d", create.Sequence, del.Sequence)
	}
	// State reflects the identity now, so both entries read as deleted.
	for _, e := range entries {
		if !e.State.IsDeleted() {
			t.Errorf("entry %d: expected Deleted state, got %s", e.Sequence, e.State)
		}
	}

	next, err := s.GetChangeFeedPage(ctx, types.TimeRange{}, create.Sequence, 10, types.OrderSequence)
	if err != nil {
		t.Fatalf("GetChangeFeedPage failed: %v", err)
	}
	if len(next) != 1 || next[0].Sequence != del.Sequence {
		t.Errorf("expected page after offset to start at the delete, got %v", next)
	}
}

func TestChangeFeed_SequenceOrderRejectsTimeRange(t *testing.T) {
	s := newTestStore(t)
	r := types.TimeRange{Start: time.Now().Add(-time.Hour)}
	_, err := s.GetChangeFeedPage(context.Background(), r, 0, 10, types.OrderSequence)
	if !errors.Is(err, ierrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestChangeFeed_TimestampWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	for i, sop := range []string{"41.1.1.1", "41.1.1.2", "41.1.1.3"} {
		now = base.Add(time.Duration(i) * time.Minute)
		createInstance(t, s, instanceDataset("41.1", "41.1.1", sop))
	}

	window := types.TimeRange{Start: base.Add(time.Minute), End: base.Add(2 * time.Minute)}
	entries, err := s.GetChangeFeedPage(ctx, window, 0, 10, types.OrderTimestamp)
	if err != nil {
		t.Fatalf("GetChangeFeedPage failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Identifier.SOPInstanceUID != "41.1.1.2" {
		t.Fatalf("expected only the entry at the window start, got %v", entries)
	}

	latest, err := s.GetChangeFeedLatest(ctx, types.OrderTimestamp)
	if err != nil {
		t.Fatalf("GetChangeFeedLatest failed: %v", err)
	}
	if latest.Identifier.SOPInstanceUID != "41.1.1.3" {
		t.Errorf("unexpected latest entry %+v", latest)
	}
}

func TestChangeFeed_EmptyLatest(t *testing.T) {
	s := newTestStore(t)
	latest, err := s.GetChangeFeedLatest(context.Background(), types.OrderSequence)
	if err != nil {
		t.Fatalf("GetChangeFeedLatest failed: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil on an empty feed, got %+v", latest)
	}
}

func TestChangeFeed_CursorOnlyMovesForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if seq, err := s.GetChangeFeedCursor(ctx, "relay"); err != nil || seq != 0 {
		t.Fatalf("expected zero cursor, got %d (%v)", seq, err)
	}
	if err := s.SetChangeFeedCursor(ctx, "relay", 7); err != nil {
		t.Fatalf("SetChangeFeedCursor failed: %v", err)
	}
	if err := s.SetChangeFeedCursor(ctx, "relay", 3); err != nil {
		t.Fatalf("SetChangeFeedCursor failed: %v", err)
	}
	if seq, _ := s.GetChangeFeedCursor(ctx, "relay"); seq != 7 {
		t.Errorf("expected cursor to stay at 7, got %d", seq)
	}
}
