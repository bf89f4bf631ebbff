package observability

import (
	"sync"
	"testing"
	"time"
)

func TestQueryTagStats_Concurrent(t *testing.T) {
	qs := NewQueryTagStats(time.Hour)
	var wg sync.WaitGroup
	const goroutines, records = 10, 100

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < records; j++ {
				qs.Record("StudyDate", "range", false)
				qs.Record("PatientName", "fuzzy", false)
				qs.Record("00181000", "equals", true)
			}
		}()
	}
	wg.Wait()

	core := qs.TopCore(10)
	if len(core) != 2 {
		t.Fatalf("expected 2 core attributes, got %d", len(core))
	}
	for _, u := range core {
		if u.Frequency != goroutines*records {
			t.Errorf("%s: expected frequency %d, got %d", u.Attribute, goroutines*records, u.Frequency)
		}
	}
	ext := qs.TopExtended(10)
	if len(ext) != 1 || ext[0].Conditions["equals"] != goroutines*records {
		t.Errorf("unexpected extended usage %+v", ext)
	}
}

func TestQueryTagStats_OrderingAndUnused(t *testing.T) {
	qs := NewQueryTagStats(time.Hour)
	for i := 0; i < 3; i++ {
		qs.Record("00200013", "range", true)
	}
	qs.Record("00181000", "equals", true)

	top := qs.TopExtended(1)
	if len(top) != 1 || top[0].Attribute != "00200013" {
		t.Fatalf("expected 00200013 first, got %+v", top)
	}
	if got := qs.TopCore(5); len(got) != 0 {
		t.Errorf("expected no core usage, got %d", len(got))
	}

	unused := qs.Unused([]string{"00181000", "00080023"})
	if len(unused) != 1 || unused[0] != "00080023" {
		t.Errorf("expected only 00080023 unused, got %v", unused)
	}
}

func TestQueryTagStats_Prune(t *testing.T) {
	qs := NewQueryTagStats(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	qs.now = func() time.Time { return now }

	qs.Record("Modality", "equals", false)
	now = now.Add(2 * time.Minute)
	qs.Record("StudyDate", "range", false)
	qs.Prune()

	core := qs.TopCore(10)
	if len(core) != 1 || core[0].Attribute != "StudyDate" {
		t.Errorf("expected only StudyDate after prune, got %+v", core)
	}
}
