package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

func version(sop string, w int64) types.VersionedInstanceIdentifier {
	return types.NewVersionedInstanceIdentifier(types.InstanceIdentifier{
		PartitionKey:      types.DefaultPartitionKey,
		StudyInstanceUID:  "1.2.840",
		SeriesInstanceUID: "1.2.840.1",
		SOPInstanceUID:    sop,
	}, w)
}

func TestObjectPath(t *testing.T) {
	got, err := ObjectPath(version("1.2.840.1.7", 42))
	if err != nil {
		t.Fatalf("ObjectPath failed: %v", err)
	}
	if want := "1/1.2.840/1.2.840.1/1.2.840.1.7_42.dcm"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	for _, sop := range []string{"", "../etc", "a/b", `a\b`} {
		if _, err := ObjectPath(version(sop, 1)); !errors.Is(err, ierrors.ErrValidation) {
			t.Errorf("sop %q: expected validation error, got %v", sop, err)
		}
	}
}

func TestLocalStore_PutGetDelete(t *testing.T) {
	baseDir := t.TempDir()
	store, err := NewLocalStore(baseDir)
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}
	ctx := context.Background()
	v := version("1.2.840.1.1", 3)
	content := bytes.Repeat([]byte("DICM"), 512)

	if err := store.Put(ctx, v, content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := store.Exists(ctx, v)
	if err != nil || !exists {
		t.Fatalf("expected object to exist (err=%v)", err)
	}

	raw, err := os.ReadFile(filepath.Join(baseDir, "1", "1.2.840", "1.2.840.1", "1.2.840.1.1_3.dcm"))
	if err != nil {
		t.Fatalf("object not at its path: %v", err)
	}
	if len(raw) >= len(content) {
		t.Errorf("expected compressed object, got %d bytes for %d", len(raw), len(content))
	}

	got, err := store.Get(ctx, v)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch after round trip")
	}

	// Other versions are separate objects.
	if _, err := store.Get(ctx, version("1.2.840.1.1", 4)); !errors.Is(err, ierrors.ErrNotFound) {
		t.Errorf("expected NotFound for another version, got %v", err)
	}

	if err := store.Delete(ctx, v); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, v); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if exists, _ := store.Exists(ctx, v); exists {
		t.Error("expected object to be gone")
	}
}

func TestLocalStore_CorruptObject(t *testing.T) {
	baseDir := t.TempDir()
	store, err := NewLocalStore(baseDir)
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}
	v := version("1.2.840.1.9", 1)
	path, _ := ObjectPath(v)
	full := filepath.Join(baseDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte{0xff, 0xff, 0xff, 0xff, 0xff}, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(context.Background(), v); ierrors.GetCode(err) != ierrors.CodeUnexpected {
		t.Errorf("expected corrupt object error, got %v", err)
	}
}

func TestLocalStore_CancelledContext(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Put(ctx, version("1.2.840.1.1", 1), []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
