package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

// LocalStore implements Store on the local filesystem. Objects are stored
// snappy-compressed. It is used for development and single-node setups.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a filesystem store rooted at basePath.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Put writes the object through a temporary file so readers never see a
// partial object.
func (l *LocalStore) Put(ctx context.Context, v types.VersionedInstanceIdentifier, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	objectPath, err := ObjectPath(v)
	if err != nil {
		return err
	}
	destPath := l.fullPath(objectPath)

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return unavailable("put", objectPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".put-*")
	if err != nil {
		return unavailable("put", objectPath, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(snappy.Encode(nil, data)); err != nil {
		tmp.Close()
		return unavailable("put", objectPath, err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("put", objectPath, err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return unavailable("put", objectPath, err)
	}
	return nil
}

// Get reads and decompresses an object.
func (l *LocalStore) Get(ctx context.Context, v types.VersionedInstanceIdentifier) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objectPath, err := ObjectPath(v)
	if err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(l.fullPath(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, objectNotFound(objectPath)
		}
		return nil, unavailable("get", objectPath, err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, ierrors.Internal(fmt.Sprintf("object %s is corrupt", objectPath), err)
	}
	return data, nil
}

// Delete removes an object. Missing objects are not an error, as with S3.
func (l *LocalStore) Delete(ctx context.Context, v types.VersionedInstanceIdentifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	objectPath, err := ObjectPath(v)
	if err != nil {
		return err
	}

	if err := os.Remove(l.fullPath(objectPath)); err != nil && !os.IsNotExist(err) {
		return unavailable("delete", objectPath, err)
	}
	return nil
}

// Exists checks if an object exists.
func (l *LocalStore) Exists(ctx context.Context, v types.VersionedInstanceIdentifier) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	objectPath, err := ObjectPath(v)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(l.fullPath(objectPath)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, unavailable("stat", objectPath, err)
	}
	return true, nil
}

func (l *LocalStore) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(objectPath))
}
