// Package blob stores the DICOM objects of instance versions.
//
// Every version of an instance is a separate object, so an update writes a
// new object and the old one is removed by the cleanup sweeper once the
// old version is purged from the index.
package blob

import (
	"context"
	"fmt"
	"strings"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

// Store abstracts object storage for instance versions.
// Implementations include S3 and the local filesystem.
type Store interface {
	// Put writes the object of a version, replacing any previous content.
	Put(ctx context.Context, v types.VersionedInstanceIdentifier, data []byte) error

	// Get reads the object of a version. A missing object is a NotFound error.
	Get(ctx context.Context, v types.VersionedInstanceIdentifier) ([]byte, error)

	// Delete removes the object of a version. Deleting a missing object succeeds.
	Delete(ctx context.Context, v types.VersionedInstanceIdentifier) error

	// Exists reports whether the object of a version exists.
	Exists(ctx context.Context, v types.VersionedInstanceIdentifier) (bool, error)
}

// ObjectPath returns the object key of a version:
// {partition}/{study}/{series}/{sop}_{watermark}.dcm
func ObjectPath(v types.VersionedInstanceIdentifier) (string, error) {
	if err := v.Validate(); err != nil {
		return "", ierrors.Wrap(ierrors.KindValidation, ierrors.CodeInvalidIdentifier, "incomplete instance identity", err)
	}
	for _, uid := range []string{v.StudyInstanceUID, v.SeriesInstanceUID, v.SOPInstanceUID} {
		if strings.ContainsAny(uid, `/\`) || strings.Contains(uid, "..") {
			return "", ierrors.Validation(ierrors.CodeInvalidIdentifier, fmt.Sprintf("UID %q cannot be used in an object path", uid))
		}
	}
	return fmt.Sprintf("%d/%s/%s/%s_%d.dcm",
		v.PartitionKey, v.StudyInstanceUID, v.SeriesInstanceUID, v.SOPInstanceUID, v.Version), nil
}

func objectNotFound(path string) error {
	return ierrors.NotFound(ierrors.CodeObjectNotFound, fmt.Sprintf("object %s not found", path))
}

func unavailable(op, path string, err error) error {
	return ierrors.Transient(ierrors.CodeBlobUnavailable, fmt.Sprintf("%s %s failed", op, path), err)
}
