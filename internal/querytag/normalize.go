// Package querytag manages extended query tag definitions: validating
// requested tags, adding them and starting their reindex, and caching the
// queryable set for the query path.
package querytag

import (
	"fmt"
	"strings"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/pkg/types"
)

// Normalize validates requested tag definitions and converts them to their
// stored form. The path becomes the 8 hex digit tag, a missing VR is taken
// from the dictionary and private creators are kept only for private tags.
func Normalize(entries []types.ExtendedQueryTagEntry) ([]types.ExtendedQueryTag, error) {
	if len(entries) == 0 {
		return nil, ierrors.Validation(ierrors.CodeInvalidTag, "no extended query tags given")
	}

	seen := make(map[string]bool, len(entries))
	out := make([]types.ExtendedQueryTag, 0, len(entries))
	for _, e := range entries {
		tag, err := normalizeEntry(e)
		if err != nil {
			return nil, err
		}
		if seen[tag.Path] {
			return nil, ierrors.Validation(ierrors.CodeDuplicateAttribute,
				fmt.Sprintf("extended query tag %s is given more than once", tag.Path))
		}
		seen[tag.Path] = true
		out = append(out, tag)
	}
	return out, nil
}

func normalizeEntry(e types.ExtendedQueryTagEntry) (types.ExtendedQueryTag, error) {
	path, err := types.ParseTagPath(e.Path)
	if err != nil {
		return types.ExtendedQueryTag{}, invalid(e.Path, "the path is not a tag or keyword")
	}
	if len(path) != 1 {
		return types.ExtendedQueryTag{}, invalid(e.Path, "sequence paths are not supported")
	}
	tag := path[0]
	if types.IsCoreTag(tag) {
		return types.ExtendedQueryTag{}, invalid(e.Path, "the attribute is already indexed")
	}

	vr, err := normalizeVR(tag, e.VR)
	if err != nil {
		return types.ExtendedQueryTag{}, invalid(e.Path, err.Error())
	}

	creator := strings.TrimSpace(e.PrivateCreator)
	switch {
	case tag.IsPrivate() && creator == "":
		return types.ExtendedQueryTag{}, invalid(e.Path, "private tags need a private creator")
	case !tag.IsPrivate() && creator != "":
		return types.ExtendedQueryTag{}, invalid(e.Path, "only private tags have a private creator")
	}

	if strings.TrimSpace(e.Level) == "" {
		return types.ExtendedQueryTag{}, invalid(e.Path, "the level is required")
	}
	level, err := types.ParseLevel(e.Level)
	if err != nil {
		return types.ExtendedQueryTag{}, invalid(e.Path, err.Error())
	}

	return types.ExtendedQueryTag{
		Path:           tag.String(),
		VR:             vr,
		PrivateCreator: creator,
		Level:          level,
	}, nil
}

func normalizeVR(tag types.Tag, given string) (types.VR, error) {
	known, inDictionary := tag.DefaultVR()
	if strings.TrimSpace(given) == "" {
		if !inDictionary {
			return "", fmt.Errorf("the VR is required for tags outside the dictionary")
		}
		given = string(known)
	}

	vr, err := types.ParseVR(given)
	if err != nil {
		return "", err
	}
	if inDictionary && !tag.IsPrivate() && vr != known {
		return "", fmt.Errorf("VR %s does not match the dictionary VR %s", vr, known)
	}
	if !vr.Indexable() {
		return "", fmt.Errorf("VR %s cannot be indexed", vr)
	}
	return vr, nil
}

func invalid(path, reason string) error {
	return ierrors.Validation(ierrors.CodeInvalidTag, fmt.Sprintf("extended query tag %q: %s", path, reason))
}
