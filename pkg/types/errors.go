package types

import "errors"

// Attribute model errors
var (
	// ErrInvalidTag is returned when a tag or tag path cannot be parsed
	ErrInvalidTag = errors.New("invalid tag")

	// ErrInvalidVR is returned when a value representation code is not recognized
	ErrInvalidVR = errors.New("invalid VR")

	// ErrInvalidLevel is returned when a level name is not Study, Series or Instance
	ErrInvalidLevel = errors.New("invalid level")

	// ErrInvalidValue is returned when an element value does not conform to its VR
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidRange is returned when a watermark range has start > end
	ErrInvalidRange = errors.New("invalid watermark range")

	// ErrMissingIdentifier is returned when a dataset lacks one of the identifying UIDs
	ErrMissingIdentifier = errors.New("missing instance identifier")
)
