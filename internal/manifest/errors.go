package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the manifest format is not supported.
	ErrIncompatibleVersion = errors.New("incompatible manifest version")

	// ErrNotFound is returned when the manifest file does not exist.
	ErrNotFound = errors.New("manifest not found")

	// ErrCorrupt is returned when a manifest fails to decode.
	ErrCorrupt = errors.New("manifest corrupt")
)
