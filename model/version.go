package model

import (
	"bytes"
	"fmt"
	"time"
)

// IncVersion identifies a bulk-built index version.
type IncVersion int64

const (
	// InvalidVersion means "no version".
	InvalidVersion IncVersion = -1

	// PrivateVersionMask marks versions produced by real-time commits.
	// Private versions never collide with versions shipped by the build system.
	PrivateVersionMask IncVersion = 1 << 29
)

// IsValid reports whether v is a usable version.
func (v IncVersion) IsValid() bool { return v >= 0 }

// IsPrivate reports whether v was produced by a real-time commit.
func (v IncVersion) IsPrivate() bool { return v.IsValid() && v&PrivateVersionMask != 0 }

func (v IncVersion) String() string {
	if !v.IsValid() {
		return "invalid"
	}
	if v.IsPrivate() {
		return fmt.Sprintf("private-%d", v&^PrivateVersionMask)
	}
	return fmt.Sprintf("%d", int64(v))
}

// SchemaVersion is the version of a table schema.
type SchemaVersion uint32

// Locator is a position in a real-time document stream.
//
// Offsets are strictly monotonic per SourceID. A different SourceID means the
// stream changed and resuming by offset is not possible.
type Locator struct {
	SourceID string `json:"source_id"`
	Offset   int64  `json:"offset"`
	UserData []byte `json:"user_data,omitempty"`
}

// Valid reports whether the locator points into a stream.
func (l Locator) Valid() bool {
	return l.SourceID != "" && l.Offset >= 0
}

// SameSource reports whether both locators refer to the same stream.
func (l Locator) SameSource(o Locator) bool {
	return l.SourceID == o.SourceID
}

// IsNewerThan reports whether l is ahead of o in the same stream.
func (l Locator) IsNewerThan(o Locator) bool {
	return l.SameSource(o) && l.Offset > o.Offset
}

// Equal compares two locators including user data.
func (l Locator) Equal(o Locator) bool {
	return l.SourceID == o.SourceID && l.Offset == o.Offset && bytes.Equal(l.UserData, o.UserData)
}

func (l Locator) String() string {
	if !l.Valid() {
		return "locator(invalid)"
	}
	return fmt.Sprintf("locator(%s@%d)", l.SourceID, l.Offset)
}

// VersionMeta carries the engine locator a version reflects.
type VersionMeta struct {
	Locator       Locator       `json:"locator"`
	BaseVersion   IncVersion    `json:"base_version"`
	BranchID      BranchID      `json:"branch_id"`
	SchemaVersion SchemaVersion `json:"schema_version"`
	Timestamp     time.Time     `json:"timestamp"`
}

// TableVersion is a committed engine version.
// A sealed version expects no further mutation.
type TableVersion struct {
	VersionID IncVersion  `json:"version_id"`
	Meta      VersionMeta `json:"meta"`
	Sealed    bool        `json:"sealed"`
}

// IsValid reports whether the version refers to committed state.
func (v TableVersion) IsValid() bool { return v.VersionID.IsValid() }
