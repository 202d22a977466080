package versionstore

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/rtpart/model"
)

var (
	// ErrNotFound is returned when no record exists for a partition.
	ErrNotFound = errors.New("version record not found")
	// ErrStale is returned when a Put would move a record backwards.
	ErrStale = errors.New("version record is newer")
)

// Record is the last committed version of a partition.
type Record struct {
	Partition string             `json:"partition"`
	Version   model.TableVersion `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Store persists version records.
type Store interface {
	Get(ctx context.Context, pid model.PartitionID) (Record, error)
	Put(ctx context.Context, pid model.PartitionID, v model.TableVersion) error
}

// Resumable reports whether rec can replace target when loading: it was built
// on target in the same branch.
func Resumable(rec Record, target model.IncVersion, branch model.BranchID) bool {
	v := rec.Version
	return v.VersionID.IsPrivate() && v.Meta.BaseVersion == target && v.Meta.BranchID == branch
}

// newer reports whether next may replace cur.
func newer(cur, next model.TableVersion) bool {
	if cur.Meta.BranchID != next.Meta.BranchID {
		return true
	}
	return next.VersionID >= cur.VersionID
}
