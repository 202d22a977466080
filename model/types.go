package model

import (
	"fmt"
	"strconv"
	"strings"
)

// PartitionID identifies one hash-range shard of a table.
// It is immutable and used as the identity key everywhere.
type PartitionID struct {
	Table string
	From  uint32
	To    uint32 // exclusive
	Index int
}

// NewPartitionID creates a PartitionID for the range [from, to).
func NewPartitionID(table string, from, to uint32) PartitionID {
	return PartitionID{Table: table, From: from, To: to}
}

// String returns "table/from_to".
func (p PartitionID) String() string {
	return fmt.Sprintf("%s/%d_%d", p.Table, p.From, p.To)
}

// BuildID returns the identity carried by control documents addressed to this partition.
func (p PartitionID) BuildID() string {
	return p.String()
}

// Contains reports whether hash falls into the partition's range.
func (p PartitionID) Contains(hash uint32) bool {
	return hash >= p.From && hash < p.To
}

// ParsePartitionID parses the String form of a PartitionID.
func ParsePartitionID(s string) (PartitionID, error) {
	slash := strings.LastIndexByte(s, '/')
	if slash <= 0 {
		return PartitionID{}, fmt.Errorf("invalid partition id %q", s)
	}
	from, to, ok := strings.Cut(s[slash+1:], "_")
	if !ok {
		return PartitionID{}, fmt.Errorf("invalid partition range %q", s)
	}
	f, err := strconv.ParseUint(from, 10, 32)
	if err != nil {
		return PartitionID{}, fmt.Errorf("invalid partition range %q: %w", s, err)
	}
	t, err := strconv.ParseUint(to, 10, 32)
	if err != nil {
		return PartitionID{}, fmt.Errorf("invalid partition range %q: %w", s, err)
	}
	return PartitionID{Table: s[:slash], From: uint32(f), To: uint32(t)}, nil
}

// BranchID identifies a lineage of engine state.
type BranchID uint64

// Role is the replication role of the partition.
type Role int

const (
	RoleLeader Role = iota
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "unknown"
	}
}
