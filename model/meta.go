package model

import (
	"maps"
	"slices"
)

// TargetPartitionMeta is the desired state pushed by the orchestrator.
type TargetPartitionMeta struct {
	// RemoteConfigPath is where the config bytes are fetched from.
	RemoteConfigPath string
	// ConfigPath is the local config directory.
	ConfigPath string
	// RemoteIndexRoot is where the index bytes are fetched from.
	RemoteIndexRoot string
	// IndexRoot is the local index directory of the partition.
	IndexRoot string

	IncVersion IncVersion
	// BranchID changes invalidate the loaded engine and force a full reload.
	BranchID          BranchID
	RollbackTimestamp int64
	Role              Role

	// KeepCount is the number of newest deployed versions kept locally besides
	// the versions in use. Zero keeps only the versions in use.
	KeepCount int
}

// CurrentPartitionMeta is the observed state of a partition.
// It is mutated only by the controller; callers get copies.
type CurrentPartitionMeta struct {
	DeployStatus map[IncVersion]DeployStatus

	IncVersion IncVersion
	BranchID   BranchID
	ConfigPath string
	IndexRoot  string

	SchemaVersion   SchemaVersion
	SchemaContent   string
	EffectiveFields map[string][]string

	TableStatus     TableStatus
	RtStatus        RtStatus
	ErrorCode       ErrorCode
	ForceOnline     bool
	TimestampToSkip int64
}

// NewCurrentPartitionMeta returns the "unloaded" metadata.
func NewCurrentPartitionMeta() CurrentPartitionMeta {
	return CurrentPartitionMeta{
		DeployStatus:    make(map[IncVersion]DeployStatus),
		IncVersion:      InvalidVersion,
		TableStatus:     TableUnloaded,
		TimestampToSkip: -1,
	}
}

// ResetLoaded clears everything describing the loaded engine, keeping deploy state.
func (m *CurrentPartitionMeta) ResetLoaded() {
	m.IncVersion = InvalidVersion
	m.BranchID = 0
	m.ConfigPath = ""
	m.IndexRoot = ""
	m.SchemaVersion = 0
	m.SchemaContent = ""
	m.EffectiveFields = nil
	m.TableStatus = TableUnloaded
	m.RtStatus = RtNone
	m.ErrorCode = ErrorNone
	m.ForceOnline = false
	m.TimestampToSkip = -1
}

// Clone returns a deep copy.
func (m CurrentPartitionMeta) Clone() CurrentPartitionMeta {
	out := m
	out.DeployStatus = maps.Clone(m.DeployStatus)
	if m.EffectiveFields != nil {
		out.EffectiveFields = make(map[string][]string, len(m.EffectiveFields))
		for k, v := range m.EffectiveFields {
			out.EffectiveFields[k] = slices.Clone(v)
		}
	}
	return out
}
