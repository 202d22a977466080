package model

// DeployStatus is the outcome of a deploy step.
type DeployStatus int

const (
	DeployNone DeployStatus = iota
	Deploying
	DeployDone
	DeployFailed
	DeployDiskQuota
	DeployCancelled
)

func (s DeployStatus) String() string {
	switch s {
	case DeployNone:
		return "none"
	case Deploying:
		return "deploying"
	case DeployDone:
		return "done"
	case DeployFailed:
		return "failed"
	case DeployDiskQuota:
		return "disk_quota"
	case DeployCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TableStatus is the semantic state of the partition reported to the orchestrator.
type TableStatus int

const (
	TableUnloaded TableStatus = iota
	TableLoading
	TableLoaded
	TableForceReload
	TableErrorLackMem
	TableErrorConfig
	TableErrorUnknown
	TableUnloading
)

func (s TableStatus) String() string {
	switch s {
	case TableUnloaded:
		return "unloaded"
	case TableLoading:
		return "loading"
	case TableLoaded:
		return "loaded"
	case TableForceReload:
		return "force_reload"
	case TableErrorLackMem:
		return "error_lack_mem"
	case TableErrorConfig:
		return "error_config"
	case TableErrorUnknown:
		return "error_unknown"
	case TableUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// RtStatus is the state of real-time ingestion.
type RtStatus int

const (
	RtNone RtStatus = iota
	RtBuilding
	RtSuspended
)

func (s RtStatus) String() string {
	switch s {
	case RtBuilding:
		return "building"
	case RtSuspended:
		return "suspended"
	default:
		return "none"
	}
}

// ErrorCode refines a failed status for operators.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	// ErrorForceReopenLackMem is reported when a forced reopen ran out of memory.
	ErrorForceReopenLackMem
	// ErrorLoadLackMem is reported when a first load ran out of memory.
	ErrorLoadLackMem
	ErrorConfig
	ErrorBuildRealtime
	ErrorUnknown
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorForceReopenLackMem:
		return "force_reopen_lack_mem"
	case ErrorLoadLackMem:
		return "load_lack_mem"
	case ErrorConfig:
		return "config"
	case ErrorBuildRealtime:
		return "build_realtime"
	default:
		return "unknown"
	}
}
