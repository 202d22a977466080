package rtpart

import (
	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/model"
)

// tableStatusOf maps an engine open status to the status reported to the orchestrator.
func tableStatusOf(s engine.OpenStatus) model.TableStatus {
	switch s {
	case engine.OpenOK:
		return model.TableLoaded
	case engine.OpenLackOfMemory, engine.OpenForceReopen:
		return model.TableErrorLackMem
	case engine.OpenInconsistentSchema, engine.OpenIOException,
		engine.OpenEngineException, engine.OpenUnknownException:
		return model.TableForceReload
	default:
		return model.TableErrorUnknown
	}
}

// errorCodeOf refines a failed status. Lack of memory is reported per load
// kind: a first load, a forced reopen, or (without code) a normal reopen.
func errorCodeOf(st model.TableStatus, full, force bool) model.ErrorCode {
	switch st {
	case model.TableErrorLackMem:
		switch {
		case full:
			return model.ErrorLoadLackMem
		case force:
			return model.ErrorForceReopenLackMem
		default:
			return model.ErrorNone
		}
	case model.TableErrorConfig:
		return model.ErrorConfig
	case model.TableErrorUnknown:
		return model.ErrorUnknown
	default:
		return model.ErrorNone
	}
}

// CurrentMeta returns a copy of the partition's observed state.
// A fatal real-time build error is reported as ErrorBuildRealtime.
func (c *Controller) CurrentMeta() model.CurrentPartitionMeta {
	c.metaMu.RLock()
	m := c.meta.Clone()
	c.metaMu.RUnlock()

	if p := c.currentPipeline(); p != nil && p.Fatal() && m.ErrorCode == model.ErrorNone {
		m.ErrorCode = model.ErrorBuildRealtime
	}
	return m
}

func (c *Controller) updateMeta(fn func(m *model.CurrentPartitionMeta)) {
	c.metaMu.Lock()
	fn(&c.meta)
	status, version := c.meta.TableStatus, c.meta.IncVersion
	c.metaMu.Unlock()

	if c.opts.metrics == nil {
		return
	}
	var outstanding int64
	if a, _ := c.currentAdapter(); a != nil {
		outstanding = a.OutstandingSnapshots()
	}
	c.opts.metrics.SetState(c.pid.String(), status, version, outstanding)
}

func (c *Controller) loadedVersion() model.IncVersion {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.meta.IncVersion
}

func (c *Controller) rtStatus() model.RtStatus {
	switch {
	case c.currentPipeline() != nil, c.currentWriter() != nil:
		return model.RtBuilding
	case c.suspended:
		return model.RtSuspended
	default:
		return model.RtNone
	}
}
