package rtpart

import (
	"context"

	"github.com/hupe1980/rtpart/model"
)

// Unload disables writers, stops ingestion, waits up to the unload timeout
// for outstanding snapshots and closes the engine. Unloading an unloaded
// partition is a no-op.
func (c *Controller) Unload(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if a, _ := c.currentAdapter(); a == nil {
		c.updateMeta(func(m *model.CurrentPartitionMeta) { m.ResetLoaded() })
		return nil
	}

	c.updateMeta(func(m *model.CurrentPartitionMeta) {
		m.TableStatus = model.TableUnloading
	})
	outstanding, err := c.teardown(ctx)

	c.target = model.TargetPartitionMeta{IncVersion: model.InvalidVersion}
	c.suspended = false
	c.updateMeta(func(m *model.CurrentPartitionMeta) { m.ResetLoaded() })

	c.logger.LogUnload(ctx, outstanding, err)
	return err
}
